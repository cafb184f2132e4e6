package config

import (
	"os"
	"testing"
	"time"

	"github.com/dmitrijs2005/draftsync/internal/client/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, "127.0.0.1:50051", c.ServerEndpointAddr)
	assert.Equal(t, 5*time.Second, c.OnlineCheckInterval)
	assert.Equal(t, 5, c.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, c.RetryBase)
	assert.Equal(t, cache.DefaultTiers(), c.Tiers())
}

func TestLoadConfig_UsesDefaultsBeforeParsing(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })
	os.Args = []string{"testbin"}

	cfg := LoadConfig()

	require.NotNil(t, cfg, "LoadConfig must not return nil")
	assert.Equal(t, "127.0.0.1:50051", cfg.ServerEndpointAddr)
	assert.Equal(t, 5*time.Second, cfg.OnlineCheckInterval)
}

func TestLoadConfig_Precedence(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	path := writeTempJSON(t, "", "", map[string]any{
		"server_endpoint_addr": "json:1",
		"database_path":        "json.db",
		"assets_url":           "http://json",
	})
	t.Setenv("DRAFTSYNC_ENDPOINT", "env:2")
	t.Setenv("DRAFTSYNC_DB_PATH", "env.db")
	os.Args = []string{"testbin", "-c", path, "-a", "flag:3"}

	cfg := LoadConfig()

	assert.Equal(t, "flag:3", cfg.ServerEndpointAddr)
	assert.Equal(t, "env.db", cfg.DatabasePath)
	assert.Equal(t, "http://json", cfg.AssetsURL)
}
