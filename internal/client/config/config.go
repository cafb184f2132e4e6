package config

import (
	"time"

	"github.com/dmitrijs2005/draftsync/internal/client/cache"
)

// Config holds runtime settings for the draftsync client.
//
// Fields:
//   - ServerEndpointAddr: host:port of the draftsync gRPC endpoint.
//   - AssetsURL: base URL of the asset endpoint templates and images are read from.
//   - DatabasePath: local SQLite file holding drafts and the outbox.
//   - ParticipantID: overrides the device identity stored in the database.
//   - AccessToken: bearer token sent with every call.
//   - OnlineCheckInterval / DegradedLatency: connectivity probing.
//   - MaxAttempts / RetryBase / RetryMax / FanOut: sync queue delivery.
//   - Cache*: per tier byte budgets and TTLs.
type Config struct {
	ServerEndpointAddr  string        `env:"ENDPOINT"`
	AssetsURL           string        `env:"ASSETS_URL"`
	DatabasePath        string        `env:"DB_PATH"`
	ParticipantID       string        `env:"PARTICIPANT_ID"`
	AccessToken         string        `env:"TOKEN"`
	OnlineCheckInterval time.Duration `env:"CHECK_INTERVAL"`
	DegradedLatency     time.Duration `env:"DEGRADED_LATENCY"`
	LogLevel            string        `env:"LOG_LEVEL"`

	MaxAttempts int           `env:"MAX_ATTEMPTS"`
	RetryBase   time.Duration `env:"RETRY_BASE"`
	RetryMax    time.Duration `env:"RETRY_MAX"`
	FanOut      int           `env:"FAN_OUT"`

	CacheCriticalBudget int64         `env:"CACHE_CRITICAL_BUDGET"`
	CacheTemplateBudget int64         `env:"CACHE_TEMPLATE_BUDGET"`
	CacheUserDataBudget int64         `env:"CACHE_USER_DATA_BUDGET"`
	CacheImageBudget    int64         `env:"CACHE_IMAGE_BUDGET"`
	CacheTemplateTTL    time.Duration `env:"CACHE_TEMPLATE_TTL"`
	CacheUserDataTTL    time.Duration `env:"CACHE_USER_DATA_TTL"`
	CacheImageTTL       time.Duration `env:"CACHE_IMAGE_TTL"`
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerEndpointAddr = "127.0.0.1:50051"
	c.AssetsURL = "http://127.0.0.1:8080"
	c.DatabasePath = "draftsync.db"
	c.OnlineCheckInterval = 5 * time.Second
	c.DegradedLatency = time.Second
	c.LogLevel = "info"

	c.MaxAttempts = 5
	c.RetryBase = 500 * time.Millisecond
	c.RetryMax = 30 * time.Second
	c.FanOut = 4

	tiers := cache.DefaultTiers()
	c.CacheCriticalBudget = tiers[cache.TierCritical].Budget
	c.CacheTemplateBudget = tiers[cache.TierTemplate].Budget
	c.CacheUserDataBudget = tiers[cache.TierUserData].Budget
	c.CacheImageBudget = tiers[cache.TierImage].Budget
	c.CacheTemplateTTL = tiers[cache.TierTemplate].TTL
	c.CacheUserDataTTL = tiers[cache.TierUserData].TTL
	c.CacheImageTTL = tiers[cache.TierImage].TTL
}

// Tiers returns the cache tier settings.
func (c *Config) Tiers() map[cache.Tier]cache.TierConfig {
	return map[cache.Tier]cache.TierConfig{
		cache.TierCritical: {Budget: c.CacheCriticalBudget},
		cache.TierTemplate: {Budget: c.CacheTemplateBudget, TTL: c.CacheTemplateTTL},
		cache.TierUserData: {Budget: c.CacheUserDataBudget, TTL: c.CacheUserDataTTL},
		cache.TierImage:    {Budget: c.CacheImageBudget, TTL: c.CacheImageTTL},
	}
}

// tierFields maps a tier name to its Config fields. Critical entries never
// expire, so there is no TTL to set.
func (c *Config) tierFields(name string) (*int64, *time.Duration) {
	switch cache.Tier(name) {
	case cache.TierCritical:
		return &c.CacheCriticalBudget, nil
	case cache.TierTemplate:
		return &c.CacheTemplateBudget, &c.CacheTemplateTTL
	case cache.TierUserData:
		return &c.CacheUserDataBudget, &c.CacheUserDataTTL
	case cache.TierImage:
		return &c.CacheImageBudget, &c.CacheImageTTL
	}
	return nil, nil
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present), DRAFTSYNC_* environment variables and command-line
// flags. Later sources take precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	loadDotEnv(DotEnvFile)
	parseEnv(cfg)
	parseFlags(cfg)
	return cfg
}
