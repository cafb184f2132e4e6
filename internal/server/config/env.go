package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DotEnvFile is read, when present, before the environment is parsed.
// Variables already set in the process environment win.
const DotEnvFile = ".env"

func loadDotEnv(path string) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		panic(fmt.Errorf("load %s: %w", path, err))
	}
}

// EnvPrefix namespaces the server's environment variables.
const EnvPrefix = "DRAFTSYNC_SERVER_"

// parseEnv overlays Config with DRAFTSYNC_SERVER_* environment variables.
// Panics on malformed values.
func parseEnv(cfg *Config) {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		panic(fmt.Errorf("parse env: %w", err))
	}
}
