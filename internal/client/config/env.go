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

// EnvPrefix namespaces the client's environment variables.
const EnvPrefix = "DRAFTSYNC_"

// parseEnv overlays Config with DRAFTSYNC_* environment variables. Unset
// variables leave the field untouched. Panics on malformed values, like the
// other loaders.
func parseEnv(cfg *Config) {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		panic(fmt.Errorf("parse env: %w", err))
	}
}
