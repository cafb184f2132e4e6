package config

import (
	"os"

	"github.com/bytedance/sonic"
	"github.com/dmitrijs2005/draftsync/internal/flagx"
	"github.com/dmitrijs2005/draftsync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling.
// It relies on timex.Duration so JSON can specify intervals either as
// strings like "3s" or as integer nanoseconds. Only keys present in the
// file are copied into the runtime Config.
type JsonConfig struct {
	ServerEndpointAddr  string         `json:"server_endpoint_addr"`
	AssetsURL           string         `json:"assets_url"`
	DatabasePath        string         `json:"database_path"`
	ParticipantID       string         `json:"participant_id"`
	AccessToken         string         `json:"access_token"`
	OnlineCheckInterval timex.Duration `json:"online_check_interval"`
	DegradedLatency     timex.Duration `json:"degraded_latency"`
	LogLevel            string         `json:"log_level"`

	MaxAttempts int            `json:"max_attempts"`
	RetryBase   timex.Duration `json:"retry_base"`
	RetryMax    timex.Duration `json:"retry_max"`
	FanOut      int            `json:"fan_out"`

	Cache map[string]jsonTier `json:"cache"`
}

type jsonTier struct {
	Budget int64          `json:"budget"`
	TTL    timex.Duration `json:"ttl"`
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// parseJson overlays Config with values loaded from a JSON file named by
// -c or -config. Without the flag nothing is loaded. Panics on read or
// unmarshal errors.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.ConfigFileFlag(os.Args[1:])
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := sonic.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	setString(&cfg.ServerEndpointAddr, jc.ServerEndpointAddr)
	setString(&cfg.AssetsURL, jc.AssetsURL)
	setString(&cfg.DatabasePath, jc.DatabasePath)
	setString(&cfg.ParticipantID, jc.ParticipantID)
	setString(&cfg.AccessToken, jc.AccessToken)
	setString(&cfg.LogLevel, jc.LogLevel)
	if jc.OnlineCheckInterval.Duration > 0 {
		cfg.OnlineCheckInterval = jc.OnlineCheckInterval.Duration
	}
	if jc.DegradedLatency.Duration > 0 {
		cfg.DegradedLatency = jc.DegradedLatency.Duration
	}
	if jc.MaxAttempts > 0 {
		cfg.MaxAttempts = jc.MaxAttempts
	}
	if jc.RetryBase.Duration > 0 {
		cfg.RetryBase = jc.RetryBase.Duration
	}
	if jc.RetryMax.Duration > 0 {
		cfg.RetryMax = jc.RetryMax.Duration
	}
	if jc.FanOut > 0 {
		cfg.FanOut = jc.FanOut
	}

	for name, t := range jc.Cache {
		budget, ttl := cfg.tierFields(name)
		if budget == nil {
			continue
		}
		if t.Budget > 0 {
			*budget = t.Budget
		}
		if ttl != nil && t.TTL.Duration > 0 {
			*ttl = t.TTL.Duration
		}
	}
}
