package config

import (
	"os"

	"github.com/bytedance/sonic"
	"github.com/dmitrijs2005/draftsync/internal/flagx"
	"github.com/dmitrijs2005/draftsync/internal/timex"
)

// JsonConfig is the JSON form of Config. Intervals use timex.Duration, so
// both "1s" and integer nanoseconds are accepted. Keys missing from the file
// leave the runtime Config untouched.
type JsonConfig struct {
	EndpointAddrGRPC      string         `json:"endpoint_addr_grpc"`
	EndpointAddrHTTP      string         `json:"endpoint_addr_http"`
	DatabaseDSN           string         `json:"database_dsn"`
	RedisURL              string         `json:"redis_url"`
	SecretKey             string         `json:"secret_key"`
	TokenValidityDuration timex.Duration `json:"token_validity_duration"`
	SnapshotTTL           timex.Duration `json:"snapshot_ttl"`
	ReplayLimit           int            `json:"replay_limit"`
	LogLevel              string         `json:"log_level"`
	S3RootUser            string         `json:"s3_root_user"`
	S3RootPassword        string         `json:"s3_root_password"`
	S3Bucket              string         `json:"s3_bucket"`
	S3Region              string         `json:"s3_region"`
	S3BaseEndpoint        string         `json:"s3_base_endpoint"`
	PresignExpiry         timex.Duration `json:"presign_expiry"`
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// parseJson overlays Config with the JSON file named by -c or -config.
// Without the flag nothing is loaded. Panics if the file cannot be read or
// holds invalid JSON.
func parseJson(config *Config) {
	jsonConfigFile := flagx.ConfigFileFlag(os.Args[1:])
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := sonic.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.RedisURL, c.RedisURL)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	if c.TokenValidityDuration.Duration > 0 {
		config.TokenValidityDuration = c.TokenValidityDuration.Duration
	}
	if c.SnapshotTTL.Duration > 0 {
		config.SnapshotTTL = c.SnapshotTTL.Duration
	}
	if c.ReplayLimit > 0 {
		config.ReplayLimit = c.ReplayLimit
	}
	if c.PresignExpiry.Duration > 0 {
		config.PresignExpiry = c.PresignExpiry.Duration
	}
}
