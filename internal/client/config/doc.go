// Package config loads runtime configuration for the draftsync client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file (see parseJson) selected via flags: -c or -config.
//  3. DRAFTSYNC_* environment variables (see parseEnv).
//  4. Command-line flags (see parseFlags), which override earlier values.
//
// Supported flags
//
//	-a string   address:port of the draftsync gRPC endpoint
//	-u string   asset endpoint base URL
//	-d string   local database file
//	-p string   participant ID
//	-t string   access token
//	-i int      online status check interval (seconds)
//
// # JSON schema
//
// The JSON loader uses timex.Duration for intervals, so values can be either
// strings like "3s" or integer nanoseconds:
//
//	{
//	  "server_endpoint_addr": "127.0.0.1:50051",
//	  "assets_url": "http://127.0.0.1:8080",
//	  "database_path": "draftsync.db",
//	  "online_check_interval": "5s",
//	  "max_attempts": 5,
//	  "retry_base": "500ms",
//	  "cache": {"template": {"budget": 16777216, "ttl": "1h"}}
//	}
//
// # Environment
//
// Every Config field has a DRAFTSYNC_ variable, e.g. DRAFTSYNC_ENDPOINT,
// DRAFTSYNC_DB_PATH, DRAFTSYNC_TOKEN or DRAFTSYNC_CACHE_IMAGE_TTL. Durations
// use Go syntax ("250ms").
package config
