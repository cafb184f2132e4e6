// Package config handles configuration for the draftsync server: defaults,
// a JSON overlay selected with -c/-config, DRAFTSYNC_SERVER_* environment
// variables and command-line flags, applied in that order.
package config
