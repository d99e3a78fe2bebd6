// Package config handles configuration loading for the frontdesk server.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from FRONTDESK_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/frontdesk/config.yaml
//  3. ~/.config/frontdesk/config.yaml
//
// `frontdesk init` writes a starter file from Template.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${FRONTDESK_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	events:
//	  retry_backoff: "200ms"
//	dedupe:
//	  ttl: "10m"
//	relay:
//	  dial_timeout: "5s"
//
// # Configuration Sections
//
//	server:      grpc_addr, http_addr (required unless tailscale is enabled)
//	tailscale:   enabled, hostname, auth_key, state_dir, ephemeral
//	database:    driver (sqlite, sqlite3, memory), path
//	auth:        jwt_secret (32+ bytes), disabled
//	events:      shards, queue_size, max_attempts, retry_backoff
//	texts:       language (en, ru)
//	channels:    channel names the gateway accepts; empty accepts any
//	dedupe:      ttl, max_size
//	journal:     enabled
//	relay:       enabled, url, exchange, dial_timeout
//	logging:     level, format (text, json)
//	metrics:     enabled, path
package config
