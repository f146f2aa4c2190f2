// Package config handles configuration loading for aipim-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from AIPIM_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/aipim/gateway.yaml
//  3. ~/.config/aipim/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  admin_secret: "${AIPIM_ADMIN_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  replay_window: "5m"
//
// # Example
//
//	server:
//	  http_addr: "localhost:8080"
//	  max_body_bytes: 5242880
//
//	database:
//	  path: "~/.local/share/aipim/gateway.db"
//	  encryption_key: "${AIPIM_DB_KEY}"
//
//	api:
//	  name: "orders"
//	  version: "1.0.0"
//
//	auth:
//	  admin_secret: "${AIPIM_ADMIN_SECRET}"
//	  enforce_ip_allow_list: true
//	  reject_replayed_challenges: true
//
//	endpoints:
//	  - verb: GET
//	    path: list
//	    upstream: "http://localhost:9000/orders"
//
// # Validation
//
// Load fails on the first problem found: a missing listener, database path or
// API name, an unknown log format, or an endpoint with a bad verb, empty path,
// repeated path or non-http upstream.
package config
