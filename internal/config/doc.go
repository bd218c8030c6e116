// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is read from a YAML file, or a TOML file when the path ends
// in ".toml". A missing file is not an error: every field has a default, and
// a file only needs the keys it changes.
//
// # Environment Variable Expansion
//
// Values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// After the file is decoded, RELAY_* variables override it:
//
//	RELAY_LISTEN_ADDR        server.http_addr
//	RELAY_RELAY_URL          server.relay_url
//	RELAY_DATABASE_PATH      database.path
//	RELAY_DATABASE_DRIVER    database.driver
//	RELAY_LOG_LEVEL          logging.level
//	RELAY_PERMIT_UNLISTED    auth.permit_unlisted
//	RELAY_AUTH_REQUIRED      auth.required
//	RELAY_MAX_CONTENT_BYTES  limits.max_content_bytes
//	RELAY_SUBMIT_RATE        rate_limits.submit     ("capacity/refill_per_second")
//	RELAY_SUBSCRIBE_RATE     rate_limits.subscribe
//	RELAY_AUTH_RATE          rate_limits.auth
//
// # Admission
//
// auth.permit_unlisted defaults to false. With it off, an empty allow-list
// admits nobody. Turn it on only for local development:
//
//	auth:
//	  required: false
//	  permit_unlisted: true
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	server:
//	  write_timeout: "10s"
//	  ping_interval: "30s"
//	auth:
//	  allowlist_refresh: "30s"
//	  challenge_window: "10m"
//	limits:
//	  max_future_skew: "15m"
//	rate_limits:
//	  idle_ttl: "10m"
//
// # Rate Limits
//
//	rate_limits:
//	  submit:    { capacity: 20, refill_per_second: 2 }
//	  subscribe: { capacity: 20, refill_per_second: 1 }
//	  auth:      { capacity: 5,  refill_per_second: 0.2 }
//	  max_buckets: 100000
//
// A capacity of 0 disables limiting for that class.
package config
