// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, defaults, env var expansion and RELAY_* overrides

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "localhost:7447", cfg.Server.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.True(t, cfg.Auth.Required)
	assert.False(t, cfg.Auth.PermitUnlisted, "unlisted identities are denied by default")
	assert.Equal(t, 30*time.Second, cfg.Server.PingInterval)
	assert.Equal(t, 10*time.Minute, cfg.Auth.ChallengeWindow)
	assert.Equal(t, 15*time.Minute, cfg.Limits.MaxFutureSkew)
	assert.Equal(t, RatePolicy{Capacity: 20, RefillPerSecond: 2}, cfg.RateLimits.Submit)
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "relay.yaml", `
server:
  http_addr: "0.0.0.0:9000"
  relay_url: "wss://relay.example.com"
  max_filters: 4
  ping_interval: "5s"

database:
  driver: "sqlite3"
  path: "/var/lib/relay.db"

auth:
  required: false
  challenge_window: "2m"

rate_limits:
  submit:
    capacity: 3
    refill_per_second: 0.5

logging:
  level: "debug"
  format: "json"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "wss://relay.example.com", cfg.Server.RelayURL)
	assert.Equal(t, 4, cfg.Server.MaxFilters)
	assert.Equal(t, 20, cfg.Server.MaxSubscriptions, "unset keys keep defaults")
	assert.Equal(t, 5*time.Second, cfg.Server.PingInterval)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.False(t, cfg.Auth.Required)
	assert.Equal(t, 2*time.Minute, cfg.Auth.ChallengeWindow)
	assert.Equal(t, RatePolicy{Capacity: 3, RefillPerSecond: 0.5}, cfg.RateLimits.Submit)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "relay.toml", `
[server]
http_addr = "127.0.0.1:7000"
write_timeout = "3s"

[database]
path = "relay-test.db"

[auth]
permit_unlisted = true

[rate_limits.subscribe]
capacity = 0
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Server.HTTPAddr)
	assert.Equal(t, 3*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "relay-test.db", cfg.Database.Path)
	assert.True(t, cfg.Auth.PermitUnlisted)
	assert.Equal(t, 0, cfg.RateLimits.Subscribe.Capacity)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_RELAY_DB", "/tmp/expanded.db")
	path := writeConfig(t, "relay.yaml", `
database:
  path: "${TEST_RELAY_DB}"
tailscale:
  auth_key: "${TEST_RELAY_UNSET_VAR}"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/expanded.db", cfg.Database.Path)
	assert.Empty(t, cfg.Tailscale.AuthKey)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "relay.yaml", `
server:
  http_addr: "file:1"
auth:
  permit_unlisted: false
`)
	t.Setenv("RELAY_LISTEN_ADDR", "env:2")
	t.Setenv("RELAY_DATABASE_PATH", "env.db")
	t.Setenv("RELAY_PERMIT_UNLISTED", "true")
	t.Setenv("RELAY_AUTH_REQUIRED", "false")
	t.Setenv("RELAY_MAX_CONTENT_BYTES", "1024")
	t.Setenv("RELAY_SUBMIT_RATE", "7/1.5")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env:2", cfg.Server.HTTPAddr)
	assert.Equal(t, "env.db", cfg.Database.Path)
	assert.True(t, cfg.Auth.PermitUnlisted)
	assert.False(t, cfg.Auth.Required)
	assert.Equal(t, 1024, cfg.Limits.MaxContentBytes)
	assert.Equal(t, RatePolicy{Capacity: 7, RefillPerSecond: 1.5}, cfg.RateLimits.Submit)
}

func TestLoad_BadEnvOverride(t *testing.T) {
	for name, value := range map[string]string{
		"RELAY_PERMIT_UNLISTED":   "sure",
		"RELAY_MAX_CONTENT_BYTES": "lots",
		"RELAY_AUTH_RATE":         "5",
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(name, value)
			_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), name)
		})
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad yaml", "server: [", "parsing config file"},
		{"bad duration", "server:\n  ping_interval: soon\n", "server.ping_interval"},
		{"negative duration", "auth:\n  challenge_window: -1m\n", "auth.challenge_window"},
		{"no addr", "server:\n  http_addr: \"\"\n", "server.http_addr"},
		{"tailscale without hostname", "tailscale:\n  enabled: true\n", "tailscale.hostname"},
		{"bad driver", "database:\n  driver: postgres\n", "database.driver"},
		{"bad anonymous pubkey", "auth:\n  anonymous_pubkey: abc\n", "auth.anonymous_pubkey"},
		{"zero refill", "rate_limits:\n  auth:\n    capacity: 1\n    refill_per_second: 0\n", "rate_limits.auth"},
		{"default above cap", "limits:\n  default_limit: 900\n", "limits.default_limit"},
		{"bad log level", "logging:\n  level: loud\n", "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "relay.yaml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseRatePolicy(t *testing.T) {
	p, err := ParseRatePolicy(" 10 / 0.25 ")
	require.NoError(t, err)
	assert.Equal(t, RatePolicy{Capacity: 10, RefillPerSecond: 0.25}, p)

	for _, bad := range []string{"", "10", "x/1", "1/y"} {
		_, err := ParseRatePolicy(bad)
		assert.Error(t, err, bad)
	}
}

func TestWrite_RoundTrips(t *testing.T) {
	for _, name := range []string{"relay.yaml", "relay.toml"} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Server.HTTPAddr = "0.0.0.0:1234"
			cfg.Database.Path = "/data/relay.db"
			cfg.RateLimits.Auth = RatePolicy{Capacity: 2, RefillPerSecond: 0.1}

			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, Write(path, cfg))

			got, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, "0.0.0.0:1234", got.Server.HTTPAddr)
			assert.Equal(t, "/data/relay.db", got.Database.Path)
			assert.Equal(t, cfg.RateLimits.Auth, got.RateLimits.Auth)
			assert.False(t, got.Auth.PermitUnlisted)
			assert.Equal(t, 30*time.Second, got.Auth.AllowListRefresh)
		})
	}
}
