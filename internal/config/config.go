// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults and RELAY_* overrides

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-relay/internal/event"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Server     ServerConfig    `yaml:"server" toml:"server"`
	Tailscale  TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database   DatabaseConfig  `yaml:"database" toml:"database"`
	Auth       AuthConfig      `yaml:"auth" toml:"auth"`
	Limits     LimitsConfig    `yaml:"limits" toml:"limits"`
	RateLimits RateLimitConfig `yaml:"rate_limits" toml:"rate_limits"`
	Logging    LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the listener and per-connection session settings
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// RelayURL is the public URL clients connect to. When set, auth proofs
	// must carry it in their relay tag.
	RelayURL string `yaml:"relay_url" toml:"relay_url"`

	Name        string `yaml:"name" toml:"name"`
	Description string `yaml:"description" toml:"description"`
	Contact     string `yaml:"contact" toml:"contact"`

	MaxMessageBytes  int64 `yaml:"max_message_bytes" toml:"max_message_bytes"`
	OutboundQueue    int   `yaml:"outbound_queue" toml:"outbound_queue"`
	MaxSubscriptions int   `yaml:"max_subscriptions" toml:"max_subscriptions"`
	MaxFilters       int   `yaml:"max_filters" toml:"max_filters"`

	WriteTimeout time.Duration `yaml:"-" toml:"-"`
	PingInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver       string `yaml:"driver" toml:"driver"`
	Path         string `yaml:"path" toml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns"`
}

// AuthConfig holds admission configuration
type AuthConfig struct {
	Required bool `yaml:"required" toml:"required"`
	// PermitUnlisted admits identities missing from the allow-list.
	// Only for local development.
	PermitUnlisted  bool   `yaml:"permit_unlisted" toml:"permit_unlisted"`
	AnonymousPubkey string `yaml:"anonymous_pubkey" toml:"anonymous_pubkey"`

	AllowListRefresh time.Duration `yaml:"-" toml:"-"`
	ChallengeWindow  time.Duration `yaml:"-" toml:"-"`

	AllowListRefreshRaw string `yaml:"allowlist_refresh" toml:"allowlist_refresh"`
	ChallengeWindowRaw  string `yaml:"challenge_window" toml:"challenge_window"`
}

// LimitsConfig bounds records and queries
type LimitsConfig struct {
	MaxContentBytes int `yaml:"max_content_bytes" toml:"max_content_bytes"`
	QueryCap        int `yaml:"query_cap" toml:"query_cap"`
	DefaultLimit    int `yaml:"default_limit" toml:"default_limit"`

	MaxFutureSkew    time.Duration `yaml:"-" toml:"-"`
	MaxFutureSkewRaw string        `yaml:"max_future_skew" toml:"max_future_skew"`
}

// RatePolicy is one token bucket shape. Capacity 0 disables the class.
type RatePolicy struct {
	Capacity        int     `yaml:"capacity" toml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second" toml:"refill_per_second"`
}

// RateLimitConfig holds per-class bucket policies
type RateLimitConfig struct {
	Submit     RatePolicy `yaml:"submit" toml:"submit"`
	Subscribe  RatePolicy `yaml:"subscribe" toml:"subscribe"`
	Auth       RatePolicy `yaml:"auth" toml:"auth"`
	MaxBuckets int        `yaml:"max_buckets" toml:"max_buckets"`

	IdleTTL    time.Duration `yaml:"-" toml:"-"`
	IdleTTLRaw string        `yaml:"idle_ttl" toml:"idle_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns the configuration used when no file exists. Values a file
// leaves out keep these defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:         "localhost:7447",
			Name:             "coven-relay",
			Description:      "Allow-listed relay for signed records",
			MaxMessageBytes:  128 * 1024,
			OutboundQueue:    256,
			MaxSubscriptions: 20,
			MaxFilters:       10,
			WriteTimeoutRaw:  "10s",
			PingIntervalRaw:  "30s",
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			Path:         "relay.db",
			MaxOpenConns: 8,
		},
		Auth: AuthConfig{
			Required:            true,
			AllowListRefreshRaw: "30s",
			ChallengeWindowRaw:  "10m",
		},
		Limits: LimitsConfig{
			MaxContentBytes:  64 * 1024,
			QueryCap:         500,
			DefaultLimit:     100,
			MaxFutureSkewRaw: "15m",
		},
		RateLimits: RateLimitConfig{
			Submit:     RatePolicy{Capacity: 20, RefillPerSecond: 2},
			Subscribe:  RatePolicy{Capacity: 20, RefillPerSecond: 1},
			Auth:       RatePolicy{Capacity: 5, RefillPerSecond: 0.2},
			MaxBuckets: 100000,
			IdleTTLRaw: "10m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A missing file yields the defaults. Environment variables in the format
// ${VAR_NAME} are expanded, and RELAY_* variables override file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := decode(path, expandEnvVars(string(data)), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func decode(path, data string, cfg *Config) error {
	if strings.HasSuffix(strings.ToLower(path), ".toml") {
		_, err := toml.Decode(data, cfg)
		return err
	}
	return yaml.Unmarshal([]byte(data), cfg)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnv overrides file values with RELAY_* variables.
func applyEnv(cfg *Config, getenv func(string) string) error {
	setString := func(name string, dst *string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	setBool := func(name string, dst *bool) error {
		v := getenv(name)
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not a boolean", name, v)
		}
		*dst = b
		return nil
	}
	setRate := func(name string, dst *RatePolicy) error {
		v := getenv(name)
		if v == "" {
			return nil
		}
		p, err := ParseRatePolicy(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = p
		return nil
	}

	setString("RELAY_LISTEN_ADDR", &cfg.Server.HTTPAddr)
	setString("RELAY_RELAY_URL", &cfg.Server.RelayURL)
	setString("RELAY_DATABASE_PATH", &cfg.Database.Path)
	setString("RELAY_DATABASE_DRIVER", &cfg.Database.Driver)
	setString("RELAY_LOG_LEVEL", &cfg.Logging.Level)

	if err := setBool("RELAY_PERMIT_UNLISTED", &cfg.Auth.PermitUnlisted); err != nil {
		return err
	}
	if err := setBool("RELAY_AUTH_REQUIRED", &cfg.Auth.Required); err != nil {
		return err
	}

	if v := getenv("RELAY_MAX_CONTENT_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RELAY_MAX_CONTENT_BYTES: %q is not an integer", v)
		}
		cfg.Limits.MaxContentBytes = n
	}

	if err := setRate("RELAY_SUBMIT_RATE", &cfg.RateLimits.Submit); err != nil {
		return err
	}
	if err := setRate("RELAY_SUBSCRIBE_RATE", &cfg.RateLimits.Subscribe); err != nil {
		return err
	}
	return setRate("RELAY_AUTH_RATE", &cfg.RateLimits.Auth)
}

// ParseRatePolicy parses "capacity/refill_per_second", for example "20/2".
func ParseRatePolicy(s string) (RatePolicy, error) {
	capStr, refillStr, ok := strings.Cut(s, "/")
	if !ok {
		return RatePolicy{}, fmt.Errorf("rate %q must be capacity/refill_per_second", s)
	}
	capacity, err := strconv.Atoi(strings.TrimSpace(capStr))
	if err != nil {
		return RatePolicy{}, fmt.Errorf("rate %q: capacity must be an integer", s)
	}
	refill, err := strconv.ParseFloat(strings.TrimSpace(refillStr), 64)
	if err != nil {
		return RatePolicy{}, fmt.Errorf("rate %q: refill must be a number", s)
	}
	return RatePolicy{Capacity: capacity, RefillPerSecond: refill}, nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if c.Auth.AnonymousPubkey != "" && !event.IsHex64(c.Auth.AnonymousPubkey) {
		return fmt.Errorf("auth.anonymous_pubkey must be 64 lowercase hex characters")
	}

	if c.Limits.MaxContentBytes <= 0 {
		return fmt.Errorf("limits.max_content_bytes must be positive")
	}
	if c.Limits.QueryCap <= 0 || c.Limits.DefaultLimit <= 0 {
		return fmt.Errorf("limits.query_cap and limits.default_limit must be positive")
	}
	if c.Limits.DefaultLimit > c.Limits.QueryCap {
		return fmt.Errorf("limits.default_limit (%d) exceeds limits.query_cap (%d)", c.Limits.DefaultLimit, c.Limits.QueryCap)
	}

	for name, p := range map[string]RatePolicy{
		"submit":    c.RateLimits.Submit,
		"subscribe": c.RateLimits.Subscribe,
		"auth":      c.RateLimits.Auth,
	} {
		if p.Capacity < 0 {
			return fmt.Errorf("rate_limits.%s.capacity must not be negative", name)
		}
		if p.Capacity > 0 && p.RefillPerSecond <= 0 {
			return fmt.Errorf("rate_limits.%s.refill_per_second must be positive", name)
		}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.write_timeout", cfg.Server.WriteTimeoutRaw, &cfg.Server.WriteTimeout},
		{"server.ping_interval", cfg.Server.PingIntervalRaw, &cfg.Server.PingInterval},
		{"auth.allowlist_refresh", cfg.Auth.AllowListRefreshRaw, &cfg.Auth.AllowListRefresh},
		{"auth.challenge_window", cfg.Auth.ChallengeWindowRaw, &cfg.Auth.ChallengeWindow},
		{"limits.max_future_skew", cfg.Limits.MaxFutureSkewRaw, &cfg.Limits.MaxFutureSkew},
		{"rate_limits.idle_ttl", cfg.RateLimits.IdleTTLRaw, &cfg.RateLimits.IdleTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}

// Write encodes cfg to path as YAML, or TOML when path ends in ".toml".
func Write(path string, cfg *Config) error {
	var data []byte
	if strings.HasSuffix(strings.ToLower(path), ".toml") {
		var buf strings.Builder
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		data = []byte(buf.String())
	} else {
		var err error
		data, err = yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
	}

	header := "# coven-relay configuration\n# Generated by coven-relay init\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
