// Package config handles YAML configuration loading with environment
// variable expansion, defaults, and validation.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/dittolabs/ditto/internal"
	"github.com/dittolabs/ditto/internal/guardrails"
	"github.com/dittolabs/ditto/internal/health"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Admin     AdminConfig          `yaml:"admin"`
	Store     StoreConfig          `yaml:"store"`
	Pricing   PricingConfig        `yaml:"pricing"`
	Limits    RequestLimitsConfig  `yaml:"limits"`
	Breaker   health.BreakerConfig `yaml:"circuit_breaker"`
	Health    HealthCheckConfig    `yaml:"health_checks"`
	Reaper    ReaperConfig         `yaml:"reaper"`
	Retry     RetryConfig          `yaml:"retry"`
	Cache     SharedCacheConfig    `yaml:"cache"`
	RateLimit RateLimitConfig      `yaml:"rate_limit"`
	Telemetry TelemetryConfig      `yaml:"telemetry"`
	Backends  []gateway.Backend    `yaml:"backends"`
	Router    gateway.RouterConfig `yaml:"router"`
	Keys      []gateway.VirtualKey `yaml:"keys"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AdminConfig holds admin plane credentials. The read token grants GET-only
// access; the write token grants everything. Empty tokens disable the
// corresponding access level.
type AdminConfig struct {
	Token     string `yaml:"token"`
	ReadToken string `yaml:"read_token"`
	// TenantTokens maps tenant ids to tokens whose mutation and inspection
	// are restricted to that tenant's resources.
	TenantTokens map[string]string `yaml:"tenant_tokens,omitempty"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Kind string `yaml:"kind"` // "memory", "file", "sqlite", "redis"
	DSN  string `yaml:"dsn"`
}

// PricingConfig locates the model pricing table.
type PricingConfig struct {
	Path string `yaml:"path"` // LiteLLM-format JSON; empty = no cost enforcement
}

// RequestLimitsConfig bounds inbound request handling.
type RequestLimitsConfig struct {
	MaxBodyBytes           int64 `yaml:"max_body_bytes"`
	DefaultMaxOutputTokens int   `yaml:"default_max_output_tokens"`
	StripClientAuthHeaders bool  `yaml:"strip_client_auth_headers"`
}

// HealthCheckConfig controls the background backend prober.
type HealthCheckConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Path     string        `yaml:"path"`
}

// ReaperConfig controls the stale reservation reaper.
type ReaperConfig struct {
	Interval  time.Duration `yaml:"interval"`
	OlderThan time.Duration `yaml:"older_than"`
	Batch     int           `yaml:"batch"`
}

// RetryConfig bounds the failover loop. MaxAttempts caps how many candidate
// backends one request may try; zero means every healthy candidate.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// SharedCacheConfig enables the cross-instance response cache tier.
type SharedCacheConfig struct {
	RedisURL string `yaml:"redis_url"` // empty = memory tier only
}

// RateLimitConfig selects where minute counters live. The shared limiter
// requires a redis URL and makes every instance see the same buckets.
type RateLimitConfig struct {
	Shared   bool   `yaml:"shared"`
	RedisURL string `yaml:"redis_url"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics  MetricsConfig `yaml:"metrics"`
	Tracing  TracingConfig `yaml:"tracing"`
	LogLevel string        `yaml:"log_level"` // debug, info, warn, error
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store:   StoreConfig{Kind: "memory"},
		Breaker: health.DefaultBreakerConfig(),
		Limits: RequestLimitsConfig{
			MaxBodyBytes:           4 << 20,
			DefaultMaxOutputTokens: 1024,
			StripClientAuthHeaders: true,
		},
		Health: HealthCheckConfig{
			Interval: 30 * time.Second,
			Timeout:  5 * time.Second,
			Path:     "/v1/models",
		},
		Reaper: ReaperConfig{
			Interval:  time.Minute,
			OlderThan: 5 * time.Minute,
			Batch:     100,
		},
		Telemetry: TelemetryConfig{
			Metrics:  MetricsConfig{Enabled: true},
			LogLevel: "info",
		},
	}
}

// Load reads and parses a YAML config file, expanding environment variables
// and applying DITTO_* overrides, then validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML.
func Parse(data []byte) (*Config, error) {
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment secrets stay out of the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DITTO_ADMIN_TOKEN"); v != "" {
		c.Admin.Token = v
	}
	if v := os.Getenv("DITTO_ADMIN_READ_TOKEN"); v != "" {
		c.Admin.ReadToken = v
	}
	if v := os.Getenv("DITTO_SQLITE_DSN"); v != "" {
		c.Store.Kind = "sqlite"
		c.Store.DSN = v
	}
	if v := os.Getenv("DITTO_REDIS_URL"); v != "" {
		if c.Cache.RedisURL == "" {
			c.Cache.RedisURL = v
		}
		if c.RateLimit.RedisURL == "" {
			c.RateLimit.RedisURL = v
		}
	}
	if v := os.Getenv("DITTO_LISTEN_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

// Validate checks cross-references and compiles every guardrail pattern so a
// bad config fails at startup, not on the first matching request.
func (c *Config) Validate() error {
	gc := guardrails.NewChecker()
	backends := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend with empty name")
		}
		if backends[b.Name] {
			return fmt.Errorf("duplicate backend %q", b.Name)
		}
		backends[b.Name] = true
		if b.BaseURL == "" && b.Translation == "" {
			return fmt.Errorf("backend %q: missing base_url", b.Name)
		}
	}

	refs := func(pool []gateway.RouteBackend, where string) error {
		for _, rb := range pool {
			if !backends[rb.Backend] {
				return fmt.Errorf("%s references unknown backend %q", where, rb.Backend)
			}
		}
		return nil
	}
	if err := refs(c.Router.DefaultBackends, "router.default_backends"); err != nil {
		return err
	}
	for _, rule := range c.Router.Rules {
		if err := refs(rule.Backends, fmt.Sprintf("router rule %q", rule.ModelPrefix)); err != nil {
			return err
		}
		if rule.Guardrails != nil {
			if err := gc.ValidatePatterns(rule.Guardrails); err != nil {
				return fmt.Errorf("router rule %q: %w", rule.ModelPrefix, err)
			}
		}
	}

	ids := make(map[string]bool, len(c.Keys))
	tokens := make(map[string]bool, len(c.Keys))
	for _, k := range c.Keys {
		if k.ID == "" || k.Token == "" {
			return fmt.Errorf("key with empty id or token")
		}
		if ids[k.ID] {
			return fmt.Errorf("duplicate key id %q", k.ID)
		}
		if tokens[k.Token] {
			return fmt.Errorf("duplicate key token (id %q)", k.ID)
		}
		ids[k.ID] = true
		tokens[k.Token] = true
		if k.Route != "" && !backends[k.Route] {
			return fmt.Errorf("key %q pins unknown backend %q", k.ID, k.Route)
		}
		if err := gc.ValidatePatterns(&k.Guardrails); err != nil {
			return fmt.Errorf("key %q: %w", k.ID, err)
		}
	}

	if c.RateLimit.Shared && c.RateLimit.RedisURL == "" {
		return fmt.Errorf("rate_limit.shared requires a redis_url")
	}
	return nil
}
