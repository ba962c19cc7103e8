// Package config handles YAML configuration loading with environment
// variable expansion, plus first-run database seeding.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/routexhq/routex/internal/cache"
	"github.com/routexhq/routex/internal/crypto"
	"github.com/routexhq/routex/internal/health"
	"github.com/routexhq/routex/internal/pricing"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Database  DatabaseConfig       `yaml:"database"`
	Security  SecurityConfig       `yaml:"security"`
	Logging   LoggingConfig        `yaml:"logging"`
	Balancer  BalancerConfig       `yaml:"balancer"`
	Health    HealthConfig         `yaml:"health"`
	Cache     CacheConfig          `yaml:"cache"`
	Telemetry TelemetryConfig      `yaml:"telemetry"`
	Pricing   PricingConfig        `yaml:"pricing"`
	OAuth     []OAuthProviderEntry `yaml:"oauth"`
	Channels  []ChannelEntry       `yaml:"channels"`
	Rules     []RuleEntry          `yaml:"rules"`
	Tees      []TeeEntry           `yaml:"tees"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN           string `yaml:"dsn"` // file path or ":memory:"
	CacheSizeKiB  int    `yaml:"cache_size_kib"`
	MmapSizeBytes int64  `yaml:"mmap_size_bytes"`
	BusyTimeoutMs int    `yaml:"busy_timeout_ms"`
}

// SecurityConfig holds credential encryption and request signing settings.
// MasterPassword and SaltHex are normally injected via ${MASTER_PASSWORD}
// and ${ENCRYPTION_SALT} expansion rather than written in the file.
type SecurityConfig struct {
	MasterPassword   string        `yaml:"master_password"`
	SaltHex          string        `yaml:"encryption_salt"`
	SigningSecret    string        `yaml:"signing_secret"`
	SignatureWindow  time.Duration `yaml:"signature_window"`
	RequireSignature bool          `yaml:"require_signature"`
}

// Salt decodes the hex salt, or nil when unset.
func (s SecurityConfig) Salt() ([]byte, error) {
	if s.SaltHex == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s.SaltHex)
	if err != nil {
		return nil, fmt.Errorf("encryption_salt is not hex: %w", err)
	}
	return b, nil
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// BalancerConfig selects the startup load-balancing strategy.
type BalancerConfig struct {
	Strategy string `yaml:"strategy"`
}

// HealthConfig tunes the circuit breaker.
type HealthConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	BackoffFactor    float64       `yaml:"backoff_factor"`
	MaxOpenTimeout   time.Duration `yaml:"max_open_timeout"`
	MaxRateLimit     time.Duration `yaml:"max_rate_limit"`
}

// Tracker returns the health package form of the config.
func (h HealthConfig) Tracker() health.Config {
	return health.Config{
		FailureThreshold: h.FailureThreshold,
		OpenTimeout:      h.OpenTimeout,
		BackoffFactor:    h.BackoffFactor,
		MaxOpenTimeout:   h.MaxOpenTimeout,
		MaxRateLimit:     h.MaxRateLimit,
	}
}

// CacheConfig bounds the adaptive TTL controller.
type CacheConfig struct {
	MinTTL        time.Duration `yaml:"min_ttl"`
	MaxTTL        time.Duration `yaml:"max_ttl"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	TargetHitRate float64       `yaml:"target_hit_rate"`
}

// TTL returns the cache package form of the config.
func (c CacheConfig) TTL() cache.TTLConfig {
	return cache.TTLConfig{
		Min:           c.MinTTL,
		Max:           c.MaxTTL,
		Initial:       c.DefaultTTL,
		TargetHitRate: c.TargetHitRate,
	}
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
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

// PricingConfig overrides the built-in model price table.
type PricingConfig struct {
	Rates    map[string]pricing.Rate `yaml:"rates"`
	Fallback *pricing.Rate           `yaml:"fallback"`
}

// Table builds the pricing table with operator overrides applied.
func (p PricingConfig) Table() *pricing.Table {
	return pricing.NewTable(p.Rates, p.Fallback)
}

// OAuthProviderEntry configures one OAuth identity source. Secrets are
// normally injected via env expansion.
type OAuthProviderEntry struct {
	Name         string   `yaml:"name"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
}

// ChannelEntry seeds one upstream channel. The api_key is plaintext in
// the file (usually an env reference) and encrypted on bootstrap.
type ChannelEntry struct {
	Name         string   `yaml:"name"`
	Vendor       string   `yaml:"vendor"`
	BaseURL      string   `yaml:"base_url"`
	APIKey       string   `yaml:"api_key"`
	Models       []string `yaml:"models"`
	Priority     int      `yaml:"priority"`
	Weight       int      `yaml:"weight"`
	Enabled      *bool    `yaml:"enabled"`
	Transformers []string `yaml:"transformers"`
}

// IsEnabled reports whether the channel is enabled (defaults to true when nil).
func (c ChannelEntry) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// RuleEntry seeds one routing rule.
type RuleEntry struct {
	Name          string         `yaml:"name"`
	Type          string         `yaml:"type"`
	Condition     map[string]any `yaml:"condition"`
	TargetChannel string         `yaml:"target_channel"`
	TargetModel   string         `yaml:"target_model"`
	Priority      int            `yaml:"priority"`
	Enabled       *bool          `yaml:"enabled"`
}

// IsEnabled reports whether the rule is enabled (defaults to true when nil).
func (r RuleEntry) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// TeeEntry seeds one tee destination.
type TeeEntry struct {
	Name      string            `yaml:"name"`
	Type      string            `yaml:"type"`
	URL       string            `yaml:"url"`
	Method    string            `yaml:"method"`
	Headers   map[string]string `yaml:"headers"`
	FilePath  string            `yaml:"file_path"`
	HandlerID string            `yaml:"handler_id"`
	Models    []string          `yaml:"models"`
	Statuses  []int             `yaml:"status_codes"`
	Retries   int               `yaml:"retries"`
	TimeoutMs int               `yaml:"timeout_ms"`
	Enabled   *bool             `yaml:"enabled"`
}

// IsEnabled reports whether the tee is enabled (defaults to true when nil).
func (t TeeEntry) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnv replaces ${VAR} and $VAR patterns with environment variable
// values. Unset variables are left as written.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		var name string
		if match[1] == '{' {
			name = string(match[2 : len(match)-1])
		} else {
			name = string(match[1:])
		}
		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment
// variables, then layers direct env overrides on top.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    300 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "routex.db",
		},
		Security: SecurityConfig{
			SignatureWindow: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Balancer: BalancerConfig{
			Strategy: "priority",
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}
}

// applyEnv layers well-known environment variables over the file values.
func (c *Config) applyEnv() {
	setString(&c.Security.MasterPassword, "MASTER_PASSWORD")
	setString(&c.Security.SaltHex, "ENCRYPTION_SALT")
	setString(&c.Security.SigningSecret, "SIGNING_SECRET")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")
	setInt(&c.Database.CacheSizeKiB, "SQLITE_CACHE_SIZE")
	setInt64(&c.Database.MmapSizeBytes, "SQLITE_MMAP_SIZE")
	setInt(&c.Database.BusyTimeoutMs, "SQLITE_BUSY_TIMEOUT")
	setDuration(&c.Cache.MinTTL, "TTL_MIN")
	setDuration(&c.Cache.MaxTTL, "TTL_MAX")
	setDuration(&c.Cache.DefaultTTL, "TTL_DEFAULT")
	setDuration(&c.Cache.DefaultTTL, "DB_CACHE_TTL")
	setFloat(&c.Cache.TargetHitRate, "TARGET_HIT_RATE")
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	if len(c.Security.MasterPassword) < crypto.MinMasterLen {
		return fmt.Errorf("MASTER_PASSWORD must be at least %d chars", crypto.MinMasterLen)
	}
	if _, err := c.Security.Salt(); err != nil {
		return err
	}
	if c.Telemetry.Tracing.Enabled && c.Telemetry.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing enabled without an OTLP endpoint")
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// setDuration accepts Go durations ("30s") and falls back to bare seconds.
func setDuration(dst *time.Duration, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
	}
}
