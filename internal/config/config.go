// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quayside/undertow/internal/breaker"
	"github.com/quayside/undertow/internal/fetchhttp"
	"github.com/quayside/undertow/internal/pool"
	"github.com/quayside/undertow/internal/ratelimit"
	"github.com/quayside/undertow/internal/session"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Browser   BackendConfig   `mapstructure:"browser"`
	HTTP      BackendConfig   `mapstructure:"http"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	DB        DBConfig        `mapstructure:"db"`
	Blob      BlobConfig      `mapstructure:"blob"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	UserAgent string          `mapstructure:"user_agent"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int    `mapstructure:"port"`
	APIKey         string `mapstructure:"api_key"`
	RequestTimeout int    `mapstructure:"request_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// BackendConfig bundles the breaker and pool knobs for one protected
// backend plus its fetcher-specific settings.
type BackendConfig struct {
	Enabled bool `mapstructure:"enabled"`

	MaxSize                int `mapstructure:"max_size"`
	CheckoutTimeoutSeconds int `mapstructure:"checkout_timeout_seconds"`
	IdleTimeoutSeconds     int `mapstructure:"idle_timeout_seconds"`
	MaxLifetimeSeconds     int `mapstructure:"max_lifetime_seconds"`
	SweepIntervalSeconds   int `mapstructure:"sweep_interval_seconds"`

	FailureThreshold uint32 `mapstructure:"failure_threshold"`
	SuccessThreshold uint32 `mapstructure:"success_threshold"`
	OpenSeconds      int    `mapstructure:"open_seconds"`
	HalfOpenMax      uint32 `mapstructure:"half_open_max"`
	// HalfOpenPolicy is "reopen" or "reset".
	HalfOpenPolicy string `mapstructure:"half_open_policy"`

	NavTimeoutSeconds int `mapstructure:"nav_timeout_seconds"`
	SettleMs          int `mapstructure:"settle_ms"`
	TimeoutSeconds    int `mapstructure:"timeout_seconds"`
	MaxBodyBytes      int `mapstructure:"max_body_bytes"`
}

// RateLimitConfig governs per-domain politeness.
type RateLimitConfig struct {
	DefaultRPS   float64            `mapstructure:"default_rps"`
	DefaultBurst int                `mapstructure:"default_burst"`
	Overrides    map[string]float64 `mapstructure:"overrides"`
}

// DBConfig controls access to the relational database. An empty DSN keeps
// records in memory.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// BlobConfig sets where raw page bodies are archived. An empty bucket keeps
// blobs in memory.
type BlobConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty
// topic disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	// The key delimiter must not be "." or map keys holding domain names
	// (ratelimit overrides) would be exploded into nested maps.
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetEnvPrefix("UNDERTOW")
	v.SetEnvKeyReplacer(strings.NewReplacer("::", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server::port", 8080)
	v.SetDefault("server::request_timeout_seconds", 90)
	v.SetDefault("logging::development", true)
	v.SetDefault("user_agent", "undertow-bot/0.1")

	v.SetDefault("browser::enabled", true)
	v.SetDefault("browser::max_size", 4)
	v.SetDefault("browser::checkout_timeout_seconds", 10)
	v.SetDefault("browser::idle_timeout_seconds", 300)
	v.SetDefault("browser::max_lifetime_seconds", 1800)
	v.SetDefault("browser::sweep_interval_seconds", 30)
	v.SetDefault("browser::failure_threshold", 5)
	v.SetDefault("browser::success_threshold", 2)
	v.SetDefault("browser::open_seconds", 30)
	v.SetDefault("browser::half_open_max", 3)
	v.SetDefault("browser::half_open_policy", "reopen")
	v.SetDefault("browser::nav_timeout_seconds", 45)
	v.SetDefault("browser::settle_ms", 500)

	v.SetDefault("http::enabled", true)
	v.SetDefault("http::max_size", 16)
	v.SetDefault("http::checkout_timeout_seconds", 5)
	v.SetDefault("http::sweep_interval_seconds", 30)
	v.SetDefault("http::failure_threshold", 5)
	v.SetDefault("http::success_threshold", 2)
	v.SetDefault("http::open_seconds", 15)
	v.SetDefault("http::half_open_max", 3)
	v.SetDefault("http::half_open_policy", "reopen")
	v.SetDefault("http::timeout_seconds", 15)

	v.SetDefault("ratelimit::default_rps", 1)
	v.SetDefault("ratelimit::default_burst", 2)

	v.SetDefault("db::table", "pages")
	v.SetDefault("blob::prefix", "pages")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if !c.Browser.Enabled && !c.HTTP.Enabled {
		return fmt.Errorf("at least one of browser and http backends must be enabled")
	}
	for name, b := range map[string]BackendConfig{"browser": c.Browser, "http": c.HTTP} {
		if !b.Enabled {
			continue
		}
		if b.MaxSize <= 0 {
			return fmt.Errorf("%s.max_size must be > 0", name)
		}
		if b.HalfOpenPolicy != "" && b.HalfOpenPolicy != "reopen" && b.HalfOpenPolicy != "reset" {
			return fmt.Errorf("%s.half_open_policy must be reopen or reset", name)
		}
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when a topic is configured")
	}
	return nil
}

// BreakerConfig converts a backend section to breaker settings.
func (b BackendConfig) BreakerConfig() breaker.Config {
	policy := breaker.ReopenOnFailure
	if b.HalfOpenPolicy == "reset" {
		policy = breaker.ResetOnFailure
	}
	return breaker.Config{
		FailureThreshold:      b.FailureThreshold,
		SuccessThreshold:      b.SuccessThreshold,
		OpenDuration:          time.Duration(b.OpenSeconds) * time.Second,
		HalfOpenMaxConcurrent: b.HalfOpenMax,
		Policy:                policy,
	}
}

// PoolConfig converts a backend section to pool settings.
func (b BackendConfig) PoolConfig() pool.Config {
	return pool.Config{
		MaxSize:         int64(b.MaxSize),
		CheckoutTimeout: time.Duration(b.CheckoutTimeoutSeconds) * time.Second,
		IdleTimeout:     time.Duration(b.IdleTimeoutSeconds) * time.Second,
		MaxLifetime:     time.Duration(b.MaxLifetimeSeconds) * time.Second,
		SweepInterval:   time.Duration(b.SweepIntervalSeconds) * time.Second,
	}
}

// SessionConfig converts the browser section to session settings.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		UserAgent:         c.UserAgent,
		NavigationTimeout: time.Duration(c.Browser.NavTimeoutSeconds) * time.Second,
		SettleDelay:       time.Duration(c.Browser.SettleMs) * time.Millisecond,
	}
}

// FetchConfig converts the http section to fetcher settings.
func (c Config) FetchConfig() fetchhttp.Config {
	return fetchhttp.Config{
		UserAgent:    c.UserAgent,
		Timeout:      time.Duration(c.HTTP.TimeoutSeconds) * time.Second,
		MaxBodyBytes: c.HTTP.MaxBodyBytes,
	}
}

// LimiterConfig converts the ratelimit section to limiter settings.
func (c Config) LimiterConfig() ratelimit.Config {
	return ratelimit.Config{
		DefaultRPS:   c.RateLimit.DefaultRPS,
		DefaultBurst: c.RateLimit.DefaultBurst,
		Overrides:    c.RateLimit.Overrides,
	}
}
