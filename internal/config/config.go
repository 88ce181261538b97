// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. PAGECACHE_SERVER_PORT.
const EnvPrefix = "PAGECACHE"

// Backend names accepted by storage.backend and db.driver.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ProviderConfig points at the remote scraping provider.
type ProviderConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// CacheConfig governs dedup and freshness.
type CacheConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	Lookback   int           `mapstructure:"lookback"`
}

// StorageConfig selects the blob store and the offload policy.
type StorageConfig struct {
	Backend              string        `mapstructure:"backend"`
	InlineThresholdBytes int           `mapstructure:"inline_threshold_bytes"`
	Prefix               string        `mapstructure:"prefix"`
	LocalDir             string        `mapstructure:"local_dir"`
	PublicBaseURL        string        `mapstructure:"public_base_url"`
	GCSBucket            string        `mapstructure:"gcs_bucket"`
	SignedURLTTL         time.Duration `mapstructure:"signed_url_ttl"`
	ScreenshotMaxBytes   int64         `mapstructure:"screenshot_max_bytes"`
	ScreenshotTimeout    time.Duration `mapstructure:"screenshot_timeout"`
}

// DBConfig controls access to the job store.
type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// PubSubConfig holds the Google Pub/Sub status topic.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	Ordering  bool   `mapstructure:"ordering"` // key messages by URL hash
}

// RedisConfig holds the Redis status channel.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// SweeperConfig schedules the expiry and stuck-job sweeps.
type SweeperConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ExpirySchedule string        `mapstructure:"expiry_schedule"`
	StuckSchedule  string        `mapstructure:"stuck_schedule"`
	StuckTimeout   time.Duration `mapstructure:"stuck_timeout"`
	BatchSize      int           `mapstructure:"batch_size"`
}

// WorkerConfig sizes the executor pool.
type WorkerConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	QueueDepth      int           `mapstructure:"queue_depth"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
	ResumePending   bool          `mapstructure:"resume_pending"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool              `mapstructure:"enabled"`
	ServiceName  string            `mapstructure:"service_name"`
	Environment  string            `mapstructure:"environment"`
	OTLPEndpoint string            `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool              `mapstructure:"otlp_insecure"`
	OTLPHeaders  map[string]string `mapstructure:"otlp_headers"`
	SampleRatio  float64           `mapstructure:"sample_ratio"`
}

// RateLimitConfig sets the advisory per-domain budget.
type RateLimitConfig struct {
	RPS     float64                    `mapstructure:"rps"`
	Burst   int                        `mapstructure:"burst"`
	Domains map[string]DomainRateLimit `mapstructure:"domains"`
}

// DomainRateLimit overrides the budget for one hostname.
type DomainRateLimit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.timeout", 5*time.Minute)
	v.SetDefault("cache.default_ttl", 24*time.Hour)
	v.SetDefault("cache.lookback", 10)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.inline_threshold_bytes", 100*1024)
	v.SetDefault("storage.prefix", "scrapes")
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("storage.public_base_url", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.signed_url_ttl", time.Hour)
	v.SetDefault("storage.screenshot_max_bytes", 10<<20)
	v.SetDefault("storage.screenshot_timeout", 30*time.Second)
	v.SetDefault("db.driver", BackendMemory)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "scrape_jobs")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("db.migrate", true)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("pubsub.ordering", false)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "pagecache-status")
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.expiry_schedule", "0 3 * * *")
	v.SetDefault("sweeper.stuck_schedule", "*/5 * * * *")
	v.SetDefault("sweeper.stuck_timeout", 5*time.Minute)
	v.SetDefault("sweeper.batch_size", 100)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_depth", 256)
	v.SetDefault("worker.provider_timeout", 5*time.Minute)
	v.SetDefault("worker.resume_pending", true)
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "pagecache")
	v.SetDefault("telemetry.environment", "")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", false)
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("ratelimit.rps", 0.0)
	v.SetDefault("ratelimit.burst", 1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0, "server.port must be > 0")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key must be set when auth is enabled")
	check(c.Cache.DefaultTTL > 0, "cache.default_ttl must be > 0")
	check(c.Cache.Lookback > 0, "cache.lookback must be > 0")
	check(c.Storage.InlineThresholdBytes > 0, "storage.inline_threshold_bytes must be > 0")

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		check(c.Storage.LocalDir != "", "storage.local_dir is required for the local backend")
	case BackendGCS:
		check(c.Storage.GCSBucket != "", "storage.gcs_bucket is required for the gcs backend")
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend))
	}

	switch c.DB.Driver {
	case BackendMemory:
	case BackendPostgres:
		check(c.DB.DSN != "", "db.dsn is required for the postgres driver")
	default:
		errs = append(errs, fmt.Errorf("db.driver %q is not one of memory, postgres", c.DB.Driver))
	}

	if c.PubSub.Enabled {
		check(c.PubSub.ProjectID != "", "pubsub.project_id is required when pubsub is enabled")
		check(c.PubSub.TopicName != "", "pubsub.topic_name is required when pubsub is enabled")
	}
	if c.Redis.Enabled {
		check(c.Redis.Address != "", "redis.address is required when redis is enabled")
	}
	check(!(c.PubSub.Enabled && c.Redis.Enabled), "pubsub.enabled and redis.enabled are mutually exclusive")

	check(c.Sweeper.StuckTimeout > 0, "sweeper.stuck_timeout must be > 0")
	check(c.Sweeper.BatchSize > 0, "sweeper.batch_size must be > 0")
	check(c.Worker.Concurrency > 0, "worker.concurrency must be > 0")
	check(c.Worker.QueueDepth > 0, "worker.queue_depth must be > 0")
	check(c.Telemetry.SampleRatio >= 0 && c.Telemetry.SampleRatio <= 1, "telemetry.sample_ratio must be within [0, 1]")
	check(c.RateLimit.RPS >= 0, "ratelimit.rps must be >= 0")
	for host, rule := range c.RateLimit.Domains {
		check(rule.RPS >= 0, "ratelimit.domains.%s.rps must be >= 0", host)
	}

	return errors.Join(errs...)
}

// Address returns the listen address for the HTTP server.
func (c Config) Address() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
