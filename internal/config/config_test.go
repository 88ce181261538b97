package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, 24*time.Hour, cfg.Cache.DefaultTTL)
	assert.Equal(t, 10, cfg.Cache.Lookback)
	assert.Equal(t, 100*1024, cfg.Storage.InlineThresholdBytes)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, BackendMemory, cfg.DB.Driver)
	assert.Equal(t, "scrape_jobs", cfg.DB.Table)
	assert.Equal(t, "0 3 * * *", cfg.Sweeper.ExpirySchedule)
	assert.Equal(t, "*/5 * * * *", cfg.Sweeper.StuckSchedule)
	assert.Equal(t, 5*time.Minute, cfg.Sweeper.StuckTimeout)
	assert.Equal(t, 100, cfg.Sweeper.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.Provider.Timeout)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout: 10s
auth:
  enabled: true
  api_key: secret
provider:
  base_url: https://provider.example.com
  api_key: pk-123
  timeout: 2m
cache:
  default_ttl: 1h
  lookback: 5
storage:
  backend: gcs
  gcs_bucket: pages
  inline_threshold_bytes: 2048
  signed_url_ttl: 15m
db:
  driver: postgres
  dsn: postgres://localhost/pagecache
  max_conns: 20
redis:
  enabled: true
  address: localhost:6379
  channel: jobs
sweeper:
  stuck_timeout: 10m
  batch_size: 50
worker:
  concurrency: 8
telemetry:
  otlp_endpoint: http://collector:4318
  otlp_headers:
    x-token: abc
logging:
  development: false
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.RequestTimeout)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "secret", cfg.Auth.APIKey)
	assert.Equal(t, "https://provider.example.com", cfg.Provider.BaseURL)
	assert.Equal(t, 2*time.Minute, cfg.Provider.Timeout)
	assert.Equal(t, time.Hour, cfg.Cache.DefaultTTL)
	assert.Equal(t, 5, cfg.Cache.Lookback)
	assert.Equal(t, BackendGCS, cfg.Storage.Backend)
	assert.Equal(t, 2048, cfg.Storage.InlineThresholdBytes)
	assert.Equal(t, 15*time.Minute, cfg.Storage.SignedURLTTL)
	assert.Equal(t, BackendPostgres, cfg.DB.Driver)
	assert.Equal(t, int32(20), cfg.DB.MaxConns)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "jobs", cfg.Redis.Channel)
	assert.Equal(t, 10*time.Minute, cfg.Sweeper.StuckTimeout)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, "abc", cfg.Telemetry.OTLPHeaders["x-token"])
	assert.False(t, cfg.Logging.Development)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PAGECACHE_SERVER_PORT", "7070")
	t.Setenv("PAGECACHE_CACHE_DEFAULT_TTL", "30m")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.Cache.DefaultTTL)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Server:  ServerConfig{Port: 8080},
			Cache:   CacheConfig{DefaultTTL: time.Hour, Lookback: 10},
			Storage: StorageConfig{Backend: BackendMemory, InlineThresholdBytes: 1024},
			DB:      DBConfig{Driver: BackendMemory},
			Sweeper: SweeperConfig{StuckTimeout: time.Minute, BatchSize: 10},
			Worker:  WorkerConfig{Concurrency: 1, QueueDepth: 1},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "ttl", mutate: func(c *Config) { c.Cache.DefaultTTL = 0 }, want: "cache.default_ttl"},
		{name: "threshold", mutate: func(c *Config) { c.Storage.InlineThresholdBytes = 0 }, want: "storage.inline_threshold_bytes"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Backend = "s3" }, want: "storage.backend"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Backend = BackendGCS }, want: "storage.gcs_bucket"},
		{name: "local without dir", mutate: func(c *Config) { c.Storage.Backend = BackendLocal }, want: "storage.local_dir"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.DB.Driver = BackendPostgres }, want: "db.dsn"},
		{name: "unknown driver", mutate: func(c *Config) { c.DB.Driver = "sqlite" }, want: "db.driver"},
		{name: "pubsub without topic", mutate: func(c *Config) {
			c.PubSub = PubSubConfig{Enabled: true, ProjectID: "p"}
		}, want: "pubsub.topic_name"},
		{name: "redis without address", mutate: func(c *Config) { c.Redis.Enabled = true }, want: "redis.address"},
		{name: "two publishers", mutate: func(c *Config) {
			c.PubSub = PubSubConfig{Enabled: true, ProjectID: "p", TopicName: "t"}
			c.Redis = RedisConfig{Enabled: true, Address: "localhost:6379"}
		}, want: "mutually exclusive"},
		{name: "stuck timeout", mutate: func(c *Config) { c.Sweeper.StuckTimeout = 0 }, want: "sweeper.stuck_timeout"},
		{name: "concurrency", mutate: func(c *Config) { c.Worker.Concurrency = 0 }, want: "worker.concurrency"},
		{name: "domain rate", mutate: func(c *Config) {
			c.RateLimit.Domains = map[string]DomainRateLimit{"slow.example": {RPS: -1}}
		}, want: "ratelimit.domains.slow.example.rps"},
		{name: "sample ratio", mutate: func(c *Config) { c.Telemetry.SampleRatio = 2 }, want: "telemetry.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
