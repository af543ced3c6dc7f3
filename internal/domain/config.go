package domain

import "time"

// Config holds the complete riskd configuration.
type Config struct {
	Server ServerConfig `koanf:"server"`

	// Profile selects the backing adapters.
	Profile Profile `koanf:"profile"`

	Engine     EngineConfig     `koanf:"engine"`
	Repository RepositoryConfig `koanf:"repository"`
	Cache      CacheConfig      `koanf:"cache"`
	EventBus   EventBusConfig   `koanf:"event_bus"`

	// Observability
	Logging LoggingConfig `koanf:"logging"`
	Tracing TracingConfig `koanf:"tracing"`
}

// Profile is a preset of adapters.
type Profile string

const (
	// ProfileStandalone runs on SQLite, an in-memory cache and channels.
	ProfileStandalone Profile = "standalone"

	// ProfileDistributed runs on PostgreSQL, Redis and NATS.
	ProfileDistributed Profile = "distributed"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `koanf:"host"`
	Port         int    `koanf:"port"`
	ReadTimeout  int    `koanf:"read_timeout"`  // seconds
	WriteTimeout int    `koanf:"write_timeout"` // seconds
}

// EngineConfig tunes the scoring and compliance core.
type EngineConfig struct {
	// RulesPath and WeightsPath are optional; built-in defaults are used when empty.
	RulesPath   string `koanf:"rules_path"`
	WeightsPath string `koanf:"weights_path"`

	WatchRules    bool          `koanf:"watch_rules"`
	WatchDebounce time.Duration `koanf:"watch_debounce"`

	AuditQueueSize   int           `koanf:"audit_queue_size"`
	ReviewInterval   time.Duration `koanf:"review_interval"`
	BatchConcurrency int           `koanf:"batch_concurrency"`

	// AsyncProjection leaves persistence and trend recording of results to the
	// bus worker instead of doing it inline.
	AsyncProjection bool `koanf:"async_projection"`

	// TrendLookback bounds how much history is rehydrated into the aggregator at startup.
	TrendLookback time.Duration `koanf:"trend_lookback"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// DefaultReviewInterval is the next-review offset for compliance results.
const DefaultReviewInterval = 90 * 24 * time.Hour

// DefaultConfig returns the standalone configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Profile: ProfileStandalone,
		Engine: EngineConfig{
			WatchDebounce:    500 * time.Millisecond,
			AuditQueueSize:   1024,
			ReviewInterval:   DefaultReviewInterval,
			BatchConcurrency: 8,
			TrendLookback:    90 * 24 * time.Hour,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./riskd.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			ResultTTL:    time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "riskd",
		},
	}
}

// DistributedConfig returns a configuration backed by PostgreSQL, Redis and NATS.
func DistributedConfig() *Config {
	cfg := DefaultConfig()
	cfg.Profile = ProfileDistributed
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "riskd",
	}
	cfg.Cache.Type = "redis"
	cfg.Cache.RedisAddr = "localhost:6379"
	cfg.Cache.EnableTwoPhase = true
	cfg.Cache.LocalMaxSize = 1000
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
