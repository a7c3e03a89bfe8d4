package domain

import (
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `mapstructure:"server" json:"server"`

	// Tier determines which backing services are used
	Tier Tier `mapstructure:"tier" json:"tier"`

	// Scoring core
	Rules    RulesConfig    `mapstructure:"rules" json:"rules"`
	Model    ModelConfig    `mapstructure:"model" json:"model"`
	Decision DecisionConfig `mapstructure:"decision" json:"decision"`

	// Component configurations
	Repository RepositoryConfig `mapstructure:"repository" json:"repository"`
	Cache      CacheConfig      `mapstructure:"cache" json:"cache"`
	EventBus   EventBusConfig   `mapstructure:"eventbus" json:"eventBus"`
	Worker     WorkerConfig     `mapstructure:"worker" json:"worker"`

	// Observability
	Logging LoggingConfig `mapstructure:"logging" json:"logging"`
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `mapstructure:"host" json:"host"`
	Port         int    `mapstructure:"port" json:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout" json:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"write_timeout" json:"writeTimeout"` // seconds

	// MaxBodyBytes caps request bodies; training uploads are the large ones.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" json:"maxBodyBytes"`
}

// RulesConfig holds rule engine settings.
type RulesConfig struct {
	Workers   int     `mapstructure:"workers" json:"workers"`
	Threshold float64 `mapstructure:"threshold" json:"threshold"`
}

// ModelConfig holds classifier training settings.
type ModelConfig struct {
	TestFraction float64 `mapstructure:"test_fraction" json:"testFraction"`
	Seed         int64   `mapstructure:"seed" json:"seed"`

	// AutoLoad restores the latest persisted artifact at startup.
	AutoLoad bool `mapstructure:"autoload" json:"autoLoad"`
}

// DecisionConfig holds hybrid fusion thresholds.
type DecisionConfig struct {
	MLThreshold     float64 `mapstructure:"ml_threshold" json:"mlThreshold"`
	HighThreshold   float64 `mapstructure:"high_threshold" json:"highThreshold"`
	MediumThreshold float64 `mapstructure:"medium_threshold" json:"mediumThreshold"`
}

// WorkerConfig holds async scoring settings.
type WorkerConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	ServiceName string `mapstructure:"service_name" json:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-process LRU and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 300,
			MaxBodyBytes: 512 << 20,
		},
		Tier: TierCommunity,
		Rules: RulesConfig{
			Workers:   8,
			Threshold: 0.4,
		},
		Model: ModelConfig{
			TestFraction: 0.2,
			Seed:         42,
			AutoLoad:     true,
		},
		Decision: DecisionConfig{
			MLThreshold:     0.5,
			HighThreshold:   0.8,
			MediumThreshold: 0.5,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:          "memory",
			LocalMaxSize:  10000,
			LocalTTL:      5 * time.Minute,
			PredictionTTL: 30 * time.Minute,
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
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		PredictionTTL:  30 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
