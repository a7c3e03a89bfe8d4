// Package config loads the Kestrel configuration from defaults, an
// optional config file and KESTREL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. KESTREL_SERVER_PORT.
const EnvPrefix = "KESTREL"

// Load reads configuration from file and environment variables. The tier
// is resolved first so that a pro deployment starts from ProConfig.
func Load(configPath string) (*domain.Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := domain.DefaultConfig()
	if domain.Tier(strings.ToLower(v.GetString("tier"))) == domain.TierPro {
		cfg = domain.ProConfig()
	}
	setDefaults(v, cfg)

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, cfg *domain.Config) {
	v.SetDefault("tier", string(cfg.Tier))

	// Server defaults
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.max_body_bytes", cfg.Server.MaxBodyBytes)

	// Scoring defaults
	v.SetDefault("rules.workers", cfg.Rules.Workers)
	v.SetDefault("rules.threshold", cfg.Rules.Threshold)
	v.SetDefault("model.test_fraction", cfg.Model.TestFraction)
	v.SetDefault("model.seed", cfg.Model.Seed)
	v.SetDefault("model.autoload", cfg.Model.AutoLoad)
	v.SetDefault("decision.ml_threshold", cfg.Decision.MLThreshold)
	v.SetDefault("decision.high_threshold", cfg.Decision.HighThreshold)
	v.SetDefault("decision.medium_threshold", cfg.Decision.MediumThreshold)

	// Repository defaults
	v.SetDefault("repository.driver", cfg.Repository.Driver)
	v.SetDefault("repository.sqlite_path", cfg.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", cfg.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", cfg.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", cfg.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", cfg.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", cfg.Repository.PostgresDB)
	v.SetDefault("repository.postgres_sslmode", cfg.Repository.PostgresSSLMode)
	v.SetDefault("repository.max_open_conns", cfg.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", cfg.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", cfg.Repository.ConnMaxLifetime)

	// Cache defaults
	v.SetDefault("cache.type", cfg.Cache.Type)
	v.SetDefault("cache.local_max_size", cfg.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", cfg.Cache.LocalTTL)
	v.SetDefault("cache.redis_addr", cfg.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", cfg.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", cfg.Cache.RedisDB)
	v.SetDefault("cache.two_phase", cfg.Cache.EnableTwoPhase)
	v.SetDefault("cache.prediction_ttl", cfg.Cache.PredictionTTL)

	// Event bus defaults
	v.SetDefault("eventbus.type", cfg.EventBus.Type)
	v.SetDefault("eventbus.channel_buffer_size", cfg.EventBus.ChannelBufferSize)
	v.SetDefault("eventbus.nats_url", cfg.EventBus.NATSUrl)
	v.SetDefault("eventbus.nats_token", cfg.EventBus.NATSToken)
	v.SetDefault("eventbus.nats_max_reconnects", cfg.EventBus.NATSMaxReconnects)
	v.SetDefault("eventbus.nats_reconnect_wait", cfg.EventBus.NATSReconnectWait)
	v.SetDefault("worker.enabled", cfg.Worker.Enabled)

	// Observability defaults
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
}

// Validate rejects configurations the server cannot start with.
func Validate(c *domain.Config) error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}

	switch c.Tier {
	case domain.TierCommunity, domain.TierPro:
	default:
		return fmt.Errorf("unknown tier %q", c.Tier)
	}

	if c.Model.TestFraction <= 0 || c.Model.TestFraction >= 1 {
		return fmt.Errorf("model.test_fraction must be in (0, 1), got %v", c.Model.TestFraction)
	}

	for name, t := range map[string]float64{
		"rules.threshold":           c.Rules.Threshold,
		"decision.ml_threshold":     c.Decision.MLThreshold,
		"decision.high_threshold":   c.Decision.HighThreshold,
		"decision.medium_threshold": c.Decision.MediumThreshold,
	} {
		if t < 0 || t > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %v", name, t)
		}
	}
	if c.Decision.MediumThreshold > c.Decision.HighThreshold {
		return errors.New("decision.medium_threshold should not exceed decision.high_threshold")
	}

	switch c.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported repository driver %q", c.Repository.Driver)
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache type %q", c.Cache.Type)
	}
	switch c.EventBus.Type {
	case "channel", "nats":
	default:
		return fmt.Errorf("unsupported event bus type %q", c.EventBus.Type)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("unsupported log format %q", c.Logging.Format)
	}

	return nil
}
