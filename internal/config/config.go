// Package config loads Sentinel configuration from defaults, an optional
// config.yaml and SENTINEL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// EnvPrefix is prepended to every environment key, e.g. SENTINEL_SERVER_PORT.
const EnvPrefix = "SENTINEL"

// Load reads configuration from ./configs/config.yaml or
// /etc/sentinel/config.yaml when present. The tier key picks the defaults
// everything else falls back to.
func Load() (*domain.Config, error) {
	return load(viper.New(), []string{"./configs", "/etc/sentinel"})
}

// LoadFile reads configuration from an explicit file path.
func LoadFile(path string) (*domain.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v, nil)
}

func load(v *viper.Viper, searchPaths []string) (*domain.Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if len(searchPaths) > 0 {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, p := range searchPaths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	base := domain.DefaultConfig()
	if domain.Tier(v.GetString("tier")) == domain.TierPro {
		base = domain.ProConfig()
	}
	setDefaults(v, base)

	var cfg domain.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *domain.Config) {
	v.SetDefault("tier", string(d.Tier))

	// Server defaults
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.max_batch_size", d.Server.MaxBatchSize)

	// Repository defaults
	v.SetDefault("repository.driver", d.Repository.Driver)
	v.SetDefault("repository.sqlite_path", d.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", d.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", d.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", d.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", d.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", d.Repository.PostgresDB)
	v.SetDefault("repository.postgres_ssl_mode", d.Repository.PostgresSSLMode)
	v.SetDefault("repository.max_open_conns", d.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", d.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", d.Repository.ConnMaxLifetime)
	v.SetDefault("repository.breaker_failures", d.Repository.BreakerFailures)
	v.SetDefault("repository.breaker_timeout", d.Repository.BreakerTimeout)

	// Cache defaults
	v.SetDefault("cache.type", d.Cache.Type)
	v.SetDefault("cache.local_max_size", d.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", d.Cache.LocalTTL)
	v.SetDefault("cache.redis_addr", d.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", d.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", d.Cache.RedisDB)
	v.SetDefault("cache.enable_two_phase", d.Cache.EnableTwoPhase)
	v.SetDefault("cache.verdict_ttl", d.Cache.VerdictTTL)

	// Event bus defaults
	v.SetDefault("event_bus.type", d.EventBus.Type)
	v.SetDefault("event_bus.channel_buffer_size", d.EventBus.ChannelBufferSize)
	v.SetDefault("event_bus.nats_url", d.EventBus.NATSUrl)
	v.SetDefault("event_bus.nats_token", d.EventBus.NATSToken)
	v.SetDefault("event_bus.nats_max_reconnects", d.EventBus.NATSMaxReconnects)
	v.SetDefault("event_bus.nats_reconnect_wait", d.EventBus.NATSReconnectWait)
	v.SetDefault("event_bus.kafka_brokers", d.EventBus.KafkaBrokers)
	v.SetDefault("event_bus.consumer_group", d.EventBus.ConsumerGroup)

	v.SetDefault("worker.enabled", d.Worker.Enabled)
	v.SetDefault("worker.parallelism", d.Worker.Parallelism)

	// Detection defaults
	det := d.Detection
	v.SetDefault("detection.zscore_threshold", det.ZScoreThreshold)
	v.SetDefault("detection.iqr_multiplier", det.IQRMultiplier)
	v.SetDefault("detection.velocity_window", det.VelocityWindow)
	v.SetDefault("detection.velocity_threshold", det.VelocityThreshold)
	v.SetDefault("detection.min_transactions_for_pattern", det.MinTransactionsForPattern)
	v.SetDefault("detection.unusual_hour_start", det.UnusualHourStart)
	v.SetDefault("detection.unusual_hour_end", det.UnusualHourEnd)
	v.SetDefault("detection.high_risk_categories", det.HighRiskCategories)
	v.SetDefault("detection.round_amount_unit", det.RoundAmountUnit)
	v.SetDefault("detection.round_amount_minimum", det.RoundAmountMinimum)
	v.SetDefault("detection.large_amount_threshold", det.LargeAmountThreshold)
	v.SetDefault("detection.duplicate_window", det.DuplicateWindow)
	v.SetDefault("detection.benford_min_history", det.BenfordMinHistory)
	v.SetDefault("detection.flag_weekends", det.FlagWeekends)

	// Access control defaults
	v.SetDefault("auth.enabled", d.Auth.Enabled)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("rate_limit.requests_per_minute", d.RateLimit.RequestsPerMinute)

	// Observability defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// Validate rejects configurations the process cannot start with.
func Validate(cfg *domain.Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	if cfg.Server.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("server.max_batch_size must be positive"))
	}

	switch cfg.Repository.Driver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported repository driver: %s", cfg.Repository.Driver))
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unsupported cache type: %s", cfg.Cache.Type))
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	case "kafka":
		if len(cfg.EventBus.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("event_bus.kafka_brokers is required for kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported event bus type: %s", cfg.EventBus.Type))
	}

	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required when auth is enabled"))
	}
	if cfg.RateLimit.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("rate_limit.requests_per_minute must not be negative"))
	}

	if err := cfg.Detection.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("detection: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
