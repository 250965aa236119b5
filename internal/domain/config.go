package domain

import "time"

// Config holds the complete Sentinel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Tier determines the default infrastructure
	Tier Tier `json:"tier" mapstructure:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" mapstructure:"repository"`
	Cache      CacheConfig      `json:"cache" mapstructure:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" mapstructure:"event_bus"`
	Worker     WorkerConfig     `json:"worker" mapstructure:"worker"`

	// Initial detection tunables; mutable at runtime through update-config.
	Detection DetectionConfig `json:"detection" mapstructure:"detection"`

	// Access control
	Auth      AuthConfig      `json:"auth" mapstructure:"auth"`
	RateLimit RateLimitConfig `json:"rateLimit" mapstructure:"rate_limit"`

	// Observability
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	ReadTimeout  int    `json:"readTimeout" mapstructure:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" mapstructure:"write_timeout"` // seconds
	MaxBatchSize int    `json:"maxBatchSize" mapstructure:"max_batch_size"`
}

// WorkerConfig controls asynchronous ingestion from the event bus.
type WorkerConfig struct {
	Enabled     bool `json:"enabled" mapstructure:"enabled"`
	Parallelism int  `json:"parallelism" mapstructure:"parallelism"` // customers analyzed at once per batch message
}

// AuthConfig gates privileged operations behind an HS256 bearer token
// carrying role=admin.
type AuthConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	JWTSecret string `json:"-" mapstructure:"jwt_secret"`
	Issuer    string `json:"issuer" mapstructure:"issuer"`
}

// RateLimitConfig limits requests per client IP.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requestsPerMinute" mapstructure:"requests_per_minute"` // 0 disables
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // json, console
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"serviceName" mapstructure:"service_name"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on in-memory state + channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for the Community tier.
// Patterns live in memory for the lifetime of the process.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
			MaxBatchSize: 1000,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:          "memory",
			SQLitePath:      "./sentinel.db",
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			VerdictTTL:   24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Worker: WorkerConfig{
			Enabled:     false,
			Parallelism: 8,
		},
		Detection: DefaultDetectionConfig(),
		Auth: AuthConfig{
			Enabled: false,
			Issuer:  "sentinel",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "sentinel",
		},
	}
}

// ProConfig returns a configuration for the Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository.Driver = "postgres"
	cfg.Repository.PostgresHost = "localhost"
	cfg.Repository.PostgresPort = 5432
	cfg.Repository.PostgresDB = "sentinel"
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		VerdictTTL:     24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Auth.Enabled = true
	cfg.RateLimit.RequestsPerMinute = 6000
	cfg.Tracing.Enabled = true
	return cfg
}
