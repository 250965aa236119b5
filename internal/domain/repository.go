// Package domain defines the core types and interfaces for Sentinel.
package domain

import (
	"context"
	"time"
)

// PatternStore persists customer baselines.
// GetPattern returns ErrNotFound for an unknown customer.
type PatternStore interface {
	GetPattern(ctx context.Context, customerID string) (*CustomerPattern, error)
	SavePattern(ctx context.Context, pattern *CustomerPattern) error
	ListPatterns(ctx context.Context) ([]*CustomerPattern, error)
	DeletePatterns(ctx context.Context) error
}

// Repository defines the interface for data persistence.
type Repository interface {
	PatternStore

	// Verdict history
	SaveVerdict(ctx context.Context, result *AnomalyResult) error
	GetVerdict(ctx context.Context, txID string) (*AnomalyResult, error)
	ListVerdicts(ctx context.Context, customerID string, limit int) ([]*AnomalyResult, error)

	// Rule configuration operations
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)
	DeleteRuleConfig(ctx context.Context, ruleID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the storage driver: "memory", "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`

	// Circuit breaker around pattern reads and writes
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}
