// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a repository for cfg.Driver. SQL backends are wrapped in a
// circuit breaker so a failing database trips fast instead of stalling
// every analysis.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{db: db, driver: cfg.Driver}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if cfg.BreakerFailures <= 0 {
		return repo, nil
	}
	return NewBreaker(repo, cfg.Driver, uint32(cfg.BreakerFailures), cfg.BreakerTimeout), nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// GetPattern loads a customer's pattern.
func (r *SQLRepository) GetPattern(ctx context.Context, customerID string) (*domain.CustomerPattern, error) {
	query := `SELECT data FROM customer_patterns WHERE customer_id = ?`

	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(query), customerID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var p domain.CustomerPattern
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to decode pattern %s: %w", customerID, err)
	}
	return &p, nil
}

// SavePattern upserts a customer's pattern.
func (r *SQLRepository) SavePattern(ctx context.Context, p *domain.CustomerPattern) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode pattern: %w", err)
	}

	query := `
		INSERT INTO customer_patterns (customer_id, transaction_count, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(customer_id) DO UPDATE SET
			transaction_count = excluded.transaction_count,
			data = excluded.data,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		p.CustomerID, p.TransactionCount, string(data), formatTime(p.UpdatedAt),
	)
	return err
}

// ListPatterns returns every stored pattern ordered by customer id.
func (r *SQLRepository) ListPatterns(ctx context.Context) ([]*domain.CustomerPattern, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM customer_patterns ORDER BY customer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	patterns := []*domain.CustomerPattern{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var p domain.CustomerPattern
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("failed to decode pattern: %w", err)
		}
		patterns = append(patterns, &p)
	}
	return patterns, rows.Err()
}

// DeletePatterns removes every pattern.
func (r *SQLRepository) DeletePatterns(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM customer_patterns`)
	return err
}

// SaveVerdict stores a verdict, replacing any earlier verdict for the same
// transaction id.
func (r *SQLRepository) SaveVerdict(ctx context.Context, result *domain.AnomalyResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode verdict: %w", err)
	}

	query := `
		INSERT INTO verdicts (
			transaction_id, customer_id, score, risk_level, recommended_action, data, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO UPDATE SET
			customer_id = excluded.customer_id,
			score = excluded.score,
			risk_level = excluded.risk_level,
			recommended_action = excluded.recommended_action,
			data = excluded.data,
			detected_at = excluded.detected_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		result.TransactionID, result.CustomerID, result.Score,
		string(result.RiskLevel), string(result.RecommendedAction),
		string(data), formatTime(result.DetectedAt),
	)
	return err
}

// GetVerdict retrieves a verdict by transaction id.
func (r *SQLRepository) GetVerdict(ctx context.Context, txID string) (*domain.AnomalyResult, error) {
	query := `SELECT data FROM verdicts WHERE transaction_id = ?`

	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var result domain.AnomalyResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("failed to decode verdict %s: %w", txID, err)
	}
	return &result, nil
}

// ListVerdicts returns the customer's latest verdicts, oldest first.
func (r *SQLRepository) ListVerdicts(ctx context.Context, customerID string, limit int) ([]*domain.AnomalyResult, error) {
	query := `SELECT data FROM verdicts WHERE customer_id = ? ORDER BY detected_at DESC`
	args := []any{customerID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.AnomalyResult
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var v domain.AnomalyResult
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("failed to decode verdict for %s: %w", customerID, err)
		}
		out = append(out, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SaveRuleConfig upserts a rule configuration.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	enabled := 0
	if rule.Enabled {
		enabled = 1
	}
	updatedAt := rule.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO rule_configs (
			id, name, description, version, expression, weight, enabled, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			expression = excluded.expression,
			weight = excluded.weight,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Version,
		rule.Expression, rule.Weight, enabled, formatTime(updatedAt),
	)
	return err
}

const selectRuleConfig = `
	SELECT id, name, description, version, expression, weight, enabled, updated_at
	FROM rule_configs
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRuleConfig(row rowScanner) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var description sql.NullString
	var enabled int
	var updatedAt string

	if err := row.Scan(
		&cfg.ID, &cfg.Name, &description, &cfg.Version,
		&cfg.Expression, &cfg.Weight, &enabled, &updatedAt,
	); err != nil {
		return nil, err
	}

	cfg.Description = description.String
	cfg.Enabled = enabled == 1
	cfg.UpdatedAt = parseTime(updatedAt)
	return &cfg, nil
}

// GetRuleConfig retrieves a rule configuration.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, ruleID string) (*domain.RuleConfig, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(selectRuleConfig+` WHERE id = ?`), ruleID)
	cfg, err := scanRuleConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return cfg, err
}

// ListRuleConfigs retrieves all rule configurations ordered by id.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	rows, err := r.db.QueryContext(ctx, selectRuleConfig+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		cfg, err := scanRuleConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// DeleteRuleConfig removes a rule configuration.
func (r *SQLRepository) DeleteRuleConfig(ctx context.Context, ruleID string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM rule_configs WHERE id = ?`), ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
		n++
	}
	return b.String()
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
