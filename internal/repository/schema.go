package repository

// Schemas are plain SQL understood by both SQLite and PostgreSQL. Patterns
// and verdicts are stored as JSON documents keyed by their natural id.

const schemaPatterns = `
CREATE TABLE IF NOT EXISTS customer_patterns (
    customer_id TEXT PRIMARY KEY,
    transaction_count BIGINT NOT NULL,
    data TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
`

const schemaVerdicts = `
CREATE TABLE IF NOT EXISTS verdicts (
    transaction_id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    score REAL NOT NULL,
    risk_level TEXT NOT NULL,
    recommended_action TEXT NOT NULL,
    data TEXT NOT NULL,
    detected_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_verdicts_customer ON verdicts(customer_id, detected_at);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    weight REAL NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    updated_at TEXT NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaPatterns,
		schemaVerdicts,
		schemaRuleConfigs,
	}
}
