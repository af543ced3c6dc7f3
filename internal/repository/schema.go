package repository

// Schema definitions for the riskd database.
// Compatible with both SQLite and PostgreSQL.

const schemaScoreResults = `
CREATE TABLE IF NOT EXISTS score_results (
    decision_id TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL,
    risk_type TEXT NOT NULL,
    score REAL NOT NULL,
    band TEXT NOT NULL,
    table_version INTEGER NOT NULL,
    computed_at TIMESTAMP NOT NULL,
    body TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_score_results_subject ON score_results(subject_id, risk_type, computed_at);
CREATE INDEX IF NOT EXISTS idx_score_results_computed ON score_results(computed_at);
`

const schemaComplianceResults = `
CREATE TABLE IF NOT EXISTS compliance_results (
    decision_id TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL,
    region TEXT NOT NULL,
    status TEXT NOT NULL,
    compliance_score REAL NOT NULL,
    rule_set_version INTEGER NOT NULL,
    evaluated_at TIMESTAMP NOT NULL,
    body TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_compliance_results_subject ON compliance_results(subject_id, evaluated_at);
CREATE INDEX IF NOT EXISTS idx_compliance_results_evaluated ON compliance_results(evaluated_at);
`

// schemaAlerts enforces at most one open alert per (subject, source).
const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL,
    source TEXT NOT NULL,
    severity TEXT NOT NULL,
    state TEXT NOT NULL,
    title TEXT NOT NULL,
    metadata TEXT,
    occurrences INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    acknowledged_at TIMESTAMP,
    resolved_at TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open ON alerts(subject_id, source) WHERE state = 'open';
CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at);
`

const schemaAuditEntries = `
CREATE TABLE IF NOT EXISTS audit_entries (
    sequence BIGINT PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    actor TEXT NOT NULL,
    action TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    decision_id TEXT,
    before_state TEXT,
    after_state TEXT,
    timestamp TIMESTAMP NOT NULL,
    prev_hash TEXT NOT NULL,
    hash TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_entries_subject ON audit_entries(subject_id, timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaScoreResults,
		schemaComplianceResults,
		schemaAlerts,
		schemaAuditEntries,
	}
}
