package repository

// Schema definitions for the Kestrel ledger and results store.
// Compatible with both SQLite and PostgreSQL. Dates are stored as ISO
// YYYY-MM-DD text so range filters and grouping behave the same on both.

const schemaAccounts = `
CREATE TABLE IF NOT EXISTS gl_accounts (
    account_id TEXT PRIMARY KEY,
    account_number TEXT,
    description TEXT
);
`

const schemaLedger = `
CREATE TABLE IF NOT EXISTS gl_source (
    account_id TEXT NOT NULL,
    entry_date TEXT NOT NULL,
    debit NUMERIC,
    credit NUMERIC
);

CREATE INDEX IF NOT EXISTS idx_gl_source_date ON gl_source(entry_date);
CREATE INDEX IF NOT EXISTS idx_gl_source_account ON gl_source(account_id, entry_date);
`

const schemaSettings = `
CREATE TABLE IF NOT EXISTS settings (
    setting_key TEXT PRIMARY KEY,
    setting_value TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// schemaAnomalies is append-only: every run inserts its own rows.
const schemaAnomalies = `
CREATE TABLE IF NOT EXISTS anomalies (
    run_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    account_number TEXT NOT NULL,
    account_name TEXT NOT NULL,
    entry_date TEXT NOT NULL,
    amount TEXT NOT NULL,
    detection_method TEXT NOT NULL,
    outlier_score REAL,
    threshold_used REAL,
    pct_diff_from_average REAL,
    account_average REAL NOT NULL,
    ratio_vs_average REAL,
    detected_at TIMESTAMP NOT NULL,
    PRIMARY KEY (run_id, account_id, entry_date)
);

CREATE INDEX IF NOT EXISTS idx_anomalies_account ON anomalies(account_id, entry_date);
`

const schemaRuns = `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    summary TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAccounts,
		schemaLedger,
		schemaSettings,
		schemaAnomalies,
		schemaRuns,
	}
}
