// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// TransactionSource supplies the transaction universe for a run.
type TransactionSource interface {
	// LoadTransactions returns daily-aggregated records dated on or after
	// since, ordered by account then date. skipped counts malformed rows
	// that were dropped.
	LoadTransactions(ctx context.Context, since time.Time) (records []TransactionRecord, skipped int, err error)
}

// SettingsStore is the key-value settings lookup.
type SettingsStore interface {
	// GetSetting returns ErrNotFound when the key does not exist.
	GetSetting(ctx context.Context, key string) (string, error)
}

// Repository defines the SQL persistence used by runs and the API.
type Repository interface {
	TransactionSource
	SettingsStore

	// Ledger ingestion (used by seeding tools and tests)
	SaveAccount(ctx context.Context, accountID, accountNumber, description string) error
	SaveLedgerEntry(ctx context.Context, accountID string, date time.Time, debit, credit string) error
	SetSetting(ctx context.Context, key, value string) error

	// Anomaly results (append-only)
	SaveAnomalies(ctx context.Context, anomalies []AnomalyRecord) error
	ListAnomalies(ctx context.Context, runID string) ([]AnomalyRecord, error)

	// Run summaries
	SaveRun(ctx context.Context, run *RunSummary) error
	GetRun(ctx context.Context, runID string) (*RunSummary, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost"`
	PostgresPort     int    `json:"postgresPort"`
	PostgresUser     string `json:"postgresUser"`
	PostgresPassword string `json:"-"`
	PostgresDB       string `json:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime"`

	// ConnectTimeout bounds the initial connection retries.
	ConnectTimeout time.Duration `json:"connectTimeout"`
}
