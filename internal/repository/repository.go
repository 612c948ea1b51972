// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// defaultConnectTimeout bounds the initial connection retries.
const defaultConnectTimeout = 15 * time.Second

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration. The first ping is
// retried with exponential backoff; an unreachable database is reported as
// domain.ErrSourceUnavailable.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var driverName, dsn string
	switch cfg.Driver {
	case "sqlite":
		driverName = "sqlite"
		var err error
		if dsn, err = sqliteDSN(cfg.SQLitePath); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
		}
	case "postgres":
		driverName, dsn = "postgres", postgresDSN(cfg)
	default:
		return nil, &domain.ConfigError{Field: "repository.driver", Reason: "unsupported driver " + cfg.Driver}
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", domain.ErrSourceUnavailable, err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := connect(db, cfg.ConnectTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrSourceUnavailable, cfg.Driver, err)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func connect(db *sql.DB, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	operation := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return db.PingContext(ctx)
	}

	backoffStrategy := backoff.NewExponentialBackOff()
	backoffStrategy.MaxElapsedTime = timeout

	return backoff.Retry(operation, backoffStrategy)
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveAccount upserts a chart-of-accounts entry.
func (r *SQLRepository) SaveAccount(ctx context.Context, accountID, accountNumber, description string) error {
	if accountID == "" {
		return fmt.Errorf("%w: accountID is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO gl_accounts (account_id, account_number, description)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			account_number = excluded.account_number,
			description = excluded.description
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), accountID, accountNumber, description)
	return err
}

// SaveLedgerEntry appends one general-ledger movement. debit and credit are
// decimal strings; an empty string stores NULL.
func (r *SQLRepository) SaveLedgerEntry(ctx context.Context, accountID string, date time.Time, debit, credit string) error {
	if accountID == "" {
		return fmt.Errorf("%w: accountID is required", domain.ErrInvalidInput)
	}

	d, err := nullDecimal(debit)
	if err != nil {
		return fmt.Errorf("%w: debit: %v", domain.ErrInvalidInput, err)
	}
	c, err := nullDecimal(credit)
	if err != nil {
		return fmt.Errorf("%w: credit: %v", domain.ErrInvalidInput, err)
	}

	query := `
		INSERT INTO gl_source (account_id, entry_date, debit, credit)
		VALUES (?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query), accountID, date.UTC().Format(domain.DateLayout), d, c)
	return err
}

func nullDecimal(s string) (sql.NullString, error) {
	if s == "" {
		return sql.NullString{}, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: v.String(), Valid: true}, nil
}

// LoadTransactions returns signed daily amounts (debit minus credit) per
// account for entries dated on or after since. Rows with an unparseable
// date or amount are skipped and counted.
func (r *SQLRepository) LoadTransactions(ctx context.Context, since time.Time) ([]domain.TransactionRecord, int, error) {
	query := `
		SELECT s.account_id, a.account_number, a.description, s.entry_date,
			   SUM(COALESCE(s.debit, 0) - COALESCE(s.credit, 0)) AS amount
		FROM gl_source s
		INNER JOIN gl_accounts a ON s.account_id = a.account_id
		WHERE s.entry_date >= ?
		GROUP BY s.account_id, a.account_number, a.description, s.entry_date
		ORDER BY s.account_id, s.entry_date
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since.UTC().Format(domain.DateLayout))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	defer rows.Close()

	var records []domain.TransactionRecord
	skipped := 0
	for rows.Next() {
		var rec domain.TransactionRecord
		var accountNumber, description, amount sql.NullString
		var date string

		if err := rows.Scan(&rec.AccountID, &accountNumber, &description, &date, &amount); err != nil {
			return nil, 0, err
		}
		rec.AccountNumber = accountNumber.String
		rec.AccountName = description.String

		rec.Date, err = time.Parse(domain.DateLayout, date)
		if err != nil {
			slog.Warn("skipping ledger row with invalid date",
				"account_id", rec.AccountID,
				"date", date,
				"error", err,
			)
			skipped++
			continue
		}
		v, err := decimal.NewFromString(amount.String)
		if err != nil || !amount.Valid {
			slog.Warn("skipping ledger row with invalid amount",
				"account_id", rec.AccountID,
				"date", date,
				"amount", amount.String,
			)
			skipped++
			continue
		}
		// Ledger amounts are currency; drop float noise from REAL sums.
		rec.Amount = v.Round(2)

		records = append(records, rec)
	}

	return records, skipped, rows.Err()
}

// GetSetting returns the value stored under key.
func (r *SQLRepository) GetSetting(ctx context.Context, key string) (string, error) {
	query := `SELECT setting_value FROM settings WHERE setting_key = ?`

	var value string
	err := r.db.QueryRowContext(ctx, r.rebind(query), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %q: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	return value, nil
}

// SetSetting upserts a setting.
func (r *SQLRepository) SetSetting(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("%w: key is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO settings (setting_key, setting_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(setting_key) DO UPDATE SET
			setting_value = excluded.setting_value,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), key, value, time.Now().UTC())
	return err
}

// SaveAnomalies appends a run's anomalies in one transaction.
func (r *SQLRepository) SaveAnomalies(ctx context.Context, anomalies []domain.AnomalyRecord) error {
	if len(anomalies) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO anomalies (
			run_id, account_id, account_number, account_name, entry_date, amount,
			detection_method, outlier_score, threshold_used, pct_diff_from_average,
			account_average, ratio_vs_average, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	stmt, err := tx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range anomalies {
		if a.RunID == "" {
			return fmt.Errorf("%w: runID is required", domain.ErrInvalidInput)
		}
		if _, err := stmt.ExecContext(ctx,
			a.RunID, a.AccountID, a.AccountNumber, a.AccountName,
			a.Date.UTC().Format(domain.DateLayout), a.Amount.String(),
			string(a.DetectionMethod),
			nullFloat(a.OutlierScore), nullFloat(a.ThresholdUsed), nullFloat(a.PctDiffFromAverage),
			a.AccountAverage, nullFloat(a.RatioVsAverage),
			a.DetectedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert anomaly %s/%s: %w", a.AccountID, a.Date.Format(domain.DateLayout), err)
		}
	}

	return tx.Commit()
}

// ListAnomalies returns the anomalies of one run ordered by account then date.
func (r *SQLRepository) ListAnomalies(ctx context.Context, runID string) ([]domain.AnomalyRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("%w: runID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT run_id, account_id, account_number, account_name, entry_date, amount,
			   detection_method, outlier_score, threshold_used, pct_diff_from_average,
			   account_average, ratio_vs_average, detected_at
		FROM anomalies
		WHERE run_id = ?
		ORDER BY account_id, entry_date
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var anomalies []domain.AnomalyRecord
	for rows.Next() {
		var a domain.AnomalyRecord
		var date, amount, method string
		var score, threshold, pct, ratio sql.NullFloat64

		if err := rows.Scan(
			&a.RunID, &a.AccountID, &a.AccountNumber, &a.AccountName, &date, &amount,
			&method, &score, &threshold, &pct,
			&a.AccountAverage, &ratio, &a.DetectedAt,
		); err != nil {
			return nil, err
		}

		if a.Date, err = time.Parse(domain.DateLayout, date); err != nil {
			return nil, fmt.Errorf("%w: anomaly date %q", domain.ErrData, date)
		}
		if a.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("%w: anomaly amount %q", domain.ErrData, amount)
		}
		a.DetectionMethod = domain.DetectionMethod(method)
		a.OutlierScore = floatPtr(score)
		a.ThresholdUsed = floatPtr(threshold)
		a.PctDiffFromAverage = floatPtr(pct)
		a.RatioVsAverage = floatPtr(ratio)

		anomalies = append(anomalies, a)
	}

	return anomalies, rows.Err()
}

// SaveRun upserts a run summary.
func (r *SQLRepository) SaveRun(ctx context.Context, run *domain.RunSummary) error {
	if run == nil || run.RunID == "" {
		return fmt.Errorf("%w: runID is required", domain.ErrInvalidInput)
	}

	summary, err := json.Marshal(run)
	if err != nil {
		return err
	}

	var finished sql.NullTime
	if !run.FinishedAt.IsZero() {
		finished = sql.NullTime{Time: run.FinishedAt.UTC(), Valid: true}
	}

	query := `
		INSERT INTO runs (run_id, status, started_at, finished_at, summary)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			summary = excluded.summary
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		run.RunID, run.Status, run.StartedAt.UTC(), finished, string(summary),
	)
	return err
}

// GetRun retrieves a run summary by ID.
func (r *SQLRepository) GetRun(ctx context.Context, runID string) (*domain.RunSummary, error) {
	query := `SELECT summary FROM runs WHERE run_id = ?`

	var summary string
	err := r.db.QueryRowContext(ctx, r.rebind(query), runID).Scan(&summary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var run domain.RunSummary
	if err := json.Unmarshal([]byte(summary), &run); err != nil {
		return nil, fmt.Errorf("failed to parse run summary: %w", err)
	}
	return &run, nil
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

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

var _ domain.Repository = (*SQLRepository)(nil)
