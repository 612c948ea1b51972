// Package gateway reads ledger exports from files outside the SQL store.
package gateway

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

// Accepted header spellings per column.
var columnAliases = map[string][]string{
	"account_id":     {"accountid", "account_id"},
	"account_number": {"accountnumber", "account_number"},
	"account_name":   {"account", "account_name", "description"},
	"date":           {"date", "dtmdate", "entry_date"},
	"amount":         {"amount"},
	"debit":          {"debit", "curdebit"},
	"credit":         {"credit", "curcredit"},
}

// dateLayouts are tried in order for the date column.
var dateLayouts = []string{domain.DateLayout, time.RFC3339, "2006-01-02 15:04:05", "01/02/2006"}

// CSVTransactionSource implements domain.TransactionSource over a CSV ledger
// export with a header row.
type CSVTransactionSource struct {
	path   string
	logger *slog.Logger
}

// NewCSVTransactionSource creates a CSV source for path.
func NewCSVTransactionSource(path string, logger *slog.Logger) *CSVTransactionSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVTransactionSource{path: path, logger: logger}
}

// LoadTransactions reads the file, skips malformed rows, keeps rows dated on
// or after since and aggregates them per account and day.
func (s *CSVTransactionSource) LoadTransactions(ctx context.Context, since time.Time) ([]domain.TransactionRecord, int, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: failed to open ledger file %s: %v", domain.ErrSourceUnavailable, s.path, err)
	}
	defer file.Close()

	records, skipped, err := s.read(ctx, file)
	if err != nil {
		return nil, 0, err
	}

	cutoff := since.UTC().Truncate(24 * time.Hour)
	kept := records[:0]
	for _, r := range records {
		if !r.Date.Before(cutoff) {
			kept = append(kept, r)
		}
	}

	return features.AggregateDaily(kept), skipped, nil
}

func (s *CSVTransactionSource) read(ctx context.Context, r io.Reader) ([]domain.TransactionRecord, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: failed to read header from %s: %v", domain.ErrSourceUnavailable, s.path, err)
	}
	cols, err := mapColumns(header)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", s.path, err)
	}

	var records []domain.TransactionRecord
	skipped := 0
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				s.logger.Warn("skipping malformed ledger row", "file", s.path, "line", line, "error", err)
				skipped++
				continue
			}
			return nil, 0, fmt.Errorf("error reading record from %s: %w", s.path, err)
		}
		if line%1000 == 0 && ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}

		rec, err := parseRow(row, cols)
		if err != nil {
			s.logger.Warn("skipping malformed ledger row", "file", s.path, "line", line, "error", err)
			skipped++
			continue
		}
		records = append(records, rec)
	}
	return records, skipped, nil
}

func mapColumns(header []string) (map[string]int, error) {
	cols := make(map[string]int)
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "﻿")))
		for col, aliases := range columnAliases {
			for _, a := range aliases {
				if name == a {
					if _, dup := cols[col]; !dup {
						cols[col] = i
					}
				}
			}
		}
	}

	for _, required := range []string{"account_id", "date"} {
		if _, ok := cols[required]; !ok {
			return nil, &domain.ConfigError{Field: "source.csvPath", Reason: "missing column " + required}
		}
	}
	_, hasAmount := cols["amount"]
	_, hasDebit := cols["debit"]
	_, hasCredit := cols["credit"]
	if !hasAmount && !hasDebit && !hasCredit {
		return nil, &domain.ConfigError{Field: "source.csvPath", Reason: "missing amount or debit/credit columns"}
	}
	return cols, nil
}

func parseRow(row []string, cols map[string]int) (domain.TransactionRecord, error) {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	rec := domain.TransactionRecord{
		AccountID:     field("account_id"),
		AccountNumber: field("account_number"),
		AccountName:   field("account_name"),
	}
	if rec.AccountID == "" {
		return rec, fmt.Errorf("%w: empty account id", domain.ErrData)
	}
	if rec.AccountNumber == "" {
		rec.AccountNumber = rec.AccountID
	}

	date, err := parseDate(field("date"))
	if err != nil {
		return rec, err
	}
	rec.Date = date

	if _, ok := cols["amount"]; ok {
		rec.Amount, err = parseAmount(field("amount"))
		if err != nil {
			return rec, err
		}
		return rec, nil
	}

	debit, err := parseOptionalAmount(field("debit"))
	if err != nil {
		return rec, err
	}
	credit, err := parseOptionalAmount(field("credit"))
	if err != nil {
		return rec, err
	}
	rec.Amount = debit.Sub(credit)
	return rec, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: could not parse date '%s'", domain.ErrData, s)
}

func parseAmount(s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: could not parse amount '%s'", domain.ErrData, s)
	}
	return v, nil
}

func parseOptionalAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return parseAmount(s)
}

var _ domain.TransactionSource = (*CSVTransactionSource)(nil)
