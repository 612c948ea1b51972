package gateway

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func writeCSV(t *testing.T, rows [][]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := csv.NewWriter(f)
	require.NoError(t, w.WriteAll(rows))
	require.NoError(t, f.Close())
	return path
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestCSVTransactionSource_LoadTransactions(t *testing.T) {
	tests := []struct {
		name        string
		rows        [][]string
		wantLen     int
		wantSkipped int
		wantErr     bool
	}{
		{
			name: "valid rows aggregated per day",
			rows: [][]string{
				{"accountID", "accountNumber", "account", "date", "amount"},
				{"A", "5101", "Supplies", "2024-02-01", "100.50"},
				{"A", "5101", "Supplies", "2024-02-01", "-0.50"},
				{"A", "5101", "Supplies", "2024-02-02", "75"},
				{"B", "1105", "Cash", "2024-02-01T10:00:00Z", "1,250.00"},
			},
			wantLen: 3,
		},
		{
			name: "malformed rows skipped",
			rows: [][]string{
				{"accountID", "accountNumber", "account", "date", "amount"},
				{"A", "5101", "Supplies", "not-a-date", "100"},
				{"A", "5101", "Supplies", "2024-02-01", "abc"},
				{"", "5101", "Supplies", "2024-02-01", "1"},
				{"A", "5101", "Supplies", "2024-02-01", "10"},
			},
			wantLen:     1,
			wantSkipped: 3,
		},
		{
			name: "debit and credit columns",
			rows: [][]string{
				{"accountID", "accountNumber", "account", "dtmDate", "curDebit", "curCredit"},
				{"A", "5101", "Supplies", "2024-02-01", "100", ""},
				{"A", "5101", "Supplies", "2024-02-02", "", "40"},
			},
			wantLen: 2,
		},
		{
			name: "rows before cutoff dropped",
			rows: [][]string{
				{"accountID", "date", "amount"},
				{"A", "2023-06-01", "100"},
				{"A", "2024-06-01", "100"},
			},
			wantLen: 1,
		},
		{
			name:    "missing required column",
			rows:    [][]string{{"accountNumber", "amount"}, {"5101", "1"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewCSVTransactionSource(writeCSV(t, tt.rows), nil)
			records, skipped, err := src.LoadTransactions(context.Background(), epoch)

			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, records, tt.wantLen)
			assert.Equal(t, tt.wantSkipped, skipped)
		})
	}
}

func TestCSVTransactionSource_Values(t *testing.T) {
	path := writeCSV(t, [][]string{
		{"accountID", "accountNumber", "account", "dtmDate", "curDebit", "curCredit"},
		{"A", "5101", "Supplies", "2024-02-01", "100", "25.5"},
		{"A", "5101", "Supplies", "2024-02-01", "10", ""},
	})

	records, _, err := NewCSVTransactionSource(path, nil).LoadTransactions(context.Background(), epoch)
	require.NoError(t, err)
	require.Len(t, records, 1)

	assert.Equal(t, "A", records[0].AccountID)
	assert.Equal(t, "5101", records[0].AccountNumber)
	assert.Equal(t, "Supplies", records[0].AccountName)
	assert.Equal(t, "2024-02-01", records[0].Date.Format(domain.DateLayout))
	assert.True(t, decimal.RequireFromString("84.5").Equal(records[0].Amount), "got %s", records[0].Amount)
}

func TestCSVTransactionSource_MissingFile(t *testing.T) {
	_, _, err := NewCSVTransactionSource("/nonexistent/ledger.csv", nil).LoadTransactions(context.Background(), epoch)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
}
