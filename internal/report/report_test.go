package report

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func f(v float64) *float64 { return &v }

func sampleAnomalies() []domain.AnomalyRecord {
	detected := time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC)
	return []domain.AnomalyRecord{
		{
			TransactionRecord: domain.TransactionRecord{
				AccountID: "A", AccountNumber: "5101", AccountName: "Office, Supplies",
				Date: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), Amount: decimal.RequireFromString("5000"),
			},
			RunID:              "run-1",
			DetectionMethod:    domain.MethodBoth,
			OutlierScore:       f(-0.71234567),
			ThresholdUsed:      f(50),
			PctDiffFromAverage: f(400),
			AccountAverage:     1000,
			RatioVsAverage:     f(5),
			DetectedAt:         detected,
		},
		{
			TransactionRecord: domain.TransactionRecord{
				AccountID: "B", AccountNumber: "1105", AccountName: "Cash",
				Date: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), Amount: decimal.RequireFromString("-12.5"),
			},
			RunID:           "run-1",
			DetectionMethod: domain.MethodOutlierModel,
			OutlierScore:    f(-0.65),
			AccountAverage:  100,
			DetectedAt:      detected,
		},
	}
}

func TestEncodeCSV(t *testing.T) {
	data, err := EncodeCSV(sampleAnomalies())
	require.NoError(t, err)

	rows, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, Header, rows[0])
	assert.Equal(t, []string{
		"run-1", "A", "5101", "Office, Supplies", "2025-03-01", "5000.00",
		"1000.00", "5.0000", "400.00", "50", "Both", "-0.712346", "2025-03-02T08:00:00Z",
	}, rows[1])

	// Undefined optional values are empty cells.
	assert.Equal(t, "", rows[2][7])
	assert.Equal(t, "", rows[2][8])
	assert.Equal(t, "", rows[2][9])
	assert.Equal(t, "-12.50", rows[2][5])
}

func TestEncodeCSV_Empty(t *testing.T) {
	data, err := EncodeCSV(nil)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(Header, ",")+"\n", string(data))
}

func TestFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	sink := NewFileSink(dir)
	sink.Now = func() time.Time { return time.Date(2025, 3, 2, 8, 30, 15, 0, time.UTC) }

	require.NoError(t, sink.Write(context.Background(), "run-1", sampleAnomalies()))
	assert.Equal(t, filepath.Join(dir, "anomalies_report_20250302_083015.csv"), sink.LastPath)

	data, err := os.ReadFile(sink.LastPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\"Office, Supplies\"")
	assert.Equal(t, 3, strings.Count(string(data), "\n"))
}

type memStore struct {
	saved []domain.AnomalyRecord
	err   error
}

func (m *memStore) SaveAnomalies(_ context.Context, a []domain.AnomalyRecord) error {
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, a...)
	return nil
}

type failingSink struct{}

func (failingSink) Name() string { return "broken" }
func (failingSink) Write(context.Context, string, []domain.AnomalyRecord) error {
	return errors.New("disk full")
}

func TestWriter_ContinuesPastFailingSink(t *testing.T) {
	store := &memStore{}
	w := NewWriter(nil, failingSink{}, NewRepositorySink(store))

	err := w.Write(context.Background(), "run-1", sampleAnomalies())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Len(t, store.saved, 2)
	assert.Equal(t, []string{"broken", "repository"}, w.Sinks())
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	w, closeFn, err := New(ctx, domain.ReportConfig{Sinks: []string{"file", " Repository "}, Dir: t.TempDir()}, &memStore{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"file", "repository"}, w.Sinks())
	assert.NoError(t, closeFn())

	_, _, err = New(ctx, domain.ReportConfig{Sinks: []string{"ftp"}}, nil, nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, _, err = New(ctx, domain.ReportConfig{Sinks: []string{"gcs"}}, nil, nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestNewAnomalyRow(t *testing.T) {
	rows := sampleAnomalies()
	r := NewAnomalyRow(rows[1])
	assert.Equal(t, "2025-03-01", r.EntryDate)
	assert.Equal(t, -12.5, r.Amount)
	assert.False(t, r.ThresholdUsed.Valid)
	assert.True(t, r.OutlierScore.Valid)
	assert.Equal(t, "OutlierModel", r.DetectionMethod)
}
