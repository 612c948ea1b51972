// Package report writes the anomaly export of a run to its configured sinks.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Sink receives the anomalies of a completed run.
type Sink interface {
	Name() string
	Write(ctx context.Context, runID string, anomalies []domain.AnomalyRecord) error
}

// Header is the column row of the CSV export.
var Header = []string{
	"run_id", "account_id", "account_number", "account_name", "date", "amount",
	"yearly_average", "ratio_vs_average", "pct_diff_from_average", "threshold_used",
	"detection_method", "outlier_score", "detected_at",
}

// EncodeCSV renders anomalies as CSV with a header row. Undefined optional
// values are written as empty cells.
func EncodeCSV(anomalies []domain.AnomalyRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Header); err != nil {
		return nil, err
	}
	for _, a := range anomalies {
		row := []string{
			a.RunID,
			a.AccountID,
			a.AccountNumber,
			a.AccountName,
			a.Date.UTC().Format(domain.DateLayout),
			a.Amount.StringFixed(2),
			formatFloat(a.AccountAverage, 2),
			formatOptional(a.RatioVsAverage, 4),
			formatOptional(a.PctDiffFromAverage, 2),
			formatOptional(a.ThresholdUsed, -1),
			string(a.DetectionMethod),
			formatOptional(a.OutlierScore, 6),
			a.DetectedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode anomaly report: %w", err)
	}
	return buf.Bytes(), nil
}

// Filename returns the export name for a run started at t.
func Filename(t time.Time) string {
	return "anomalies_report_" + t.UTC().Format("20060102_150405") + ".csv"
}

func formatFloat(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}

func formatOptional(v *float64, prec int) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v, prec)
}

// Writer fans a run's anomalies out to every sink. A failing sink does not
// stop the others.
type Writer struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewWriter creates a Writer over sinks.
func NewWriter(logger *slog.Logger, sinks ...Sink) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{sinks: sinks, logger: logger}
}

// Sinks returns the sink names in write order.
func (w *Writer) Sinks() []string {
	names := make([]string, len(w.sinks))
	for i, s := range w.sinks {
		names[i] = s.Name()
	}
	return names
}

// Write runs every sink and joins their errors.
func (w *Writer) Write(ctx context.Context, runID string, anomalies []domain.AnomalyRecord) error {
	var errs []error
	for _, s := range w.sinks {
		if err := s.Write(ctx, runID, anomalies); err != nil {
			w.logger.Warn("report sink failed",
				"sink", s.Name(),
				"run_id", runID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		w.logger.Debug("report written", "sink", s.Name(), "run_id", runID, "anomalies", len(anomalies))
	}
	return errors.Join(errs...)
}
