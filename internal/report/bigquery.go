package report

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/option"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// AnomalyRow is the BigQuery row layout of one anomaly.
type AnomalyRow struct {
	RunID              string               `bigquery:"run_id"`
	AccountID          string               `bigquery:"account_id"`
	AccountNumber      string               `bigquery:"account_number"`
	AccountName        string               `bigquery:"account_name"`
	EntryDate          string               `bigquery:"entry_date"`
	Amount             float64              `bigquery:"amount"`
	AccountAverage     float64              `bigquery:"account_average"`
	RatioVsAverage     bigquery.NullFloat64 `bigquery:"ratio_vs_average"`
	PctDiffFromAverage bigquery.NullFloat64 `bigquery:"pct_diff_from_average"`
	ThresholdUsed      bigquery.NullFloat64 `bigquery:"threshold_used"`
	DetectionMethod    string               `bigquery:"detection_method"`
	OutlierScore       bigquery.NullFloat64 `bigquery:"outlier_score"`
	DetectedAt         time.Time            `bigquery:"detected_at"`
}

// NewAnomalyRow converts an anomaly into its BigQuery row.
func NewAnomalyRow(a domain.AnomalyRecord) *AnomalyRow {
	return &AnomalyRow{
		RunID:              a.RunID,
		AccountID:          a.AccountID,
		AccountNumber:      a.AccountNumber,
		AccountName:        a.AccountName,
		EntryDate:          a.Date.UTC().Format(domain.DateLayout),
		Amount:             a.AmountFloat(),
		AccountAverage:     a.AccountAverage,
		RatioVsAverage:     nullFloat(a.RatioVsAverage),
		PctDiffFromAverage: nullFloat(a.PctDiffFromAverage),
		ThresholdUsed:      nullFloat(a.ThresholdUsed),
		DetectionMethod:    string(a.DetectionMethod),
		OutlierScore:       nullFloat(a.OutlierScore),
		DetectedAt:         a.DetectedAt.UTC(),
	}
}

func nullFloat(v *float64) bigquery.NullFloat64 {
	if v == nil {
		return bigquery.NullFloat64{}
	}
	return bigquery.NullFloat64{Float64: *v, Valid: true}
}

// BigQuerySink appends anomalies to a BigQuery table.
type BigQuerySink struct {
	client  *bigquery.Client
	project string
	dataset string
	table   string
}

// NewBigQuerySink creates a client for project.
func NewBigQuerySink(ctx context.Context, project, dataset, table string, opts ...option.ClientOption) (*BigQuerySink, error) {
	if project == "" || dataset == "" || table == "" {
		return nil, &domain.ConfigError{Field: "report.bigquery", Reason: "project, dataset and table are required"}
	}
	client, err := bigquery.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery client: %w", err)
	}
	return &BigQuerySink{client: client, project: project, dataset: dataset, table: table}, nil
}

func (s *BigQuerySink) Name() string { return "bigquery" }

func (s *BigQuerySink) Write(ctx context.Context, runID string, anomalies []domain.AnomalyRecord) error {
	if len(anomalies) == 0 {
		return nil
	}
	rows := make([]*AnomalyRow, len(anomalies))
	for i, a := range anomalies {
		rows[i] = NewAnomalyRow(a)
	}

	inserter := s.client.DatasetInProject(s.project, s.dataset).Table(s.table).Inserter()
	if err := inserter.Put(ctx, rows); err != nil {
		return fmt.Errorf("insert %d anomalies for run %s: %w", len(rows), runID, err)
	}
	return nil
}

func (s *BigQuerySink) Close() error {
	return s.client.Close()
}
