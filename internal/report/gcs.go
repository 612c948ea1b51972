package report

import (
	"context"
	"fmt"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// GCSSink uploads the CSV export to a Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
	now    func() time.Time
}

// NewGCSSink creates a storage client using Application Default Credentials
// unless opts say otherwise.
func NewGCSSink(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*GCSSink, error) {
	if bucket == "" {
		return nil, &domain.ConfigError{Field: "report.gcsBucket", Reason: "must not be empty"}
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket, prefix: prefix, now: time.Now}, nil
}

func (s *GCSSink) Name() string { return "gcs" }

// ObjectName returns the object path for a run export.
func (s *GCSSink) ObjectName(runID string, t time.Time) string {
	return path.Join(s.prefix, runID, Filename(t))
}

func (s *GCSSink) Write(ctx context.Context, runID string, anomalies []domain.AnomalyRecord) error {
	data, err := EncodeCSV(anomalies)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	name := s.ObjectName(runID, s.now())
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "text/csv"
	w.Metadata = map[string]string{"run_id": runID}

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload gs://%s/%s: %w", s.bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize gs://%s/%s: %w", s.bucket, name, err)
	}
	return nil
}

func (s *GCSSink) Close() error {
	return s.client.Close()
}
