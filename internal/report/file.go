package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// FileSink writes the CSV export into a local directory.
type FileSink struct {
	Dir string
	Now func() time.Time

	// LastPath is the file written by the most recent Write.
	LastPath string
}

// NewFileSink creates a sink writing into dir.
func NewFileSink(dir string) *FileSink {
	if dir == "" {
		dir = "."
	}
	return &FileSink{Dir: dir, Now: time.Now}
}

func (s *FileSink) Name() string { return "file" }

// Write creates anomalies_report_<timestamp>.csv. Empty runs write a
// header-only file.
func (s *FileSink) Write(ctx context.Context, runID string, anomalies []domain.AnomalyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeCSV(anomalies)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	path := filepath.Join(s.Dir, Filename(now()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	s.LastPath = path
	return nil
}
