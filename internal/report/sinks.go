package report

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New builds a Writer over the sinks named in cfg. The returned close
// function releases cloud clients.
func New(ctx context.Context, cfg domain.ReportConfig, store AnomalyStore, logger *slog.Logger) (*Writer, func() error, error) {
	var (
		sinks   []Sink
		closers []func() error
	)
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}

	for _, name := range cfg.Sinks {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "":
		case "file":
			sinks = append(sinks, NewFileSink(cfg.Dir))
		case "repository":
			if store == nil {
				continue
			}
			sinks = append(sinks, NewRepositorySink(store))
		case "gcs":
			s, err := NewGCSSink(ctx, cfg.GCSBucket, cfg.GCSPrefix)
			if err != nil {
				_ = closeAll()
				return nil, nil, err
			}
			sinks = append(sinks, s)
			closers = append(closers, s.Close)
		case "bigquery":
			s, err := NewBigQuerySink(ctx, cfg.BigQueryProject, cfg.BigQueryDataset, cfg.BigQueryTable)
			if err != nil {
				_ = closeAll()
				return nil, nil, err
			}
			sinks = append(sinks, s)
			closers = append(closers, s.Close)
		default:
			_ = closeAll()
			return nil, nil, &domain.ConfigError{Field: "report.sinks", Reason: "unknown sink " + name}
		}
	}

	return NewWriter(logger, sinks...), closeAll, nil
}
