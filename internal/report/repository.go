package report

import (
	"context"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// AnomalyStore is the persistence the repository sink needs.
type AnomalyStore interface {
	SaveAnomalies(ctx context.Context, anomalies []domain.AnomalyRecord) error
}

// RepositorySink appends anomalies to the SQL anomalies table.
type RepositorySink struct {
	store AnomalyStore
}

// NewRepositorySink wraps store.
func NewRepositorySink(store AnomalyStore) *RepositorySink {
	return &RepositorySink{store: store}
}

func (s *RepositorySink) Name() string { return "repository" }

func (s *RepositorySink) Write(ctx context.Context, _ string, anomalies []domain.AnomalyRecord) error {
	if len(anomalies) == 0 {
		return nil
	}
	return s.store.SaveAnomalies(ctx, anomalies)
}
