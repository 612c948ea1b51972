package detection

import (
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

// Reconciler combines the two detector verdicts into anomaly records.
type Reconciler struct {
	Mode domain.ReconciliationMode
	Now  func() time.Time
}

// NewReconciler creates a reconciler for the given mode.
func NewReconciler(mode domain.ReconciliationMode) *Reconciler {
	return &Reconciler{Mode: mode, Now: time.Now}
}

// ReconcileInput carries the per-record verdicts of one run. Both verdict
// slices are index-aligned with Batch.Records.
type ReconcileInput struct {
	RunID       string
	Threshold   float64
	Batch       *features.Batch
	Statistical []StatisticalResult
	Outlier     []OutlierResult
}

// Reconcile returns the anomalies of a run, at most one per (account, date),
// ordered by account then date.
func (r *Reconciler) Reconcile(in ReconcileInput) []domain.AnomalyRecord {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	detectedAt := now().UTC()

	seen := make(map[domain.RecordKey]bool)
	var out []domain.AnomalyRecord

	for i, rec := range in.Batch.Records {
		var st StatisticalResult
		if i < len(in.Statistical) {
			st = in.Statistical[i]
		}
		var ol OutlierResult
		if i < len(in.Outlier) {
			ol = in.Outlier[i]
		}

		method, ok := r.decide(st.Flagged, ol.Flagged)
		if !ok {
			continue
		}

		key := rec.Key()
		if seen[key] {
			continue
		}
		seen[key] = true

		stats := in.Batch.StatsFor(i)
		a := domain.AnomalyRecord{
			TransactionRecord: rec,
			RunID:             in.RunID,
			DetectionMethod:   method,
			AccountAverage:    stats.Mean,
			RatioVsAverage:    in.Batch.Features[i].RatioVsAverage,
			DetectedAt:        detectedAt,
		}
		if ol.Scored {
			a.OutlierScore = ptr(ol.Score)
		}
		if st.Evaluated {
			if st.AccountMean != 0 {
				a.AccountAverage = st.AccountMean
				a.RatioVsAverage = ptr(rec.AmountFloat() / st.AccountMean)
			}
			a.ThresholdUsed = ptr(in.Threshold)
			a.PctDiffFromAverage = ptr(st.PctDiffFromAverage)
		} else if stats.Mean != 0 {
			a.PctDiffFromAverage = ptr((rec.AmountFloat() - stats.Mean) / stats.Mean * 100)
		}
		out = append(out, a)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

func (r *Reconciler) decide(statistical, outlier bool) (domain.DetectionMethod, bool) {
	switch r.Mode {
	case domain.ModeOutlierOnly:
		if outlier {
			return domain.MethodOutlierModel, true
		}
		return "", false
	default:
		switch {
		case statistical && outlier:
			return domain.MethodBoth, true
		case statistical:
			return domain.MethodStatisticalRule, true
		case outlier:
			return domain.MethodOutlierModel, true
		}
		return "", false
	}
}

func ptr(v float64) *float64 {
	return &v
}
