package detection

import (
	"context"
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

// Default outlier model parameters.
const (
	DefaultContamination = 0.02
	DefaultTreeCount     = 100
	DefaultRandomSeed    = 42
)

// OutlierResult is the model verdict for one record.
type OutlierResult struct {
	// Scored is false for records that were not model-eligible.
	Scored  bool
	Score   float64
	Flagged bool
}

// OutlierDetector scores eligible records with an isolation forest and flags
// the lowest-scoring contamination share of them.
type OutlierDetector struct {
	Contamination float64
	TreeCount     int
	Seed          int64
}

// NewOutlierDetector validates the model parameters.
func NewOutlierDetector(contamination float64, treeCount int, seed int64) (*OutlierDetector, error) {
	if contamination <= 0 || contamination > 0.5 || math.IsNaN(contamination) {
		return nil, &domain.ConfigError{Field: "detection.contamination", Reason: "must be in (0, 0.5]"}
	}
	if treeCount <= 0 {
		return nil, &domain.ConfigError{Field: "detection.treeCount", Reason: "must be positive"}
	}
	return &OutlierDetector{Contamination: contamination, TreeCount: treeCount, Seed: seed}, nil
}

// Detect scores the model-eligible records of b. The result is index-aligned
// with b.Records. Fewer than two eligible rows, or rows with no variance at
// all, are scored but nothing is flagged.
func (d *OutlierDetector) Detect(ctx context.Context, b *features.Batch) ([]OutlierResult, error) {
	results := make([]OutlierResult, b.Len())

	eligible := b.EligibleIndexes()
	if len(eligible) == 0 {
		return results, nil
	}

	rows := make([][]float64, len(eligible))
	for i, idx := range eligible {
		rows[i] = b.Features[idx].Values()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scaled := FitScaler(rows).Transform(rows)
	forest := &IsolationForest{TreeCount: d.TreeCount, SampleSize: DefaultSampleSize, Seed: d.Seed}
	forest.Fit(scaled)
	scores := forest.Score(scaled)

	for i, idx := range eligible {
		results[idx] = OutlierResult{Scored: true, Score: scores[i]}
	}

	if len(eligible) < 2 || constantRows(rows) {
		return results, nil
	}

	k := int(math.Round(d.Contamination * float64(len(eligible))))
	order := make([]int, len(eligible))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, c int) bool {
		return scores[order[a]] < scores[order[c]]
	})
	for _, pos := range order[:min(k, len(order))] {
		results[eligible[pos]].Flagged = true
	}

	return results, nil
}

func constantRows(rows [][]float64) bool {
	for _, r := range rows[1:] {
		for j, v := range r {
			if v != rows[0][j] {
				return false
			}
		}
	}
	return true
}
