// Package detection implements the statistical threshold rule, the
// isolation-forest outlier model and the reconciliation of their verdicts.
package detection

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// DefaultUniverse restricts the statistical rule to positive (debit-side)
// amounts.
const DefaultUniverse = "amount > 0.0"

// StatisticalResult is the statistical verdict for one record.
type StatisticalResult struct {
	// Evaluated is false when the record is outside the universe or its
	// account mean is zero.
	Evaluated bool

	// AccountMean is the account average over its in-universe records.
	AccountMean        float64
	PctDiffFromAverage float64
	Flagged            bool
}

// StatisticalDetector flags records whose percentage deviation from their
// account mean meets or exceeds a threshold.
type StatisticalDetector struct {
	Threshold float64
	universe  *rules.Predicate
	engine    *rules.Engine
}

// NewStatisticalDetector compiles the universe predicate. The threshold has
// no default and must be resolved by the caller.
func NewStatisticalDetector(engine *rules.Engine, threshold float64, universe string) (*StatisticalDetector, error) {
	if math.IsNaN(threshold) || math.IsInf(threshold, 0) {
		return nil, &domain.ConfigError{Field: "detection.percentageThreshold", Reason: "must be a finite number"}
	}
	if strings.TrimSpace(universe) == "" {
		universe = DefaultUniverse
	}

	p, err := engine.Compile(universe)
	if err != nil {
		return nil, &domain.ConfigError{Field: "detection.statisticalUniverse", Reason: err.Error()}
	}

	return &StatisticalDetector{Threshold: threshold, universe: p, engine: engine}, nil
}

// Detect evaluates every record of the batch. The result is index-aligned
// with b.Records.
func (d *StatisticalDetector) Detect(ctx context.Context, b *features.Batch) ([]StatisticalResult, error) {
	inputs := make([]rules.Input, b.Len())
	for i, r := range b.Records {
		s := b.StatsFor(i)
		inputs[i] = rules.Input{
			AccountID:    r.AccountID,
			Amount:       r.AmountFloat(),
			AccountMean:  s.Mean,
			AccountCount: s.Count,
		}
	}

	inUniverse, err := d.engine.MatchAll(ctx, d.universe, inputs)
	if err != nil {
		return nil, fmt.Errorf("statistical universe: %w", err)
	}

	means := universeMeans(b, inUniverse)

	results := make([]StatisticalResult, b.Len())
	for i, r := range b.Records {
		if !inUniverse[i] {
			continue
		}
		mean := means[r.AccountID]
		if mean == 0 {
			continue
		}

		pct := (inputs[i].Amount - mean) / mean * 100
		results[i] = StatisticalResult{
			Evaluated:          true,
			AccountMean:        mean,
			PctDiffFromAverage: pct,
			Flagged:            pct >= d.Threshold,
		}
	}
	return results, nil
}

// universeMeans averages each account over its records inside the universe
// only, so the rule compares a record with the population it belongs to.
func universeMeans(b *features.Batch, inUniverse []bool) map[string]float64 {
	amounts := make(map[string][]float64)
	for i, r := range b.Records {
		if inUniverse[i] {
			amounts[r.AccountID] = append(amounts[r.AccountID], r.AmountFloat())
		}
	}
	means := make(map[string]float64, len(amounts))
	for id, values := range amounts {
		means[id] = stat.Mean(values, nil)
	}
	return means
}

// ResolveThreshold returns the explicit threshold when set, otherwise the
// numeric value stored under key in the settings store. A missing or
// non-numeric value is a configuration error; the threshold is never
// defaulted.
func ResolveThreshold(ctx context.Context, explicit *float64, store domain.SettingsStore, key string) (float64, error) {
	if explicit != nil {
		return *explicit, nil
	}
	if store == nil || strings.TrimSpace(key) == "" {
		return 0, &domain.ConfigError{Field: "detection.percentageThreshold", Reason: "no threshold configured"}
	}

	raw, err := store.GetSetting(ctx, key)
	if err != nil {
		if domain.IsFatal(err) {
			return 0, err
		}
		return 0, &domain.ConfigError{Field: "settings." + key, Reason: err.Error()}
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &domain.ConfigError{Field: "settings." + key, Reason: fmt.Sprintf("non-numeric threshold %q", raw)}
	}
	return v, nil
}
