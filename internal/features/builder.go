// Package features derives per-account statistics and per-record features
// from a run's transaction batch.
package features

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Batch is the run-scoped state shared by both detectors. It is built once
// per run and never reused across runs.
type Batch struct {
	Records  []domain.TransactionRecord
	Features []domain.FeatureVector
	Stats    map[string]domain.AccountStatistics
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int {
	return len(b.Records)
}

// StatsFor returns the statistics of the account owning record i.
func (b *Batch) StatsFor(i int) domain.AccountStatistics {
	return b.Stats[b.Records[i].AccountID]
}

// ModelEligible reports whether record i may be scored by the outlier model:
// every feature finite and the account has at least two records.
func (b *Batch) ModelEligible(i int) bool {
	return b.StatsFor(i).SufficientHistory() && b.Features[i].Complete()
}

// EligibleIndexes returns the model-eligible record indexes in input order.
func (b *Batch) EligibleIndexes() []int {
	idx := make([]int, 0, len(b.Records))
	for i := range b.Records {
		if b.ModelEligible(i) {
			idx = append(idx, i)
		}
	}
	return idx
}

// Build groups records by account, computes account statistics and derives
// a feature vector for every record. Input order is preserved.
func Build(records []domain.TransactionRecord) *Batch {
	b := &Batch{
		Records:  records,
		Features: make([]domain.FeatureVector, len(records)),
		Stats:    make(map[string]domain.AccountStatistics),
	}

	amounts := make(map[string][]float64)
	for _, r := range records {
		amounts[r.AccountID] = append(amounts[r.AccountID], r.AmountFloat())
	}
	for accountID, values := range amounts {
		b.Stats[accountID] = Summarize(accountID, values)
	}

	for i, r := range records {
		b.Features[i] = Derive(r.AmountFloat(), b.Stats[r.AccountID])
	}

	return b
}

// Summarize computes the aggregate statistics of one account. The standard
// deviation is the sample (n-1) estimate and is undefined below two values.
func Summarize(accountID string, values []float64) domain.AccountStatistics {
	s := domain.AccountStatistics{AccountID: accountID, Count: len(values)}
	if len(values) == 0 {
		return s
	}

	s.Min = floats.Min(values)
	s.Max = floats.Max(values)
	s.Median = median(values)

	if len(values) < 2 {
		s.Mean = values[0]
		return s
	}

	s.Mean, s.StdDev = stat.MeanStdDev(values, nil)
	s.HasStdDev = !math.IsNaN(s.StdDev)
	return s
}

// Derive computes the feature vector of one amount against its account.
func Derive(amount float64, s domain.AccountStatistics) domain.FeatureVector {
	f := domain.FeatureVector{
		Amount:               amount,
		AccountYearlyAverage: s.Mean,
	}
	if s.Mean != 0 {
		f.RatioVsAverage = finitePtr(amount / s.Mean)
	}
	if s.HasStdDev && s.StdDev != 0 {
		f.ZScore = finitePtr((amount - s.Mean) / s.StdDev)
	}
	if s.Median != 0 {
		f.PctDiffFromMedian = finitePtr((amount - s.Median) / s.Median * 100)
	}
	return f
}

// AggregateDaily merges records sharing an (account, day) key by summing
// their amounts, so every key appears once. The first record of a key
// provides the account number and name. Output is ordered by account then
// date.
func AggregateDaily(records []domain.TransactionRecord) []domain.TransactionRecord {
	index := make(map[domain.RecordKey]int, len(records))
	out := make([]domain.TransactionRecord, 0, len(records))

	for _, r := range records {
		r.Date = truncateDay(r.Date)
		k := r.Key()
		if i, ok := index[k]; ok {
			out[i].Amount = out[i].Amount.Add(r.Amount)
			continue
		}
		index[k] = len(out)
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

// Total returns the sum of all amounts in records.
func Total(records []domain.TransactionRecord) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range records {
		sum = sum.Add(r.Amount)
	}
	return sum
}

func truncateDay(t time.Time) time.Time {
	d := t.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func finitePtr(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
