package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the day-precision layout used for ledger dates on the wire.
const DateLayout = "2006-01-02"

// TransactionRecord is one aggregated ledger movement for an account on a day.
// Amount is signed: debit minus credit.
type TransactionRecord struct {
	AccountID     string          `json:"accountId"`
	AccountNumber string          `json:"accountNumber"`
	AccountName   string          `json:"accountName"`
	Date          time.Time       `json:"date"`
	Amount        decimal.Decimal `json:"amount"`
}

// Key identifies a record within a run. Records are unique by key after
// daily aggregation.
func (r TransactionRecord) Key() RecordKey {
	return RecordKey{AccountID: r.AccountID, Date: r.Date.UTC().Format(DateLayout)}
}

// AmountFloat returns the amount as a float64 for feature math.
func (r TransactionRecord) AmountFloat() float64 {
	f, _ := r.Amount.Float64()
	return f
}

// RecordKey is the (account, day) deduplication key.
type RecordKey struct {
	AccountID string
	Date      string
}

// AccountStatistics holds per-account aggregates over the lookback window.
// They are recomputed on every run and never persisted.
type AccountStatistics struct {
	AccountID string  `json:"accountId"`
	Mean      float64 `json:"mean"`
	StdDev    float64 `json:"stdDev"`
	HasStdDev bool    `json:"hasStdDev"` // false when Count < 2
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Median    float64 `json:"median"`
	Count     int     `json:"count"`
}

// SufficientHistory reports whether the account has enough rows for the
// outlier model.
func (s AccountStatistics) SufficientHistory() bool {
	return s.Count >= 2 && s.HasStdDev
}

// FeatureVector is the derived feature set for a single record.
// Nil components are undefined (zero denominator or non-finite value).
type FeatureVector struct {
	Amount               float64  `json:"amount"`
	AccountYearlyAverage float64  `json:"accountYearlyAverage"`
	RatioVsAverage       *float64 `json:"ratioVsAverage,omitempty"`
	ZScore               *float64 `json:"zScore,omitempty"`
	PctDiffFromMedian    *float64 `json:"pctDiffFromMedian,omitempty"`
}

// Complete reports whether every component is defined and finite.
func (f FeatureVector) Complete() bool {
	if !finite(f.Amount) || !finite(f.AccountYearlyAverage) {
		return false
	}
	for _, p := range []*float64{f.RatioVsAverage, f.ZScore, f.PctDiffFromMedian} {
		if p == nil || !finite(*p) {
			return false
		}
	}
	return true
}

// Values returns the five model features in a fixed column order.
// Callers must check Complete first.
func (f FeatureVector) Values() []float64 {
	return []float64{f.Amount, f.AccountYearlyAverage, *f.RatioVsAverage, *f.ZScore, *f.PctDiffFromMedian}
}

// FeatureNames lists the model columns in the order returned by Values.
var FeatureNames = []string{"amount", "account_yearly_average", "ratio_vs_average", "z_score", "pct_diff_from_median"}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
