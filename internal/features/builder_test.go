package features

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func rec(account string, day int, amount float64) domain.TransactionRecord {
	return domain.TransactionRecord{
		AccountID:     account,
		AccountNumber: "N-" + account,
		AccountName:   "Account " + account,
		Date:          time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC),
		Amount:        decimal.NewFromFloat(amount),
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize("A", []float64{100, 100, 100, 1000})

	assert.Equal(t, 4, s.Count)
	assert.InDelta(t, 325.0, s.Mean, 1e-9)
	assert.InDelta(t, 450.0, s.StdDev, 1e-9)
	assert.True(t, s.HasStdDev)
	assert.Equal(t, 100.0, s.Min)
	assert.Equal(t, 1000.0, s.Max)
	assert.Equal(t, 100.0, s.Median)
	assert.True(t, s.SufficientHistory())
}

func TestSummarizeSingleRecord(t *testing.T) {
	s := Summarize("A", []float64{42})

	assert.Equal(t, 1, s.Count)
	assert.Equal(t, 42.0, s.Mean)
	assert.False(t, s.HasStdDev)
	assert.False(t, s.SufficientHistory())
}

func TestSummarizeEvenMedian(t *testing.T) {
	s := Summarize("A", []float64{4, 1, 3, 2})
	assert.Equal(t, 2.5, s.Median)
}

func TestDerive(t *testing.T) {
	s := Summarize("A", []float64{100, 100, 100, 1000})
	f := Derive(1000, s)

	require.True(t, f.Complete())
	assert.InDelta(t, 1000.0/325.0, *f.RatioVsAverage, 1e-9)
	assert.InDelta(t, 1.5, *f.ZScore, 1e-9)
	assert.InDelta(t, 900.0, *f.PctDiffFromMedian, 1e-9)
	assert.Len(t, f.Values(), len(domain.FeatureNames))
}

func TestDeriveUndefinedFeatures(t *testing.T) {
	t.Run("zero mean", func(t *testing.T) {
		s := Summarize("A", []float64{-50, 50})
		f := Derive(50, s)
		assert.Nil(t, f.RatioVsAverage)
		assert.False(t, f.Complete())
	})

	t.Run("zero stddev", func(t *testing.T) {
		s := Summarize("A", []float64{10, 10, 10})
		f := Derive(10, s)
		assert.Nil(t, f.ZScore)
		assert.False(t, f.Complete())
	})

	t.Run("single record", func(t *testing.T) {
		s := Summarize("A", []float64{10})
		f := Derive(10, s)
		assert.Nil(t, f.ZScore)
		assert.NotNil(t, f.RatioVsAverage)
	})
}

func TestBuild(t *testing.T) {
	records := []domain.TransactionRecord{
		rec("A", 1, 100),
		rec("A", 2, 120),
		rec("B", 1, 50),
		rec("A", 3, 1000),
	}

	b := Build(records)

	require.Equal(t, 4, b.Len())
	assert.Len(t, b.Stats, 2)
	assert.Equal(t, 3, b.Stats["A"].Count)
	assert.Equal(t, 1, b.Stats["B"].Count)

	// Input order is preserved.
	assert.Equal(t, 1000.0, b.Features[3].Amount)

	assert.True(t, b.ModelEligible(0))
	assert.False(t, b.ModelEligible(2), "single-record account is not eligible")
	assert.Equal(t, []int{0, 1, 3}, b.EligibleIndexes())
}

func TestBuildEmpty(t *testing.T) {
	b := Build(nil)
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.EligibleIndexes())
}

func TestAggregateDaily(t *testing.T) {
	late := rec("A", 1, 25)
	late.Date = late.Date.Add(15 * time.Hour)
	late.AccountName = "Renamed"

	records := []domain.TransactionRecord{
		rec("B", 2, 10),
		rec("A", 2, 5),
		rec("A", 1, 100),
		late,
		rec("A", 1, -40),
	}

	out := AggregateDaily(records)

	require.Len(t, out, 3)
	assert.Equal(t, "A", out[0].AccountID)
	assert.Equal(t, "2024-01-01", out[0].Date.Format(domain.DateLayout))
	assert.True(t, decimal.NewFromInt(85).Equal(out[0].Amount), "got %s", out[0].Amount)
	assert.Equal(t, "Account A", out[0].AccountName)
	assert.Equal(t, "2024-01-02", out[1].Date.Format(domain.DateLayout))
	assert.Equal(t, "B", out[2].AccountID)

	seen := make(map[domain.RecordKey]bool)
	for _, r := range out {
		assert.False(t, seen[r.Key()], "duplicate key %v", r.Key())
		seen[r.Key()] = true
	}

	assert.True(t, Total(records).Equal(Total(out)))
}
