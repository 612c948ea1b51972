// Benchmark tool for measuring Kestrel detection quality on a synthetic,
// labelled ledger.
//
// Usage:
//
//	go run ./cmd/benchmark -accounts 200 -days 365 -spike-rate 0.01
//
// This tool:
//  1. Generates daily account balances with injected spikes (the labels)
//  2. Runs the statistical rule and the outlier model over the ledger
//  3. Reconciles the verdicts in every reconciliation mode
//  4. Prints the confusion matrix, precision, recall and F1 per mode
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/detection"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Metrics tracks benchmark results for one reconciliation mode.
type Metrics struct {
	Mode           domain.ReconciliationMode
	TruePositives  int
	FalsePositives int
	TrueNegatives  int
	FalseNegatives int
}

func (m Metrics) precision() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
}

func (m Metrics) recall() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
}

func (m Metrics) f1() float64 {
	p, r := m.precision(), m.recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

type ledgerOptions struct {
	accounts  int
	days      int
	spikeRate float64
	spikeMin  float64
	noise     float64
	seed      uint64
}

func main() {
	opts := ledgerOptions{}
	flag.IntVar(&opts.accounts, "accounts", 200, "Number of accounts")
	flag.IntVar(&opts.days, "days", 365, "Days of history per account")
	flag.Float64Var(&opts.spikeRate, "spike-rate", 0.01, "Share of account-days carrying an injected spike")
	flag.Float64Var(&opts.spikeMin, "spike-min", 3, "Minimum spike size as a multiple of the account baseline")
	flag.Float64Var(&opts.noise, "noise", 0.15, "Relative standard deviation of normal days")
	seed := flag.Uint64("seed", 7, "Random seed for the generated ledger")
	threshold := flag.Float64("threshold", 100, "Percentage threshold for the statistical rule")
	contamination := flag.Float64("contamination", detection.DefaultContamination, "Outlier model contamination")
	trees := flag.Int("trees", detection.DefaultTreeCount, "Outlier model tree count")
	flag.Parse()
	opts.seed = *seed

	if opts.accounts <= 0 || opts.days < 2 || opts.spikeRate < 0 || opts.spikeRate >= 1 {
		fmt.Fprintln(os.Stderr, "Usage: benchmark [-accounts N] [-days N] [-spike-rate 0..1)")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("KESTREL BENCHMARK - synthetic ledger")
	fmt.Printf("\nAccounts:      %d\n", opts.accounts)
	fmt.Printf("Days:          %d\n", opts.days)
	fmt.Printf("Spike rate:    %.3f\n", opts.spikeRate)
	fmt.Printf("Threshold:     %.1f%%\n", *threshold)
	fmt.Printf("Contamination: %.3f\n", *contamination)
	fmt.Println()

	records, labels := generateLedger(opts)
	spikes := 0
	for _, l := range labels {
		if l {
			spikes++
		}
	}
	fmt.Printf("Generated %d records, %d labelled spikes\n", len(records), spikes)

	ctx := context.Background()
	start := time.Now()
	results, err := evaluate(ctx, records, labels, *threshold, *contamination, *trees)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	printResults(results, time.Since(start))
}

// generateLedger builds one record per account and day. Each account has a
// positive baseline with gaussian noise; labelled days carry a spike of at
// least spikeMin times the baseline.
func generateLedger(opts ledgerOptions) ([]domain.TransactionRecord, map[domain.RecordKey]bool) {
	rng := rand.New(rand.NewPCG(opts.seed, opts.seed^0x9e3779b97f4a7c15))
	end := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
	start := end.AddDate(0, 0, -(opts.days - 1))

	records := make([]domain.TransactionRecord, 0, opts.accounts*opts.days)
	labels := make(map[domain.RecordKey]bool)

	for a := range opts.accounts {
		baseline := math.Round(100 + rng.Float64()*9900)
		id := fmt.Sprintf("acc-%04d", a)
		for d := range opts.days {
			amount := baseline * (1 + rng.NormFloat64()*opts.noise)
			spike := rng.Float64() < opts.spikeRate
			if spike {
				amount = baseline * (opts.spikeMin + rng.Float64()*opts.spikeMin)
			}
			rec := domain.TransactionRecord{
				AccountID:     id,
				AccountNumber: fmt.Sprintf("%06d", 100000+a),
				AccountName:   "Synthetic account " + id,
				Date:          start.AddDate(0, 0, d),
				Amount:        decimal.NewFromFloat(amount).Round(2),
			}
			records = append(records, rec)
			if spike {
				labels[rec.Key()] = true
			}
		}
	}
	return records, labels
}

func evaluate(ctx context.Context, records []domain.TransactionRecord, labels map[domain.RecordKey]bool, threshold, contamination float64, trees int) ([]Metrics, error) {
	engine, err := rules.NewEngine(runtime.NumCPU())
	if err != nil {
		return nil, err
	}
	defer engine.Close()

	statistical, err := detection.NewStatisticalDetector(engine, threshold, detection.DefaultUniverse)
	if err != nil {
		return nil, err
	}
	outlier, err := detection.NewOutlierDetector(contamination, trees, detection.DefaultRandomSeed)
	if err != nil {
		return nil, err
	}

	batch := features.Build(records)
	st, err := statistical.Detect(ctx, batch)
	if err != nil {
		return nil, err
	}
	ol, err := outlier.Detect(ctx, batch)
	if err != nil {
		return nil, err
	}

	var out []Metrics
	for _, mode := range []domain.ReconciliationMode{domain.ModeUnion, domain.ModeOutlierOnly} {
		anomalies := detection.NewReconciler(mode).Reconcile(detection.ReconcileInput{
			RunID:       "benchmark",
			Threshold:   threshold,
			Batch:       batch,
			Statistical: st,
			Outlier:     ol,
		})
		flagged := make(map[domain.RecordKey]bool, len(anomalies))
		for _, a := range anomalies {
			flagged[a.Key()] = true
		}

		m := Metrics{Mode: mode}
		for _, rec := range batch.Records {
			predicted, actual := flagged[rec.Key()], labels[rec.Key()]
			switch {
			case predicted && actual:
				m.TruePositives++
			case predicted:
				m.FalsePositives++
			case actual:
				m.FalseNegatives++
			default:
				m.TrueNegatives++
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func printResults(results []Metrics, duration time.Duration) {
	fmt.Printf("\nDetection took %s\n\n", duration.Round(time.Millisecond))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "mode\tTP\tFP\tTN\tFN\tprecision\trecall\tF1\t")
	for _, m := range results {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.3f\t%.3f\t%.3f\t\n",
			m.Mode, m.TruePositives, m.FalsePositives, m.TrueNegatives, m.FalseNegatives,
			m.precision(), m.recall(), m.f1())
	}
	w.Flush()
}
