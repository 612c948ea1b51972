// Package pipeline runs one batch detection end to end: load the window,
// detect, alert, persist.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/detection"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/narrative"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// DefaultAlertWorkers bounds concurrent compose+dispatch work per run.
const DefaultAlertWorkers = 4

var tracer = otel.Tracer("kestrel-pipeline")

// Composer turns an anomaly into an alert payload.
type Composer interface {
	Compose(ctx context.Context, a domain.AnomalyRecord) (domain.AlertPayload, narrative.Result)
}

// Dispatcher delivers a payload on every enabled channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, p domain.AlertPayload) []domain.Delivery
}

// Summarizer is implemented by dispatchers that also deliver a run-level
// digest after the individual alerts.
type Summarizer interface {
	Summarize(ctx context.Context, r domain.RunReport) []domain.Delivery
}

// ReportWriter receives the anomalies of a completed run.
type ReportWriter interface {
	Write(ctx context.Context, runID string, anomalies []domain.AnomalyRecord) error
}

// RunStore persists run summaries.
type RunStore interface {
	SaveRun(ctx context.Context, run *domain.RunSummary) error
}

// Deps are the collaborators of a Runner. Publisher, Reports and Runs are
// optional; Settings is only needed when no explicit threshold is set.
type Deps struct {
	Source     domain.TransactionSource
	Settings   domain.SettingsStore
	Composer   Composer
	Dispatcher Dispatcher
	Publisher  domain.EventPublisher
	Reports    ReportWriter
	Runs       RunStore
	Logger     *slog.Logger
}

// Runner executes detection runs. A Runner is safe for sequential reuse;
// callers serialize concurrent runs.
type Runner struct {
	detection    domain.DetectionConfig
	alertWorkers int
	namespace    string
	attachReport bool

	deps   Deps
	engine *rules.Engine
	logger *slog.Logger

	now   func() time.Time
	newID func() string
}

// New validates the wiring and prepares the rule engine.
func New(cfg *domain.Config, deps Deps) (*Runner, error) {
	if deps.Source == nil {
		return nil, &domain.ConfigError{Field: "source", Reason: "no transaction source"}
	}
	if deps.Composer == nil || deps.Dispatcher == nil {
		return nil, errors.New("pipeline requires a composer and a dispatcher")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	engine, err := rules.NewEngine(runtime.NumCPU())
	if err != nil {
		return nil, fmt.Errorf("create rule engine: %w", err)
	}
	if err := engine.Validate(cfg.Detection.StatisticalUniverse); err != nil {
		return nil, &domain.ConfigError{Field: "detection.statisticalUniverse", Reason: err.Error()}
	}

	workers := cfg.Pipeline.AlertWorkers
	if workers <= 0 {
		workers = DefaultAlertWorkers
	}
	namespace := cfg.EventBus.Namespace
	if namespace == "" {
		namespace = "default"
	}

	return &Runner{
		detection:    cfg.Detection,
		alertWorkers: workers,
		namespace:    namespace,
		attachReport: cfg.Channels.Email.Enabled && cfg.Channels.Email.AttachReport,
		deps:         deps,
		engine:       engine,
		logger:       deps.Logger,
		now:          time.Now,
		newID:        uuid.NewString,
	}, nil
}

// Close releases the rule engine.
func (r *Runner) Close() error {
	return r.engine.Close()
}

// Run executes one batch run. Fatal errors (configuration, unreachable
// source) and cancellation return a non-nil error together with the
// summary recorded so far. Per-record and per-channel failures only show up
// in the summary.
func (r *Runner) Run(ctx context.Context) (*domain.RunSummary, error) {
	summary := &domain.RunSummary{
		RunID:              r.newID(),
		Status:             domain.RunStatusRunning,
		StartedAt:          r.now().UTC(),
		LookbackDays:       r.detection.LookbackDays,
		ReconciliationMode: r.mode(),
		Channels:           make(map[string]domain.ChannelStats),
	}
	logger := r.logger.With("run_id", summary.RunID)

	ctx, span := tracer.Start(ctx, "kestrel.run",
		trace.WithAttributes(attribute.String("run_id", summary.RunID)),
	)
	defer span.End()

	logger.Info("run started",
		"lookback_days", summary.LookbackDays,
		"reconciliation_mode", summary.ReconciliationMode,
	)

	anomalies, err := r.execute(ctx, summary, logger)
	if err != nil {
		summary.Error = err.Error()
		summary.Status = domain.RunStatusFailed
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			summary.Status = domain.RunStatusCancelled
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		summary.Status = domain.RunStatusCompleted
	}
	summary.FinishedAt = r.now().UTC()

	r.finish(ctx, summary, anomalies, logger)

	if err != nil {
		logger.Error("run failed", "status", summary.Status, "error", err)
		return summary, err
	}
	logger.Info("run completed",
		"records", summary.RecordsLoaded,
		"anomalies", summary.Anomalies,
		"duration_ms", summary.FinishedAt.Sub(summary.StartedAt).Milliseconds(),
	)
	return summary, nil
}

func (r *Runner) mode() domain.ReconciliationMode {
	mode, err := domain.ParseReconciliationMode(string(r.detection.ReconciliationMode))
	if err != nil {
		return domain.ModeUnion
	}
	return mode
}

// execute runs the load, detect and alert stages.
func (r *Runner) execute(ctx context.Context, summary *domain.RunSummary, logger *slog.Logger) ([]domain.AnomalyRecord, error) {
	threshold, err := detection.ResolveThreshold(ctx, r.detection.PercentageThreshold, r.deps.Settings, r.detection.ThresholdSettingKey)
	if err != nil {
		return nil, err
	}
	summary.ThresholdUsed = threshold

	statistical, err := detection.NewStatisticalDetector(r.engine, threshold, r.detection.StatisticalUniverse)
	if err != nil {
		return nil, err
	}
	outlier, err := detection.NewOutlierDetector(r.detection.Contamination, r.detection.TreeCount, r.detection.RandomSeed)
	if err != nil {
		return nil, err
	}

	// Load
	records, err := r.load(ctx, summary)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Detect
	anomalies, err := r.detect(ctx, summary, records, statistical, outlier, threshold)
	if err != nil {
		return nil, err
	}
	logger.Info("detection finished",
		"statistical_flags", summary.StatisticalFlags,
		"outlier_flags", summary.OutlierFlags,
		"model_eligible", summary.ModelEligible,
		"anomalies", summary.Anomalies,
	)
	if err := ctx.Err(); err != nil {
		return anomalies, err
	}

	// Alert
	if err := r.alert(ctx, summary, anomalies, logger); err != nil {
		return anomalies, err
	}
	if err := ctx.Err(); err != nil {
		return anomalies, err
	}

	r.summarize(ctx, summary, anomalies, threshold, logger)
	return anomalies, nil
}

func (r *Runner) load(ctx context.Context, summary *domain.RunSummary) ([]domain.TransactionRecord, error) {
	ctx, span := tracer.Start(ctx, "kestrel.load")
	defer span.End()

	since := r.now().UTC().AddDate(0, 0, -r.detection.LookbackDays).Truncate(24 * time.Hour)
	records, skipped, err := r.deps.Source.LoadTransactions(ctx, since)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	summary.RecordsLoaded = len(records)
	summary.RecordsSkipped = skipped
	span.SetAttributes(
		attribute.Int("records", len(records)),
		attribute.Int("skipped", skipped),
	)
	return records, nil
}

func (r *Runner) detect(ctx context.Context, summary *domain.RunSummary, records []domain.TransactionRecord,
	statistical *detection.StatisticalDetector, outlier *detection.OutlierDetector, threshold float64,
) ([]domain.AnomalyRecord, error) {
	ctx, span := tracer.Start(ctx, "kestrel.detect")
	defer span.End()

	batch := features.Build(records)
	summary.Accounts = len(batch.Stats)

	stResults, err := statistical.Detect(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("statistical detection: %w", err)
	}
	olResults, err := outlier.Detect(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("outlier detection: %w", err)
	}

	for i := range batch.Records {
		if stResults[i].Flagged {
			summary.StatisticalFlags++
		}
		if olResults[i].Scored {
			summary.ModelEligible++
		}
		if olResults[i].Flagged {
			summary.OutlierFlags++
		}
	}

	reconciler := detection.NewReconciler(summary.ReconciliationMode)
	reconciler.Now = r.now
	anomalies := reconciler.Reconcile(detection.ReconcileInput{
		RunID:       summary.RunID,
		Threshold:   threshold,
		Batch:       batch,
		Statistical: stResults,
		Outlier:     olResults,
	})
	summary.Anomalies = len(anomalies)

	span.SetAttributes(
		attribute.Int("statistical_flags", summary.StatisticalFlags),
		attribute.Int("outlier_flags", summary.OutlierFlags),
		attribute.Int("anomalies", len(anomalies)),
	)
	return anomalies, nil
}

// alert composes and dispatches every anomaly on a bounded worker pool.
// Cancellation stops new alerts from starting; alerts already in flight
// complete against a detached context.
func (r *Runner) alert(ctx context.Context, summary *domain.RunSummary, anomalies []domain.AnomalyRecord, logger *slog.Logger) error {
	if len(anomalies) == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "kestrel.alert",
		trace.WithAttributes(attribute.Int("alerts", len(anomalies))),
	)
	defer span.End()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, r.alertWorkers)
	)

	for i := range anomalies {
		if ctx.Err() != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(a domain.AnomalyRecord) {
			defer wg.Done()
			defer func() { <-sem }()

			inflight := context.WithoutCancel(ctx)
			payload, res := r.deps.Composer.Compose(inflight, a)
			deliveries := r.deps.Dispatcher.Dispatch(inflight, payload)

			r.publish(inflight, domain.TopicAnomalyDetected, a, logger)

			mu.Lock()
			defer mu.Unlock()
			if payload.NarrativeSource == domain.NarrativeTemplate {
				summary.NarrativeFallbacks++
			}
			for _, d := range deliveries {
				summary.RecordDelivery(d)
			}
			logger.Debug("alert processed",
				"account_id", a.AccountID,
				"date", a.Date.Format(domain.DateLayout),
				"narrative", res.Kind.String(),
				"deliveries", len(deliveries),
			)
		}(anomalies[i])
	}

	wg.Wait()
	return ctx.Err()
}

// summarize sends the run digest once, with the CSV export attached when
// configured. Deliveries are counted like alert deliveries.
func (r *Runner) summarize(ctx context.Context, summary *domain.RunSummary, anomalies []domain.AnomalyRecord, threshold float64, logger *slog.Logger) {
	s, ok := r.deps.Dispatcher.(Summarizer)
	if !ok || len(anomalies) == 0 {
		return
	}
	ctx, span := tracer.Start(context.WithoutCancel(ctx), "kestrel.summarize")
	defer span.End()

	digest := domain.RunReport{
		RunID:       summary.RunID,
		GeneratedAt: r.now().UTC(),
		Threshold:   threshold,
		Anomalies:   anomalies,
	}
	if r.attachReport {
		data, err := report.EncodeCSV(anomalies)
		if err != nil {
			logger.Warn("report attachment skipped", "error", err)
		} else {
			digest.Attachment = &domain.Attachment{
				Filename:    report.Filename(summary.StartedAt),
				ContentType: "text/csv",
				Data:        data,
			}
		}
	}

	for _, d := range s.Summarize(ctx, digest) {
		summary.RecordDelivery(d)
	}
}

// finish writes reports, publishes the completion event and stores the run.
// It runs detached from ctx so a cancelled run is still recorded.
func (r *Runner) finish(ctx context.Context, summary *domain.RunSummary, anomalies []domain.AnomalyRecord, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()
	ctx, span := tracer.Start(ctx, "kestrel.persist")
	defer span.End()

	if summary.Status == domain.RunStatusCompleted && r.deps.Reports != nil {
		if err := r.deps.Reports.Write(ctx, summary.RunID, anomalies); err != nil {
			logger.Warn("report write failed", "error", err)
		}
	}

	r.publish(ctx, domain.TopicRunCompleted, summary, logger)

	if r.deps.Runs != nil {
		if err := r.deps.Runs.SaveRun(ctx, summary); err != nil {
			logger.Warn("run summary not persisted", "error", err)
		}
	}
}

func (r *Runner) publish(ctx context.Context, topic string, v any, logger *slog.Logger) {
	if r.deps.Publisher == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		logger.Warn("event encoding failed", "topic", topic, "error", err)
		return
	}
	if err := r.deps.Publisher.Publish(ctx, r.namespace, topic, payload); err != nil {
		logger.Warn("event publish failed", "topic", topic, "error", err)
	}
}
