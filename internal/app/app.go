// Package app wires the Kestrel components from a validated configuration.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/dispatch"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/gateway"
	"github.com/opensource-finance/kestrel/internal/narrative"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// App holds the wired components. Repo is nil when nothing needs the SQL
// store.
type App struct {
	Config     *domain.Config
	Repo       *repository.SQLRepository
	Cache      domain.Cache
	Publisher  domain.EventPublisher
	Composer   *narrative.Composer
	Dispatcher *dispatch.Dispatcher
	Reports    *report.Writer
	Runner     *pipeline.Runner

	closers []func() error
}

// Options tune Build.
type Options struct {
	// NeedRepository forces the SQL store open, e.g. for the API.
	NeedRepository bool

	// HTTPClient is used by the narrative generator.
	HTTPClient *http.Client
}

// Build opens every component. Configuration errors and an unreachable SQL
// store are fatal; an unreachable cache or event bus degrades to the
// in-memory cache and discarded events.
func Build(ctx context.Context, cfg *domain.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg}

	needRepo := opts.NeedRepository || cfg.Source.Type != "csv" || cfg.Report.HasSink("repository")
	if needRepo {
		repo, err := repository.New(cfg.Repository)
		if err != nil {
			return nil, err
		}
		a.Repo = repo
		a.closers = append(a.closers, repo.Close)
		logger.Info("repository initialized", "driver", cfg.Repository.Driver)
	}

	var source domain.TransactionSource
	switch cfg.Source.Type {
	case "csv":
		source = gateway.NewCSVTransactionSource(cfg.Source.CSVPath, logger)
	default:
		source = a.Repo
	}

	c, err := cache.New(ctx, cfg.Cache)
	if err != nil {
		if errors.Is(err, domain.ErrConfiguration) {
			a.Close()
			return nil, err
		}
		logger.Warn("cache unavailable, using in-memory cache", "type", cfg.Cache.Type, "error", err)
		c = cache.NewLRUCache(cfg.Cache.LocalMaxSize, cfg.Cache.LocalTTL)
	}
	a.Cache = c
	a.closers = append(a.closers, c.Close)

	pub, err := bus.New(ctx, cfg.EventBus)
	if err != nil {
		if errors.Is(err, domain.ErrConfiguration) {
			a.Close()
			return nil, err
		}
		logger.Warn("event bus unavailable, events will be discarded", "type", cfg.EventBus.Type, "error", err)
		pub = bus.Discard{}
	}
	a.Publisher = pub
	a.closers = append(a.closers, pub.Close)

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	generator, err := narrative.New(ctx, cfg.Narrative, client)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Composer = narrative.NewComposer(generator, cfg.Narrative,
		narrative.WithCache(c, cfg.EventBus.Namespace, cfg.Narrative.CacheTTL),
		narrative.WithLogger(logger),
	)

	a.Dispatcher = dispatch.New(cfg.Channels, cfg.CompanyName, logger)

	var store report.AnomalyStore
	var settings domain.SettingsStore
	var runs pipeline.RunStore
	if a.Repo != nil {
		store, settings, runs = a.Repo, a.Repo, a.Repo
	}

	reports, closeReports, err := report.New(ctx, cfg.Report, store, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Reports = reports
	a.closers = append(a.closers, closeReports)

	runner, err := pipeline.New(cfg, pipeline.Deps{
		Source:     source,
		Settings:   settings,
		Composer:   a.Composer,
		Dispatcher: a.Dispatcher,
		Publisher:  pub,
		Reports:    reports,
		Runs:       runs,
		Logger:     logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Runner = runner
	a.closers = append(a.closers, runner.Close)

	logger.Info("components initialized",
		"source", cfg.Source.Type,
		"cache", cfg.Cache.Type,
		"event_bus", cfg.EventBus.Type,
		"narrative", cfg.Narrative.Backend,
		"channels", a.Dispatcher.Channels(),
		"report_sinks", reports.Sinks(),
	)
	return a, nil
}

// Close releases components in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
