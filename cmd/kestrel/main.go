// Kestrel - Ledger anomaly detection with narrated alerts.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/app"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const usage = `usage: kestrel [run|serve|version]

  run      execute one detection run and exit (default)
  serve    start the HTTP API; runs are triggered with POST /runs
  version  print version information
`

func main() {
	cmd := "run"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "run", "serve":
	case "version", "-v", "--version":
		fmt.Printf("kestrel %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"command", cmd,
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	if !cfg.Tracing.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	a, err := app.Build(ctx, cfg, logger, app.Options{NeedRepository: cmd == "serve"})
	if err != nil {
		slog.Error("failed to initialize", "error", err)
		os.Exit(1)
	}

	var code int
	if cmd == "serve" {
		code = serve(ctx, a, logger)
	} else {
		code = runOnce(ctx, a)
	}

	if err := a.Close(); err != nil {
		slog.Warn("error during shutdown", "error", err)
	}
	os.Exit(code)
}

func runOnce(ctx context.Context, a *app.App) int {
	summary, err := a.Runner.Run(ctx)
	if err != nil {
		slog.Error("run failed", "run_id", summary.RunID, "status", summary.Status, "error", err)
		return 1
	}
	slog.Info("run completed", runAttrs(summary)...)
	return 0
}

// runAttrs flattens a run summary into log attributes, one sent/failed
// pair per channel.
func runAttrs(s *domain.RunSummary) []any {
	attrs := []any{
		"run_id", s.RunID,
		"records", s.RecordsLoaded,
		"records_skipped", s.RecordsSkipped,
		"statistical_flags", s.StatisticalFlags,
		"outlier_flags", s.OutlierFlags,
		"anomalies", s.Anomalies,
		"narrative_fallbacks", s.NarrativeFallbacks,
		"duration", s.FinishedAt.Sub(s.StartedAt).String(),
	}
	names := make([]string, 0, len(s.Channels))
	for name := range s.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := s.Channels[name]
		attrs = append(attrs, slog.Group(name, "sent", st.Sent, "failed", st.Failed))
	}
	return attrs
}

func serve(ctx context.Context, a *app.App, logger *slog.Logger) int {
	if eb, ok := a.Publisher.(domain.EventBus); ok {
		if _, err := eb.Subscribe(ctx, a.Config.EventBus.Namespace, domain.TopicRunCompleted, bus.LogHandler(logger)); err != nil {
			slog.Warn("failed to subscribe to run events", "error", err)
		}
	}

	server := api.NewServer(a.Config.Server, a.Repo, a.Runner, Version)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening",
			"address", fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port),
		)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	code := 0
	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("server error", "error", err)
		code = 1
	}

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	slog.Info("kestrel stopped")
	return code
}
