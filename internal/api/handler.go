package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// RunTrigger executes one batch run.
type RunTrigger interface {
	Run(ctx context.Context) (*domain.RunSummary, error)
}

// RunReader is the read side of the run store.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*domain.RunSummary, error)
	ListAnomalies(ctx context.Context, runID string) ([]domain.AnomalyRecord, error)
	Ping(ctx context.Context) error
}

// Handler holds dependencies for API handlers.
type Handler struct {
	store   RunReader
	runner  RunTrigger
	version string

	// runMu admits one run at a time.
	runMu sync.Mutex

	// runCtx outlives individual requests and ends at server shutdown.
	runCtx     context.Context
	cancelRuns context.CancelFunc
}

// NewHandler creates a handler. store or runner may be nil; the routes that
// need them then answer 503.
func NewHandler(store RunReader, runner RunTrigger, version string) *Handler {
	runCtx, cancel := context.WithCancel(context.Background())
	return &Handler{store: store, runner: runner, version: version, runCtx: runCtx, cancelRuns: cancel}
}

// CancelRuns cancels the run in progress, if any. Called on shutdown.
func (h *Handler) CancelRuns() {
	h.cancelRuns()
}

// RunResponse is the body of POST /runs.
type RunResponse struct {
	Run   *domain.RunSummary `json:"run"`
	Error string             `json:"error,omitempty"`
}

// AnomaliesResponse is the body of GET /runs/{id}/anomalies.
type AnomaliesResponse struct {
	RunID     string                 `json:"runId"`
	Count     int                    `json:"count"`
	Anomalies []domain.AnomalyRecord `json:"anomalies"`
}

// Health reports liveness and the repository state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready answers 200 once the repository answers a ping.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not configured")
		return
	}
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "repository unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// TriggerRun runs detection synchronously and returns the summary. A
// request arriving while another run is in progress gets 409. The run is
// not tied to the client connection; only server shutdown cancels it.
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "runner not configured")
		return
	}
	if !h.runMu.TryLock() {
		writeError(w, http.StatusConflict, "a run is already in progress")
		return
	}
	defer h.runMu.Unlock()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	stop := context.AfterFunc(h.runCtx, cancel)
	defer stop()

	summary, err := h.runner.Run(ctx)
	if err != nil {
		slog.Warn("run request failed",
			"request_id", GetRequestID(r.Context()),
			"error", err,
		)
		writeJSON(w, statusFor(err), RunResponse{Run: summary, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{Run: summary})
}

// GetRun returns a stored run summary.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not configured")
		return
	}
	id := chi.URLParam(r, "id")
	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), errorText(err, "run not found"))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ListAnomalies returns the anomalies of a stored run.
func (h *Handler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetRun(r.Context(), id); err != nil {
		writeError(w, statusFor(err), errorText(err, "run not found"))
		return
	}
	anomalies, err := h.store.ListAnomalies(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), errorText(err, "run not found"))
		return
	}
	if anomalies == nil {
		anomalies = []domain.AnomalyRecord{}
	}
	writeJSON(w, http.StatusOK, AnomaliesResponse{RunID: id, Count: len(anomalies), Anomalies: anomalies})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConfiguration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrSourceUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorText(err error, notFound string) string {
	if errors.Is(err, domain.ErrNotFound) {
		return notFound
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
