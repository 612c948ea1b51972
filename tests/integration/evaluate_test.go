//go:build integration

// Package integration runs Kestrel end to end: a SQLite ledger, the full
// detection pipeline, webhook delivery and the HTTP API.
//
// Run with: go test -tags=integration -v ./tests/integration/...
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/app"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	accounts    = 5
	historyDays = 60
)

// seedLedger gives every account a flat 100 debit per day and a 1000 debit
// on the most recent day.
func seedLedger(t *testing.T, a *app.App) []string {
	t.Helper()
	ctx := context.Background()
	today := time.Now().UTC().Truncate(24 * time.Hour)

	var spikes []string
	for i := range accounts {
		id := fmt.Sprintf("acc-%d", i)
		require.NoError(t, a.Repo.SaveAccount(ctx, id, fmt.Sprintf("4000-%02d", i), "Operating expenses "+id))
		for d := historyDays - 1; d >= 0; d-- {
			debit := "100"
			if d == 0 {
				debit = "1000"
			}
			require.NoError(t, a.Repo.SaveLedgerEntry(ctx, id, today.AddDate(0, 0, -d), debit, ""))
		}
		spikes = append(spikes, id)
	}
	require.NoError(t, a.Repo.SetSetting(ctx, "anomaly_percentage_threshold", "200"))
	return spikes
}

type slackServer struct {
	*httptest.Server
	received atomic.Int64
}

func newSlackServer(t *testing.T) *slackServer {
	s := &slackServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		s.received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(s.Close)
	return s
}

func buildApp(t *testing.T, slackURL string) *app.App {
	t.Helper()
	cfg := domain.DefaultConfig()
	cfg.Repository.SQLitePath = filepath.Join(t.TempDir(), "kestrel.db")
	cfg.Narrative.Backend = "disabled"
	cfg.Report.Dir = t.TempDir()
	cfg.Channels.Slack = domain.WebhookConfig{Enabled: true, URL: slackURL}
	cfg.Channels.RatePerSecond = 1000
	require.NoError(t, cfg.Validate())

	a, err := app.Build(context.Background(), cfg, nil, app.Options{NeedRepository: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestEndToEnd_RunThroughAPI(t *testing.T) {
	slack := newSlackServer(t)
	a := buildApp(t, slack.URL)
	spikes := seedLedger(t, a)

	srv := httptest.NewServer(api.NewServer(a.Config.Server, a.Repo, a.Runner, "test").Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/runs", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var triggered api.RunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&triggered))
	run := triggered.Run
	require.NotNil(t, run)

	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, accounts*historyDays, run.RecordsLoaded)
	assert.Equal(t, accounts, run.Accounts)
	assert.Equal(t, 200.0, run.ThresholdUsed)
	assert.Equal(t, accounts, run.StatisticalFlags)
	assert.GreaterOrEqual(t, run.Anomalies, accounts)
	assert.Equal(t, run.Anomalies, run.NarrativeFallbacks)
	assert.Equal(t, domain.ChannelStats{Sent: run.Anomalies}, run.Channels["slack"])
	assert.EqualValues(t, run.Anomalies, slack.received.Load())

	var stored domain.RunSummary
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/runs/"+run.RunID, &stored))
	assert.Equal(t, run.RunID, stored.RunID)
	assert.Equal(t, run.Anomalies, stored.Anomalies)

	var listed api.AnomaliesResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/runs/"+run.RunID+"/anomalies", &listed))
	assert.Equal(t, run.Anomalies, listed.Count)

	flagged := make(map[string]domain.AnomalyRecord)
	for _, an := range listed.Anomalies {
		if an.Amount.IntPart() == 1000 {
			flagged[an.AccountID] = an
		}
	}
	for _, id := range spikes {
		an, ok := flagged[id]
		require.True(t, ok, "spike on %s not reported", id)
		assert.Contains(t, []domain.DetectionMethod{domain.MethodStatisticalRule, domain.MethodBoth}, an.DetectionMethod)
		require.NotNil(t, an.PctDiffFromAverage)
		assert.InDelta(t, 769.57, *an.PctDiffFromAverage, 0.01)
	}
}

func TestEndToEnd_MissingThresholdFailsRun(t *testing.T) {
	slack := newSlackServer(t)
	a := buildApp(t, slack.URL)

	summary, err := a.Runner.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Equal(t, domain.RunStatusFailed, summary.Status)
	assert.Zero(t, slack.received.Load())

	stored, err := a.Repo.GetRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, stored.Status)
	assert.NotEmpty(t, stored.Error)
}
