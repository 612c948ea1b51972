package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestRunAttrs(t *testing.T) {
	start := time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC)
	summary := &domain.RunSummary{
		RunID:              "run-1",
		StartedAt:          start,
		FinishedAt:         start.Add(3 * time.Second),
		RecordsLoaded:      90,
		Anomalies:          4,
		NarrativeFallbacks: 2,
		Channels: map[string]domain.ChannelStats{
			"slack": {Sent: 4},
			"email": {Sent: 3, Failed: 1},
		},
	}

	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("run completed", runAttrs(summary)...)
	out := buf.String()

	for _, want := range []string{
		"run_id=run-1",
		"anomalies=4",
		"narrative_fallbacks=2",
		"email.sent=3",
		"email.failed=1",
		"slack.sent=4",
		"slack.failed=0",
		"duration=3s",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %q: %s", want, out)
		}
	}
	if strings.Index(out, "email.sent") > strings.Index(out, "slack.sent") {
		t.Errorf("channels not in name order: %s", out)
	}
}
