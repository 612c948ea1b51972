package narrative

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testAnomaly() domain.AnomalyRecord {
	ratio := 4.95
	pct := 394.6
	threshold := 50.0
	score := -0.71234
	return domain.AnomalyRecord{
		TransactionRecord: domain.TransactionRecord{
			AccountID:     "acc-1",
			AccountNumber: "5101-001",
			AccountName:   "Office Supplies",
			Date:          time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC),
			Amount:        decimal.NewFromInt(5000),
		},
		RunID:              "run-1",
		DetectionMethod:    domain.MethodBoth,
		OutlierScore:       &score,
		ThresholdUsed:      &threshold,
		PctDiffFromAverage: &pct,
		AccountAverage:     1010.96,
		RatioVsAverage:     &ratio,
	}
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (m *memCache) Get(_ context.Context, ns, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[ns+"/"+key], nil
}

func (m *memCache) Set(_ context.Context, ns, key string, v []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[ns+"/"+key] = v
	return nil
}

func (m *memCache) Delete(_ context.Context, ns, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, ns+"/"+key)
	return nil
}

func (m *memCache) Ping(context.Context) error { return nil }
func (m *memCache) Close() error               { return nil }

type generatorFunc func(ctx context.Context, req Request) (string, error)

func (f generatorFunc) Generate(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

func TestAlertData(t *testing.T) {
	d := AlertData(testAnomaly())

	want := map[string]string{
		domain.AlertKeyAccountNumber:   "5101-001",
		domain.AlertKeyDate:            "2024-12-30",
		domain.AlertKeyAmount:          "5000.00",
		domain.AlertKeyAverage:         "1010.96",
		domain.AlertKeyRatio:           "4.95",
		domain.AlertKeyPctDiff:         "394.6",
		domain.AlertKeyThreshold:       "50",
		domain.AlertKeyOutlierScore:    "-0.7123",
		domain.AlertKeyDetectionMethod: "Both",
	}
	for k, v := range want {
		if d[k] != v {
			t.Errorf("AlertData[%s] = %q, want %q", k, d[k], v)
		}
	}
}

func TestFallbackContainsRequiredElements(t *testing.T) {
	msg := Fallback(AlertData(testAnomaly()))

	for _, want := range []string{"5101-001", "5000.00", "4.95x", "50%", "Recommended action", "outlier model"} {
		if !strings.Contains(msg, want) {
			t.Errorf("fallback missing %q:\n%s", want, msg)
		}
	}
}

func TestComposeTimeoutFallsBack(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	cfg := domain.NarrativeConfig{Timeout: 50 * time.Millisecond, MaxWords: 150}
	c := NewComposer(NewOllama(server.URL, "llama3", server.Client()), cfg)

	start := time.Now()
	payload, res := c.Compose(context.Background(), testAnomaly())

	if res.Kind != ResultTimedOut {
		t.Errorf("expected timed_out, got %s (%v)", res.Kind, res.Err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("compose blocked past its timeout")
	}
	if payload.NarrativeSource != domain.NarrativeTemplate {
		t.Errorf("expected template source, got %s", payload.NarrativeSource)
	}
	for _, want := range []string{"5101-001", "5000.00", "4.95"} {
		if !strings.Contains(payload.Message, want) {
			t.Errorf("fallback missing %q", want)
		}
	}
}

func TestComposeOllamaSuccess(t *testing.T) {
	var got ollamaRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(ollamaResponse{Response: "  Review account 5101-001 today.  "})
	}))
	defer server.Close()

	cfg := domain.NarrativeConfig{Timeout: time.Second, MaxWords: 150}
	c := NewComposer(NewOllama(server.URL+"/", "llama3", server.Client()), cfg)

	payload, res := c.Compose(context.Background(), testAnomaly())
	if res.Kind != ResultOK {
		t.Fatalf("expected ok, got %s (%v)", res.Kind, res.Err)
	}
	if payload.Message != "Review account 5101-001 today." {
		t.Errorf("unexpected message %q", payload.Message)
	}
	if payload.NarrativeSource != domain.NarrativeGenerated {
		t.Errorf("expected generator source, got %s", payload.NarrativeSource)
	}
	if got.Model != "llama3" || got.Stream {
		t.Errorf("unexpected request %+v", got)
	}
	if !strings.Contains(got.Prompt, "maximum 150 words") {
		t.Error("prompt missing word budget")
	}
}

func TestComposeFailureKinds(t *testing.T) {
	cfg := domain.NarrativeConfig{Timeout: time.Second}

	tests := []struct {
		name string
		gen  Generator
		want ResultKind
	}{
		{"disabled", Disabled{}, ResultDisabled},
		{"error", generatorFunc(func(context.Context, Request) (string, error) { return "", errors.New("boom") }), ResultFailed},
		{"empty", generatorFunc(func(context.Context, Request) (string, error) { return "   ", nil }), ResultFailed},
		{"nil generator", nil, ResultDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, res := NewComposer(tt.gen, cfg).Compose(context.Background(), testAnomaly())
			if res.Kind != tt.want {
				t.Errorf("expected %s, got %s", tt.want, res.Kind)
			}
			if payload.Message == "" || payload.NarrativeSource != domain.NarrativeTemplate {
				t.Error("expected template fallback")
			}
		})
	}
}

func TestComposeIgnoresCallerCancellation(t *testing.T) {
	gen := generatorFunc(func(ctx context.Context, _ Request) (string, error) {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "generated", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, res := NewComposer(gen, domain.NarrativeConfig{Timeout: time.Second}).Compose(ctx, testAnomaly())
	if res.Kind != ResultOK {
		t.Errorf("expected ok, got %s", res.Kind)
	}
}

func TestComposeMemoisesNarratives(t *testing.T) {
	var calls atomic.Int32
	gen := generatorFunc(func(context.Context, Request) (string, error) {
		calls.Add(1)
		return "cached narrative", nil
	})

	cache := newMemCache()
	c := NewComposer(gen, domain.NarrativeConfig{Timeout: time.Second}, WithCache(cache, "test", time.Hour))

	for i := 0; i < 3; i++ {
		payload, _ := c.Compose(context.Background(), testAnomaly())
		if payload.Message != "cached narrative" {
			t.Errorf("unexpected message %q", payload.Message)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 generator call, got %d", calls.Load())
	}
}

func TestComposeCacheFollowsAlertData(t *testing.T) {
	var calls atomic.Int32
	gen := generatorFunc(func(_ context.Context, req Request) (string, error) {
		calls.Add(1)
		return "amount " + req.Fields[domain.AlertKeyAmount] + " avg " + req.Fields[domain.AlertKeyAverage], nil
	})
	c := NewComposer(gen, domain.NarrativeConfig{Timeout: time.Second}, WithCache(newMemCache(), "test", time.Hour))

	first := testAnomaly()
	payload, _ := c.Compose(context.Background(), first)
	if payload.Message != "amount 5000.00 avg 1010.96" {
		t.Fatalf("unexpected first message %q", payload.Message)
	}

	rerun := testAnomaly()
	rerun.RunID = "run-2"
	payload, _ = c.Compose(context.Background(), rerun)
	if payload.Message != "amount 5000.00 avg 1010.96" || calls.Load() != 1 {
		t.Errorf("unchanged record in a new run: message %q, calls %d", payload.Message, calls.Load())
	}

	changed := testAnomaly()
	changed.RunID = "run-3"
	changed.Amount = decimal.NewFromInt(9000)
	changed.AccountAverage = 1200
	payload, _ = c.Compose(context.Background(), changed)
	if calls.Load() != 2 {
		t.Errorf("expected a fresh generator call for changed figures, got %d calls", calls.Load())
	}
	if payload.Message != "amount 9000.00 avg 1200.00" {
		t.Errorf("message %q disagrees with alert data amount=%s avg=%s",
			payload.Message, payload.AlertData[domain.AlertKeyAmount], payload.AlertData[domain.AlertKeyAverage])
	}
}

func TestTrimWords(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"one two three", 5, "one two three"},
		{"one two three four", 2, "one two"},
		{"  one\ntwo  three ", 2, "one\ntwo"},
		{"anything", 0, "anything"},
	}
	for _, tt := range tests {
		if got := TrimWords(tt.in, tt.max); got != tt.want {
			t.Errorf("TrimWords(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestNewBackends(t *testing.T) {
	ctx := context.Background()

	g, err := New(ctx, domain.NarrativeConfig{Backend: "ollama", BaseURL: "http://localhost:11434"}, nil)
	if err != nil {
		t.Fatalf("ollama: %v", err)
	}
	if _, ok := g.(*Ollama); !ok {
		t.Errorf("expected *Ollama, got %T", g)
	}

	g, err = New(ctx, domain.NarrativeConfig{Backend: "disabled"}, nil)
	if err != nil {
		t.Fatalf("disabled: %v", err)
	}
	if _, ok := g.(Disabled); !ok {
		t.Errorf("expected Disabled, got %T", g)
	}

	if _, err := New(ctx, domain.NarrativeConfig{Backend: "carrier-pigeon"}, nil); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}
