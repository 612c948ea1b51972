// Package narrative turns anomaly records into human-readable alert text,
// using an external text generator when one is available and a fixed
// template otherwise.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrDisabled is returned by the disabled backend.
var ErrDisabled = errors.New("narrative generation disabled")

// Generator produces free-text narratives from structured alert fields.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Request is the structured input of a narrative generation call.
type Request struct {
	Fields   map[string]string
	MaxWords int
}

// ResultKind classifies the outcome of a generation attempt.
type ResultKind int

const (
	ResultOK ResultKind = iota
	ResultTimedOut
	ResultFailed
	ResultDisabled
)

func (k ResultKind) String() string {
	switch k {
	case ResultOK:
		return "ok"
	case ResultTimedOut:
		return "timed_out"
	case ResultFailed:
		return "failed"
	case ResultDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// Result is a resolved generation attempt.
type Result struct {
	Kind ResultKind
	Text string
	Err  error
}

// classify folds a generator return into a Result. Empty text counts as a
// failure.
func classify(text string, err error) Result {
	switch {
	case err == nil && strings.TrimSpace(text) == "":
		return Result{Kind: ResultFailed, Err: errors.New("empty narrative")}
	case err == nil:
		return Result{Kind: ResultOK, Text: text}
	case errors.Is(err, ErrDisabled):
		return Result{Kind: ResultDisabled, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return Result{Kind: ResultTimedOut, Err: err}
	default:
		return Result{Kind: ResultFailed, Err: err}
	}
}

// New creates the generator selected by cfg.Backend.
func New(ctx context.Context, cfg domain.NarrativeConfig, client *http.Client) (Generator, error) {
	switch strings.ToLower(cfg.Backend) {
	case "ollama":
		return NewOllama(cfg.BaseURL, cfg.Model, client), nil
	case "gemini":
		return NewGemini(ctx, cfg.APIKey, cfg.Model)
	case "disabled", "none", "":
		return Disabled{}, nil
	default:
		return nil, &domain.ConfigError{Field: "narrative.backend", Reason: "unsupported backend " + cfg.Backend}
	}
}

// Disabled never generates; every alert uses the template.
type Disabled struct{}

// Generate always returns ErrDisabled.
func (Disabled) Generate(context.Context, Request) (string, error) {
	return "", ErrDisabled
}

// TrimWords cuts text after maxWords whitespace-separated words, keeping the
// original spacing of the kept part.
func TrimWords(text string, maxWords int) string {
	text = strings.TrimSpace(text)
	if maxWords <= 0 {
		return text
	}

	words := 0
	inWord := false
	for i, r := range text {
		space := r == ' ' || r == '\n' || r == '\t' || r == '\r'
		if !space && !inWord {
			words++
			if words > maxWords {
				return strings.TrimSpace(text[:i])
			}
		}
		inWord = !space
	}
	return text
}
