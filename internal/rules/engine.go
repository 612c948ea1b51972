// Package rules provides the CEL-Go based predicate engine used to select
// the records a detector evaluates.
package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// Engine compiles and caches CEL predicates over a single ledger record.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	compiled   map[string]*Predicate
	maxWorkers int
}

// Predicate holds a pre-compiled boolean CEL program.
type Predicate struct {
	Expression string
	program    cel.Program
}

// Input holds the variables visible to a predicate.
type Input struct {
	AccountID    string
	Amount       float64
	AccountMean  float64
	AccountCount int
}

func (in Input) activation() map[string]any {
	return map[string]any{
		"account_id":    in.AccountID,
		"amount":        in.Amount,
		"account_mean":  in.AccountMean,
		"account_count": int64(in.AccountCount),
	}
}

// NewEngine creates a predicate engine. maxWorkers bounds the parallelism of
// MatchAll.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("account_id", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("account_mean", cel.DoubleType),
		cel.Variable("account_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		compiled:   make(map[string]*Predicate),
		maxWorkers: maxWorkers,
	}, nil
}

// Validate compiles expr without caching it.
func (e *Engine) Validate(expr string) error {
	_, err := e.compile(expr)
	return err
}

// Compile returns the compiled predicate for expr, compiling it on first use.
func (e *Engine) Compile(expr string) (*Predicate, error) {
	e.mu.RLock()
	p, ok := e.compiled[expr]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := e.compile(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.compiled[expr] = p
	e.mu.Unlock()
	return p, nil
}

// Match evaluates the predicate against one input.
func (p *Predicate) Match(in Input) (bool, error) {
	out, _, err := p.program.Eval(in.activation())
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("predicate %q returned %s, want bool", p.Expression, out.Type().TypeName())
	}
	return bool(b), nil
}

// MatchAll evaluates p against every input in parallel. The result is
// index-aligned with inputs. The first evaluation error is returned.
func (e *Engine) MatchAll(ctx context.Context, p *Predicate, inputs []Input) ([]bool, error) {
	results := make([]bool, len(inputs))
	errs := make([]error, len(inputs))

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	// Chunk the inputs so each goroutine evaluates a contiguous slice.
	chunk := (len(inputs) + e.maxWorkers - 1) / e.maxWorkers
	if chunk == 0 {
		return results, nil
	}

	for start := 0; start < len(inputs); start += chunk {
		end := min(start+chunk, len(inputs))

		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			for i := lo; i < hi; i++ {
				if ctx.Err() != nil {
					errs[i] = ctx.Err()
					return
				}
				results[i], errs[i] = p.Match(inputs[i])
			}
		}(start, end)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// Count returns the number of cached predicates.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// Close drops all cached predicates.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]*Predicate)
	return nil
}

func (e *Engine) compile(expr string) (*Predicate, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile predicate %q: %w", expr, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("predicate %q must return bool, got %s", expr, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for predicate %q: %w", expr, err)
	}

	return &Predicate{Expression: expr, program: program}, nil
}
