// Package dispatch maps a job's algorithm identifier to the unit of work that
// computes it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"recset-precompute/internal/models"
)

var (
	// ErrSkip is returned by a Runner when the target should not be computed
	// this cycle. The job finishes SKIPPED.
	ErrSkip = errors.New("skip")

	ErrUnknownAlgorithm = errors.New("unknown algorithm")
)

// Runner computes one job and returns the number of records it produced.
type Runner interface {
	Run(ctx context.Context, job models.Job) (int64, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job models.Job) (int64, error)

func (f RunnerFunc) Run(ctx context.Context, job models.Job) (int64, error) {
	return f(ctx, job)
}

// Registry resolves algorithm identifiers to runners.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register binds runner to algorithm. Registering the same algorithm twice fails.
func (r *Registry) Register(algorithm string, runner Runner) error {
	if algorithm == "" || runner == nil {
		return errors.New("algorithm and runner are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.runners[algorithm]; dup {
		return fmt.Errorf("algorithm %q already registered", algorithm)
	}
	r.runners[algorithm] = runner
	return nil
}

// Lookup returns the runner for algorithm or ErrUnknownAlgorithm.
func (r *Registry) Lookup(algorithm string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[algorithm]
	if !ok {
		return nil, fmt.Errorf("algorithm %q: %w", algorithm, ErrUnknownAlgorithm)
	}
	return runner, nil
}

// Algorithms lists registered identifiers, sorted.
func (r *Registry) Algorithms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.runners))
	for k := range r.runners {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
