// Package scheduler arms jobs in the job store: on demand for explicit targets
// or scopes, and periodically when results go stale.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"recset-precompute/internal/models"
	"recset-precompute/internal/store"
	"recset-precompute/internal/telemetry"
)

// TargetSource resolves scopes and refs into catalog targets.
type TargetSource interface {
	Scopes() []string
	Expand(scope string) ([]models.Target, error)
	Lookup(refs []string) ([]models.Target, error)
}

// Notifier wakes idle workers after jobs are armed.
type Notifier interface {
	Notify(ctx context.Context, n int) error
}

// Disposition is what Enqueue did for one target.
type Disposition string

const (
	Created   Disposition = "created"
	Reset     Disposition = "reset"
	Untouched Disposition = "untouched"
	Disabled  Disposition = "disabled"
)

// EnqueueResult reports the job behind one target after Enqueue.
type EnqueueResult struct {
	TargetRef   string        `json:"target_ref"`
	JobID       string        `json:"job_id,omitempty"`
	Status      models.Status `json:"status,omitempty"`
	Disposition Disposition   `json:"disposition"`
}

// Enqueuer creates missing jobs and re-arms finished ones.
type Enqueuer struct {
	store    store.JobStore
	targets  TargetSource
	notifier Notifier
	logger   *slog.Logger
}

func NewEnqueuer(st store.JobStore, targets TargetSource, notifier Notifier, logger *slog.Logger) *Enqueuer {
	return &Enqueuer{store: st, targets: targets, notifier: notifier, logger: logger}
}

// Enqueue ensures every target named by refs, or owned by scope, has a job.
// Missing jobs are created PENDING and jobs in a terminal state are reset to
// PENDING. PENDING and PROCESSING jobs are left alone, so calling Enqueue
// twice with the same input has the effect of calling it once.
func (e *Enqueuer) Enqueue(ctx context.Context, refs []string, scope string) ([]EnqueueResult, error) {
	targets, err := resolve(e.targets, refs, scope)
	if err != nil {
		return nil, err
	}

	results := make([]EnqueueResult, 0, len(targets))
	armed := 0
	for _, t := range targets {
		res, err := e.enqueueOne(ctx, t)
		if err != nil {
			e.notify(ctx, armed)
			return results, err
		}
		if res.Disposition == Created || res.Disposition == Reset {
			armed++
		}
		telemetry.JobsEnqueued.WithLabelValues(string(res.Disposition)).Inc()
		results = append(results, res)
	}
	e.notify(ctx, armed)
	e.logger.Info("Enqueuer.Enqueue: done", "targets", len(targets), "armed", armed, "scope", scope)
	return results, nil
}

func (e *Enqueuer) enqueueOne(ctx context.Context, t models.Target) (EnqueueResult, error) {
	res := EnqueueResult{TargetRef: t.Ref, Disposition: Untouched}
	if !t.Enabled {
		res.Disposition = Disabled
		return res, nil
	}
	job, created, err := e.store.EnsureJob(ctx, t)
	if err != nil {
		return res, fmt.Errorf("ensure job for %s: %w", t.Ref, err)
	}
	res.JobID, res.Status = job.ID, job.Status
	if created {
		res.Disposition = Created
		return res, nil
	}
	if !job.Status.Terminal() {
		return res, nil
	}
	ok, err := e.store.ResetIf(ctx, job.ID, store.ResetCondition{Statuses: terminalStatuses, Target: &t})
	if err != nil {
		return res, fmt.Errorf("reset job for %s: %w", t.Ref, err)
	}
	if ok {
		res.Disposition, res.Status = Reset, models.StatusPending
	}
	return res, nil
}

// Requeue resets one job to PENDING regardless of its state.
func (e *Enqueuer) Requeue(ctx context.Context, id string) (models.Job, error) {
	job, err := e.store.ResetToPending(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsEnqueued.WithLabelValues(string(Reset)).Inc()
	e.notify(ctx, 1)
	e.logger.Info("Enqueuer.Requeue: job reset", "job_id", id, "target_ref", job.TargetRef)
	return job, nil
}

func (e *Enqueuer) notify(ctx context.Context, n int) {
	if e.notifier == nil || n == 0 {
		return
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Warn("Enqueuer.notify: wake signal failed", "error", err)
	}
}

var terminalStatuses = []models.Status{models.StatusComplete, models.StatusSkipped, models.StatusTimeoutError}

// resolve expands refs and scope into a de-duplicated target list, refs first.
func resolve(src TargetSource, refs []string, scope string) ([]models.Target, error) {
	if len(refs) == 0 && scope == "" {
		return nil, fmt.Errorf("no targets or scope given")
	}
	var out []models.Target
	seen := make(map[string]bool)
	add := func(ts []models.Target) {
		for _, t := range ts {
			if !seen[t.Ref] {
				seen[t.Ref] = true
				out = append(out, t)
			}
		}
	}
	if len(refs) > 0 {
		ts, err := src.Lookup(refs)
		if err != nil {
			return nil, err
		}
		add(ts)
	}
	if scope != "" {
		ts, err := src.Expand(scope)
		if err != nil {
			return nil, err
		}
		add(ts)
	}
	return out, nil
}
