package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"recset-precompute/internal/models"
	"recset-precompute/internal/store"
	"recset-precompute/internal/telemetry"
)

// Report lists the job ids a refresh touched.
type Report struct {
	Reset   []string `json:"reset"`
	Created []string `json:"created"`
}

// Refresher re-arms jobs whose last run finished longer ago than the
// staleness window. It never resets a PROCESSING job whose lease is live.
type Refresher struct {
	store    store.JobStore
	targets  TargetSource
	notifier Notifier
	leaseAge time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

func WithClock(now func() time.Time) RefresherOption {
	return func(r *Refresher) { r.now = now }
}

// NewRefresher builds a refresher. leaseAge is the heartbeat threshold used
// by workers; PROCESSING jobs heartbeating more recently are skipped.
func NewRefresher(st store.JobStore, targets TargetSource, notifier Notifier, leaseAge time.Duration, logger *slog.Logger, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		store:    st,
		targets:  targets,
		notifier: notifier,
		leaseAge: leaseAge,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var refreshableStatuses = []models.Status{
	models.StatusProcessing,
	models.StatusComplete,
	models.StatusSkipped,
	models.StatusTimeoutError,
}

// Refresh walks every enabled target in scopes (all scopes when empty).
func (r *Refresher) Refresh(ctx context.Context, scopes []string, window time.Duration) (Report, error) {
	var report Report
	if window <= 0 {
		return report, errors.New("staleness window must be positive")
	}
	if len(scopes) == 0 {
		scopes = r.targets.Scopes()
	}

	now := r.now().UTC()
	cond := store.ResetCondition{
		Statuses:       refreshableStatuses,
		FinishedBefore: now.Add(-window),
	}
	if r.leaseAge > 0 {
		cond.LiveLeaseAfter = now.Add(-r.leaseAge)
	}

	defer func() { r.notify(ctx, len(report.Reset)+len(report.Created)) }()
	for _, scope := range scopes {
		targets, err := r.targets.Expand(scope)
		if err != nil {
			return report, err
		}
		for _, t := range targets {
			if !t.Enabled {
				continue
			}
			if err := r.refreshOne(ctx, t, cond, &report); err != nil {
				return report, err
			}
		}
	}
	r.logger.Info("Refresher.Refresh: done",
		"scopes", len(scopes), "reset", len(report.Reset), "created", len(report.Created), "window", window)
	return report, nil
}

func (r *Refresher) refreshOne(ctx context.Context, t models.Target, cond store.ResetCondition, report *Report) error {
	job, created, err := r.store.EnsureJob(ctx, t)
	if err != nil {
		return fmt.Errorf("ensure job for %s: %w", t.Ref, err)
	}
	if created {
		report.Created = append(report.Created, job.ID)
		telemetry.JobsRefreshed.WithLabelValues("created").Inc()
		return nil
	}
	if job.Status == models.StatusPending || job.FinishedAt == nil || !job.FinishedAt.Before(cond.FinishedBefore) {
		return nil
	}
	if job.Status == models.StatusProcessing && !cond.LiveLeaseAfter.IsZero() && job.LeaseTime().After(cond.LiveLeaseAfter) {
		r.logger.Debug("Refresher.refreshOne: lease is live", "job_id", job.ID, "claimed_by", job.ClaimedBy)
		return nil
	}
	cond.Target = &t
	ok, err := r.store.ResetIf(ctx, job.ID, cond)
	if err != nil {
		return fmt.Errorf("reset job for %s: %w", t.Ref, err)
	}
	if !ok {
		r.logger.Debug("Refresher.refreshOne: left alone", "job_id", job.ID, "status", job.Status)
		return nil
	}
	report.Reset = append(report.Reset, job.ID)
	telemetry.JobsRefreshed.WithLabelValues("reset").Inc()
	return nil
}

func (r *Refresher) notify(ctx context.Context, n int) {
	if r.notifier == nil || n == 0 {
		return
	}
	if err := r.notifier.Notify(ctx, n); err != nil {
		r.logger.Warn("Refresher.notify: wake signal failed", "error", err)
	}
}
