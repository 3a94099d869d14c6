package store

import (
	"context"
	"errors"
	"time"

	"recset-precompute/internal/models"
)

// ErrNotFound is returned when an operation references a job that does not exist.
var ErrNotFound = errors.New("job not found")

// JobStore is the durable, concurrency-safe home of job records. Every
// ownership transition is a single conditional update, so any number of
// workers may share one store.
type JobStore interface {
	// EnsureJob returns the job for target, inserting a PENDING row when none
	// exists. created reports whether this call inserted it.
	EnsureJob(ctx context.Context, target models.Target) (job models.Job, created bool, err error)

	GetJob(ctx context.Context, id string) (models.Job, error)
	GetJobByTarget(ctx context.Context, targetRef string) (models.Job, error)
	ListJobs(ctx context.Context, f ListFilter) ([]models.Job, error)

	// ListClaimable returns ids of jobs TryClaim could take right now,
	// oldest enqueued first, ties broken by id.
	ListClaimable(ctx context.Context, p ClaimParams, limit int) ([]string, error)

	// TryClaim moves a PENDING job, or a retryable job whose lease is older
	// than p.LeaseAge, into PROCESSING. It returns nil when another caller won.
	TryClaim(ctx context.Context, id string, p ClaimParams) (*models.Job, error)

	// Heartbeat renews the lease. It returns false when the lease is no
	// longer held by the caller.
	Heartbeat(ctx context.Context, lease models.Lease) (bool, error)

	// Finalize records the outcome of a run. It returns false, writing
	// nothing, when the lease is no longer held by the caller.
	Finalize(ctx context.Context, lease models.Lease, out models.Outcome) (bool, error)

	// ResetToPending re-arms a job unconditionally.
	ResetToPending(ctx context.Context, id string) (models.Job, error)

	// ResetIf re-arms a job only when it matches cond.
	ResetIf(ctx context.Context, id string, cond ResetCondition) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// ClaimParams controls which jobs are claimable and who claims them.
type ClaimParams struct {
	WorkerID string
	// LeaseAge is the heartbeat age beyond which a retryable job is reclaimable.
	LeaseAge time.Duration
	// MaxTries excludes jobs whose attempts already exceed it. Zero disables the bound.
	MaxTries int
}

// ResetCondition guards ResetIf. Zero-valued fields are ignored.
type ResetCondition struct {
	// Statuses the job must currently be in.
	Statuses []models.Status
	// FinishedBefore requires a last run that finished before this instant.
	FinishedBefore time.Time
	// LiveLeaseAfter protects PROCESSING jobs whose lease was renewed after this instant.
	LiveLeaseAfter time.Time
	// Target, when set, rewrites the job's algorithm and scope on reset.
	Target *models.Target
}

// ListFilter narrows ListJobs.
type ListFilter struct {
	Status models.Status
	Scope  string
	Limit  int
}

// Option configures a SQLStore.
type Option func(*SQLStore)

// WithClock replaces time.Now as the source of every persisted timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTextLimits bounds status_log and error_detail.
func WithTextLimits(statusLogMax, errorDetailMax int) Option {
	return func(s *SQLStore) {
		if statusLogMax > 0 {
			s.statusLogMax = statusLogMax
		}
		if errorDetailMax > 0 {
			s.errorDetailMax = errorDetailMax
		}
	}
}
