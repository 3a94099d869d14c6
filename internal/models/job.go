package models

import (
	"time"
)

// Status enumerates lifecycle states persisted in the job_queue table.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusProcessing   Status = "PROCESSING"
	StatusComplete     Status = "COMPLETE"
	StatusSkipped      Status = "SKIPPED"
	StatusTimeoutError Status = "TIMEOUT_ERROR"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusComplete,
	StatusSkipped,
	StatusTimeoutError,
}

// RetryableStates may be reclaimed once their lease has expired.
var RetryableStates = []Status{StatusProcessing, StatusTimeoutError}

func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusSkipped || s == StatusTimeoutError
}

// ParseStatus converts user input into a Status.
func ParseStatus(v string) (Status, bool) {
	s := Status(v)
	return s, s.Valid()
}

// Job is one precompute unit of work tied to a target.
type Job struct {
	ID                    string     `json:"id"`
	TargetRef             string     `json:"target_ref"`
	Algorithm             string     `json:"algorithm"`
	Scope                 string     `json:"scope"`
	Status                Status     `json:"status"`
	Attempts              int        `json:"attempts"`
	StatusLog             string     `json:"status_log"`
	ErrorDetail           string     `json:"error_detail"`
	ProcessComplete       bool       `json:"process_complete"`
	ResultCount           int64      `json:"result_count"`
	ProcessingTimeSeconds *int       `json:"processing_time_seconds,omitempty"`
	ClaimedBy             string     `json:"claimed_by,omitempty"`
	EnqueuedAt            time.Time  `json:"enqueued_at"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	FinishedAt            *time.Time `json:"finished_at,omitempty"`
	HeartbeatAt           *time.Time `json:"heartbeat_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Lease returns the ownership token for the current claim.
func (j Job) Lease() Lease {
	return Lease{JobID: j.ID, Attempt: j.Attempts, WorkerID: j.ClaimedBy}
}

// LeaseTime is the timestamp lease expiry is measured from: the last
// heartbeat, else the last finish, else the last start, else enqueue time.
// The store evaluates the same fallback in SQL.
func (j Job) LeaseTime() time.Time {
	for _, t := range []*time.Time{j.HeartbeatAt, j.FinishedAt, j.StartedAt} {
		if t != nil {
			return *t
		}
	}
	return j.EnqueuedAt
}

// Lease identifies one claim of a job. Attempt is the claim generation:
// a later claim always carries a higher value.
type Lease struct {
	JobID    string
	Attempt  int
	WorkerID string
}

// Target is a recommendation set the catalog knows how to compute.
type Target struct {
	Ref       string `json:"ref" yaml:"ref"`
	Algorithm string `json:"algorithm" yaml:"algorithm"`
	Scope     string `json:"scope" yaml:"-"`
	Enabled   bool   `json:"enabled" yaml:"enabled"`
}

// Outcome is what a worker writes back when a run ends.
type Outcome struct {
	Status         Status
	ResultCount    int64
	ProcessingTime time.Duration
	LogMessage     string
	ErrorDetail    string
}

// Completed builds the outcome of a successful run.
func Completed(count int64, elapsed time.Duration) Outcome {
	return Outcome{
		Status:         StatusComplete,
		ResultCount:    count,
		ProcessingTime: elapsed,
		LogMessage:     "completed",
	}
}
