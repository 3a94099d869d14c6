package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"recset-precompute/internal/models"
)

const jobColumns = `id, target_ref, algorithm, scope, status, attempts, status_log, error_detail,
	process_complete, result_count, processing_time_seconds, claimed_by,
	enqueued_at, started_at, finished_at, heartbeat_at, created_at, updated_at`

// leaseTime is models.Job.LeaseTime in SQL.
const leaseTime = `COALESCE(heartbeat_at, finished_at, started_at, enqueued_at)`

// claimable matches PENDING rows and retryable rows whose lease time is at or
// before the cutoff bound to its single placeholder.
var claimable = func() string {
	states := make([]string, len(models.RetryableStates))
	for i, st := range models.RetryableStates {
		states[i] = "'" + string(st) + "'"
	}
	return `(status = 'PENDING' OR (status IN (` + strings.Join(states, ", ") + `)
	AND ` + leaseTime + ` <= ?))`
}()

// SQLStore implements JobStore on database/sql for Postgres and SQLite.
type SQLStore struct {
	db             *sql.DB
	dialect        dialect
	now            func() time.Time
	statusLogMax   int
	errorDetailMax int
	closers        []func()
}

var _ JobStore = (*SQLStore)(nil)

func newSQLStore(db *sql.DB, d dialect, opts ...Option) *SQLStore {
	s := &SQLStore{
		db:             db,
		dialect:        d,
		now:            time.Now,
		statusLogMax:   models.DefaultStatusLogMax,
		errorDetailMax: models.DefaultErrorDetailMax,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

func (s *SQLStore) clock() time.Time {
	return s.now().UTC()
}

// Ping verifies the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", s.dialect.name, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	err := s.db.Close()
	for _, c := range s.closers {
		c()
	}
	return err
}

// EnsureJob inserts a PENDING job for target unless one already exists. An
// existing job that is not PROCESSING takes the target's current algorithm
// and scope, so catalog edits reach the next run.
func (s *SQLStore) EnsureJob(ctx context.Context, target models.Target) (models.Job, bool, error) {
	if target.Ref == "" {
		return models.Job{}, false, errors.New("target ref is required")
	}
	now := s.clock()
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO job_queue (id, target_ref, algorithm, scope, status, attempts, status_log, error_detail,
			process_complete, result_count, enqueued_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'PENDING', 0, '', '', ?, 0, ?, ?, ?)
		ON CONFLICT (target_ref) DO UPDATE SET
			algorithm = excluded.algorithm, scope = excluded.scope, updated_at = excluded.updated_at
		WHERE job_queue.status <> 'PROCESSING'
			AND (job_queue.algorithm <> excluded.algorithm OR job_queue.scope <> excluded.scope)
	`), id, target.Ref, target.Algorithm, target.Scope, false, now, now, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job for target %s: %w", target.Ref, err)
	}
	job, err := s.GetJobByTarget(ctx, target.Ref)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, job.ID == id, nil
}

// GetJob fetches a job by id.
func (s *SQLStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM job_queue WHERE id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job %s: %w", id, err)
	}
	return job, nil
}

// GetJobByTarget fetches the job owned by a target.
func (s *SQLStore) GetJobByTarget(ctx context.Context, targetRef string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM job_queue WHERE target_ref = ?`), targetRef)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("target %s: %w", targetRef, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job for target %s: %w", targetRef, err)
	}
	return job, nil
}

// ListJobs returns jobs in enqueue order.
func (s *SQLStore) ListJobs(ctx context.Context, f ListFilter) ([]models.Job, error) {
	where := []string{"1=1"}
	args := []any{}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, f.Scope)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+jobColumns+` FROM job_queue WHERE `+
		strings.Join(where, " AND ")+` ORDER BY enqueued_at ASC, id ASC LIMIT ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// ListClaimable returns candidate ids for TryClaim, oldest eligible first.
func (s *SQLStore) ListClaimable(ctx context.Context, p ClaimParams, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1
	}
	query := `SELECT id FROM job_queue WHERE ` + claimable
	args := []any{s.clock().Add(-p.LeaseAge)}
	if p.MaxTries > 0 {
		query += ` AND attempts <= ?`
		args = append(args, p.MaxTries)
	}
	query += ` ORDER BY enqueued_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list claimable jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan claimable id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimable jobs: %w", err)
	}
	return ids, nil
}

// TryClaim is a single conditional UPDATE; contention yields (nil, nil).
func (s *SQLStore) TryClaim(ctx context.Context, id string, p ClaimParams) (*models.Job, error) {
	now := s.clock()
	query := `
		UPDATE job_queue
		SET status = 'PROCESSING', attempts = attempts + 1, started_at = ?, heartbeat_at = ?,
			claimed_by = ?, updated_at = ?
		WHERE id = ? AND ` + claimable
	args := []any{now, now, p.WorkerID, now, id, now.Add(-p.LeaseAge)}
	if p.MaxTries > 0 {
		query += ` AND attempts <= ?`
		args = append(args, p.MaxTries)
	}
	query += ` RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRowContext(ctx, s.q(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		found, err := s.exists(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("claim job %s: %w", id, ErrNotFound)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}
	return &job, nil
}

// Heartbeat renews heartbeat_at while the lease's claim generation still owns the row.
func (s *SQLStore) Heartbeat(ctx context.Context, lease models.Lease) (bool, error) {
	now := s.clock()
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE job_queue SET heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND status = 'PROCESSING' AND attempts = ?
	`), now, now, lease.JobID, lease.Attempt)
	if err != nil {
		return false, fmt.Errorf("heartbeat job %s: %w", lease.JobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	found, err := s.exists(ctx, s.db, lease.JobID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, fmt.Errorf("heartbeat job %s: %w", lease.JobID, ErrNotFound)
	}
	return false, nil
}

// Finalize writes the outcome of a run under the lease's claim generation.
func (s *SQLStore) Finalize(ctx context.Context, lease models.Lease, out models.Outcome) (bool, error) {
	if !out.Status.Valid() || out.Status == models.StatusPending {
		return false, fmt.Errorf("finalize job %s: invalid outcome status %q", lease.JobID, out.Status)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	var (
		statusLog, errorDetail string
		heartbeatAt            nullTime
		processingSeconds      sql.NullInt64
	)
	err = tx.QueryRowContext(ctx, s.q(`
		SELECT status_log, error_detail, heartbeat_at, processing_time_seconds
		FROM job_queue WHERE id = ? AND status = 'PROCESSING' AND attempts = ?`+s.dialect.lockRow),
		lease.JobID, lease.Attempt,
	).Scan(&statusLog, &errorDetail, &heartbeatAt, &processingSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		found, err := s.exists(ctx, tx, lease.JobID)
		if err != nil {
			return false, err
		}
		if !found {
			return false, fmt.Errorf("finalize job %s: %w", lease.JobID, ErrNotFound)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read job %s for finalize: %w", lease.JobID, err)
	}

	now := s.clock()
	complete := out.Status == models.StatusComplete
	if complete {
		processingSeconds = sql.NullInt64{Int64: int64(out.ProcessingTime.Round(time.Second) / time.Second), Valid: true}
		errorDetail = ""
	}
	if out.ErrorDetail != "" {
		errorDetail = models.KeepTail(out.ErrorDetail, s.errorDetailMax)
	}
	if out.Status != models.StatusProcessing {
		// heartbeat_at only has meaning while PROCESSING.
		heartbeatAt = nullTime{}
	}
	msg := out.LogMessage
	if msg == "" {
		msg = strings.ToLower(string(out.Status))
	}
	statusLog = models.AppendLog(statusLog, models.LogLine(now, lease, msg), s.statusLogMax)

	_, err = tx.ExecContext(ctx, s.q(`
		UPDATE job_queue
		SET status = ?, finished_at = ?, heartbeat_at = ?, process_complete = ?, result_count = ?,
			processing_time_seconds = ?, status_log = ?, error_detail = ?, updated_at = ?
		WHERE id = ? AND status = 'PROCESSING' AND attempts = ?
	`), string(out.Status), now, heartbeatAt, complete, out.ResultCount,
		processingSeconds, statusLog, errorDetail, now,
		lease.JobID, lease.Attempt)
	if err != nil {
		return false, fmt.Errorf("finalize job %s: %w", lease.JobID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

const resetAssignments = `status = 'PENDING', attempts = 0, result_count = 0, process_complete = ?,
	heartbeat_at = NULL, claimed_by = NULL, enqueued_at = ?, updated_at = ?`

// ResetToPending re-arms a job regardless of its state.
func (s *SQLStore) ResetToPending(ctx context.Context, id string) (models.Job, error) {
	now := s.clock()
	row := s.db.QueryRowContext(ctx, s.q(`
		UPDATE job_queue SET `+resetAssignments+`
		WHERE id = ?
		RETURNING `+jobColumns), false, now, now, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("reset job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("reset job %s: %w", id, err)
	}
	return job, nil
}

// ResetIf re-arms a job in one conditional update.
func (s *SQLStore) ResetIf(ctx context.Context, id string, cond ResetCondition) (bool, error) {
	now := s.clock()
	set := resetAssignments
	args := []any{false, now, now}
	if cond.Target != nil {
		set += ", algorithm = ?, scope = ?"
		args = append(args, cond.Target.Algorithm, cond.Target.Scope)
	}
	where := []string{"id = ?"}
	args = append(args, id)
	if len(cond.Statuses) > 0 {
		marks := make([]string, len(cond.Statuses))
		for i, st := range cond.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if !cond.FinishedBefore.IsZero() {
		where = append(where, "finished_at IS NOT NULL AND finished_at < ?")
		args = append(args, cond.FinishedBefore.UTC())
	}
	if !cond.LiveLeaseAfter.IsZero() {
		where = append(where, "(status <> 'PROCESSING' OR "+leaseTime+" <= ?)")
		args = append(args, cond.LiveLeaseAfter.UTC())
	}

	res, err := s.db.ExecContext(ctx, s.q(`UPDATE job_queue SET `+set+
		` WHERE `+strings.Join(where, " AND ")), args...)
	if err != nil {
		return false, fmt.Errorf("reset job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reset rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	found, err := s.exists(ctx, s.db, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, fmt.Errorf("reset job %s: %w", id, ErrNotFound)
	}
	return false, nil
}

func (s *SQLStore) exists(ctx context.Context, q querier, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, s.q(`SELECT 1 FROM job_queue WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup job %s: %w", id, err)
	}
	return true, nil
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job                                models.Job
		status                             string
		processingSeconds                  sql.NullInt64
		claimedBy                          sql.NullString
		enqueuedAt, createdAt, updatedAt   nullTime
		startedAt, finishedAt, heartbeatAt nullTime
	)
	err := row.Scan(
		&job.ID, &job.TargetRef, &job.Algorithm, &job.Scope, &status, &job.Attempts,
		&job.StatusLog, &job.ErrorDetail, &job.ProcessComplete, &job.ResultCount,
		&processingSeconds, &claimedBy,
		&enqueuedAt, &startedAt, &finishedAt, &heartbeatAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return models.Job{}, err
	}
	job.Status = models.Status(status)
	job.ClaimedBy = claimedBy.String
	if processingSeconds.Valid {
		secs := int(processingSeconds.Int64)
		job.ProcessingTimeSeconds = &secs
	}
	job.EnqueuedAt = enqueuedAt.Time
	job.CreatedAt = createdAt.Time
	job.UpdatedAt = updatedAt.Time
	job.StartedAt = startedAt.ptr()
	job.FinishedAt = finishedAt.ptr()
	job.HeartbeatAt = heartbeatAt.ptr()
	return job, nil
}
