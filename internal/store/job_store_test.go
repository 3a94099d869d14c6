package store_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"recset-precompute/internal/models"
	"recset-precompute/internal/store"
	"recset-precompute/internal/testutil"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T, opts ...store.Option) (*store.SQLStore, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(t0)
	opts = append([]store.Option{store.WithClock(clock.Now)}, opts...)
	return testutil.NewStore(t, opts...), clock
}

func ensure(t *testing.T, s store.JobStore, ref string) models.Job {
	t.Helper()
	job, _, err := s.EnsureJob(context.Background(), models.Target{Ref: ref, Algorithm: "popular_items", Scope: "acme"})
	require.NoError(t, err)
	return job
}

func TestEnsureJobIsIdempotent(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	first, created, err := s.EnsureJob(ctx, models.Target{Ref: "42", Algorithm: "popular_items", Scope: "acme"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.StatusPending, first.Status)
	assert.Equal(t, "popular_items", first.Algorithm)
	assert.Equal(t, 0, first.Attempts)
	assert.Equal(t, t0, first.EnqueuedAt)

	second, created, err := s.EnsureJob(ctx, models.Target{Ref: "42", Algorithm: "popular_items", Scope: "acme"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	jobs, err := s.ListJobs(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	_, _, err = s.EnsureJob(ctx, models.Target{})
	assert.Error(t, err)
}

func TestEnsureJobRetargetsIdleJobs(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	job := ensure(t, s, "42")

	moved, created, err := s.EnsureJob(ctx, models.Target{Ref: "42", Algorithm: "similar_items", Scope: "globex"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, moved.ID)
	assert.Equal(t, "similar_items", moved.Algorithm)
	assert.Equal(t, "globex", moved.Scope)

	claimed, err := s.TryClaim(ctx, job.ID, store.ClaimParams{WorkerID: "w1", LeaseAge: time.Minute})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	running, created, err := s.EnsureJob(ctx, models.Target{Ref: "42", Algorithm: "popular_items", Scope: "acme"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "similar_items", running.Algorithm, "a running job keeps its algorithm")
	assert.Equal(t, models.StatusProcessing, running.Status)
}

func TestResetIfRetargets(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	job := ensure(t, s, "42")
	claimed, err := s.TryClaim(ctx, job.ID, store.ClaimParams{WorkerID: "w1", LeaseAge: time.Minute})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	target := models.Target{Ref: "42", Algorithm: "similar_items", Scope: "globex"}
	ok, err := s.ResetIf(ctx, job.ID, store.ResetCondition{Target: &target})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, "similar_items", got.Algorithm)
	assert.Equal(t, "globex", got.Scope)
}

func TestTryClaimAtMostOneWinner(t *testing.T) {
	s, _ := newStore(t)
	job := ensure(t, s, "42")

	var winners atomic.Int32
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		worker := "w" + string(rune('a'+i))
		g.Go(func() error {
			claimed, err := s.TryClaim(context.Background(), job.ID, store.ClaimParams{WorkerID: worker, LeaseAge: time.Minute, MaxTries: 3})
			if err != nil {
				return err
			}
			if claimed != nil {
				winners.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), winners.Load())

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestReclaimAfterLeaseExpiry(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()
	job := ensure(t, s, "B")
	params := store.ClaimParams{WorkerID: "w1", LeaseAge: 60 * time.Second, MaxTries: 3}

	claimed, err := s.TryClaim(ctx, job.ID, params)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 1, claimed.Attempts)
	assert.Equal(t, "w1", claimed.ClaimedBy)
	require.NotNil(t, claimed.HeartbeatAt)
	assert.Equal(t, t0, *claimed.HeartbeatAt)

	params.WorkerID = "w2"
	clock.Set(t0.Add(59 * time.Second))
	again, err := s.TryClaim(ctx, job.ID, params)
	require.NoError(t, err)
	assert.Nil(t, again, "lease still live at T+59")

	ids, err := s.ListClaimable(ctx, params, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	clock.Set(t0.Add(61 * time.Second))
	ids, err = s.ListClaimable(ctx, params, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ids)

	again, err = s.TryClaim(ctx, job.ID, params)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Attempts)
	assert.Equal(t, "w2", again.ClaimedBy)
}

func TestHeartbeatAndFinalizeAreFenced(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()
	job := ensure(t, s, "42")
	params := store.ClaimParams{WorkerID: "w1", LeaseAge: time.Minute, MaxTries: 3}

	first, err := s.TryClaim(ctx, job.ID, params)
	require.NoError(t, err)
	require.NotNil(t, first)

	clock.Advance(30 * time.Second)
	ok, err := s.Heartbeat(ctx, first.Lease())
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(30*time.Second), *got.HeartbeatAt)

	// Owner stalls, another worker reclaims.
	clock.Advance(2 * time.Minute)
	params.WorkerID = "w2"
	second, err := s.TryClaim(ctx, job.ID, params)
	require.NoError(t, err)
	require.NotNil(t, second)

	ok, err = s.Heartbeat(ctx, first.Lease())
	require.NoError(t, err)
	assert.False(t, ok, "old lease must not renew")

	ok, err = s.Finalize(ctx, first.Lease(), models.Completed(99, time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "old lease must not finalize")

	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Equal(t, int64(0), got.ResultCount)
	assert.Equal(t, "w2", got.ClaimedBy)

	ok, err = s.Finalize(ctx, second.Lease(), models.Completed(5, time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFinalizeComplete(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()
	job := ensure(t, s, "42")

	claimed, err := s.TryClaim(ctx, job.ID, store.ClaimParams{WorkerID: "w1", LeaseAge: time.Minute})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	clock.Advance(5 * time.Second)
	ok, err := s.Finalize(ctx, claimed.Lease(), models.Completed(17, 5*time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, got.Status)
	assert.True(t, got.ProcessComplete)
	assert.Equal(t, int64(17), got.ResultCount)
	require.NotNil(t, got.ProcessingTimeSeconds)
	assert.Equal(t, 5, *got.ProcessingTimeSeconds)
	assert.Nil(t, got.HeartbeatAt)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, t0.Add(5*time.Second), *got.FinishedAt)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, t0, *got.StartedAt)
	assert.Contains(t, got.StatusLog, "attempt=1 worker=w1 completed")

	// A completed job is not claimable again.
	clock.Advance(time.Hour)
	again, err := s.TryClaim(ctx, job.ID, store.ClaimParams{WorkerID: "w2", LeaseAge: time.Minute})
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestFinalizeRetryableFailureKeepsLease(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()
	job := ensure(t, s, "42")
	params := store.ClaimParams{WorkerID: "w1", LeaseAge: time.Minute, MaxTries: 3}

	claimed, err := s.TryClaim(ctx, job.ID, params)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	clock.Advance(10 * time.Second)
	ok, err := s.Finalize(ctx, claimed.Lease(), models.Outcome{
		Status:      models.StatusProcessing,
		LogMessage:  "failed: warehouse unavailable",
		ErrorDetail: "connection refused",
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.False(t, got.ProcessComplete)
	assert.Equal(t, "connection refused", got.ErrorDetail)
	assert.Equal(t, t0, *got.HeartbeatAt, "heartbeat left to go stale")
	assert.Equal(t, t0.Add(10*time.Second), *got.FinishedAt)

	clock.Set(t0.Add(59 * time.Second))
	again, err := s.TryClaim(ctx, job.ID, params)
	require.NoError(t, err)
	assert.Nil(t, again)

	clock.Set(t0.Add(60 * time.Second))
	again, err = s.TryClaim(ctx, job.ID, params)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Attempts)
}

func TestRetryBound(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()
	job := ensure(t, s, "C")
	params := store.ClaimParams{WorkerID: "w1", LeaseAge: time.Minute, MaxTries: 3}

	for i := 1; i <= 3; i++ {
		claimed, err := s.TryClaim(ctx, job.ID, params)
		require.NoError(t, err)
		require.NotNil(t, claimed, "claim %d", i)
		ok, err := s.Finalize(ctx, claimed.Lease(), models.Outcome{Status: models.StatusTimeoutError, LogMessage: "timed out"})
		require.NoError(t, err)
		require.True(t, ok)
		clock.Advance(2 * time.Minute)
	}

	// attempts == max_tries: claimable once more so the worker can observe exhaustion.
	claimed, err := s.TryClaim(ctx, job.ID, params)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 4, claimed.Attempts)
	ok, err := s.Finalize(ctx, claimed.Lease(), models.Outcome{Status: models.StatusTimeoutError, LogMessage: "exhausted"})
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(24 * time.Hour)
	again, err := s.TryClaim(ctx, job.ID, params)
	require.NoError(t, err)
	assert.Nil(t, again)
	ids, err := s.ListClaimable(ctx, params, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	reset, err := s.ResetToPending(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, reset.Status)
	assert.Equal(t, 0, reset.Attempts)
	assert.Equal(t, int64(0), reset.ResultCount)
	assert.False(t, reset.ProcessComplete)

	again, err = s.TryClaim(ctx, job.ID, params)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 1, again.Attempts)
}

func TestResetIfStale(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()
	params := store.ClaimParams{WorkerID: "w1", LeaseAge: time.Minute}

	stale := ensure(t, s, "D")
	fresh := ensure(t, s, "E")
	for _, j := range []models.Job{stale, fresh} {
		claimed, err := s.TryClaim(ctx, j.ID, params)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		ok, err := s.Finalize(ctx, claimed.Lease(), models.Completed(3, time.Second))
		require.NoError(t, err)
		require.True(t, ok)
		clock.Advance(24 * time.Hour)
	}
	// stale finished at t0, fresh at t0+24h.
	clock.Set(t0.Add(25 * time.Hour))

	cond := store.ResetCondition{FinishedBefore: clock.Now().Add(-24 * time.Hour)}
	ok, err := s.ResetIf(ctx, stale.ID, cond)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ResetIf(ctx, fresh.ID, cond)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, int64(0), got.ResultCount)
	assert.False(t, got.ProcessComplete)
	assert.Equal(t, clock.Now(), got.EnqueuedAt)
}

func TestResetIfProtectsLiveLease(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()
	job := ensure(t, s, "42")
	params := store.ClaimParams{WorkerID: "w1", LeaseAge: time.Minute}

	claimed, err := s.TryClaim(ctx, job.ID, params)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	ok, err := s.Finalize(ctx, claimed.Lease(), models.Completed(1, time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(30 * time.Hour)
	running, err := s.TryClaim(ctx, job.ID, params)
	require.NoError(t, err)
	assert.Nil(t, running, "complete jobs are not claimable")

	// Re-arm and start a new run; its finished_at is still 30h old.
	_, err = s.ResetToPending(ctx, job.ID)
	require.NoError(t, err)
	running, err = s.TryClaim(ctx, job.ID, params)
	require.NoError(t, err)
	require.NotNil(t, running)

	now := clock.Now()
	cond := store.ResetCondition{
		Statuses:       []models.Status{models.StatusProcessing, models.StatusComplete, models.StatusSkipped, models.StatusTimeoutError},
		FinishedBefore: now.Add(-24 * time.Hour),
		LiveLeaseAfter: now.Add(-time.Minute),
	}
	ok, err = s.ResetIf(ctx, job.ID, cond)
	require.NoError(t, err)
	assert.False(t, ok, "live lease must survive refresh")

	clock.Advance(2 * time.Minute)
	cond.LiveLeaseAfter = clock.Now().Add(-time.Minute)
	ok, err = s.ResetIf(ctx, job.ID, cond)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is re-armed")
}

func TestListClaimableOrdering(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()

	a := ensure(t, s, "a")
	clock.Advance(time.Second)
	b := ensure(t, s, "b")
	clock.Advance(time.Second)
	c := ensure(t, s, "c")

	params := store.ClaimParams{WorkerID: "w1", LeaseAge: time.Minute, MaxTries: 3}
	ids, err := s.ListClaimable(ctx, params, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, ids)

	claimed, err := s.TryClaim(ctx, a.ID, params)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	ids, err = s.ListClaimable(ctx, params, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ids)
}

func TestTextBounds(t *testing.T) {
	s, clock := newStore(t, store.WithTextLimits(300, 40))
	ctx := context.Background()
	job := ensure(t, s, "42")
	params := store.ClaimParams{WorkerID: "w1", LeaseAge: time.Minute}

	for i := 0; i < 20; i++ {
		claimed, err := s.TryClaim(ctx, job.ID, params)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		ok, err := s.Finalize(ctx, claimed.Lease(), models.Outcome{
			Status:      models.StatusTimeoutError,
			LogMessage:  "failed " + strings.Repeat("x", 30),
			ErrorDetail: strings.Repeat("e", 100) + "tail",
		})
		require.NoError(t, err)
		require.True(t, ok)
		clock.Advance(2 * time.Minute)
	}

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got.StatusLog), 300)
	assert.Contains(t, got.StatusLog, "attempt=20 ")
	assert.Len(t, got.ErrorDetail, 40)
	assert.True(t, strings.HasSuffix(got.ErrorDetail, "tail"))
}

func TestUnknownJobIsNotFound(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	lease := models.Lease{JobID: "missing", Attempt: 1}

	_, err := s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetJobByTarget(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.TryClaim(ctx, "missing", store.ClaimParams{})
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Heartbeat(ctx, lease)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Finalize(ctx, lease, models.Completed(1, time.Second))
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.ResetToPending(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.ResetIf(ctx, "missing", store.ResetCondition{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFinalizeRejectsPendingOutcome(t *testing.T) {
	s, _ := newStore(t)
	job := ensure(t, s, "42")
	_, err := s.Finalize(context.Background(), job.Lease(), models.Outcome{Status: models.StatusPending})
	assert.Error(t, err)
}
