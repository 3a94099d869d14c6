package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"

	"recset-precompute/internal/config"
	"recset-precompute/internal/dispatch"
	"recset-precompute/internal/models"
	"recset-precompute/internal/store"
	"recset-precompute/internal/telemetry"
)

// finalizeTimeout bounds the write-back after a run, which happens even when
// the worker is shutting down.
const finalizeTimeout = 30 * time.Second

// Options controls claiming, leasing and the run budget of one worker.
type Options struct {
	WorkerID           string
	PollInterval       time.Duration
	MaxTries           int
	HeartbeatInterval  time.Duration
	HeartbeatThreshold time.Duration
	// WorkerMaxTime is the total budget after which no new job is claimed.
	// Zero means claim nothing; negative disables the budget.
	WorkerMaxTime  time.Duration
	JobTimeLimit   time.Duration
	ClaimBatchSize int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// OptionsFromConfig maps config onto worker options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		WorkerID:           cfg.WorkerID,
		PollInterval:       cfg.PollInterval,
		MaxTries:           cfg.MaxTries,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		HeartbeatThreshold: cfg.HeartbeatThreshold,
		WorkerMaxTime:      cfg.WorkerMaxTime,
		JobTimeLimit:       cfg.JobTimeLimit,
		ClaimBatchSize:     cfg.ClaimBatchSize,
		BackoffInitial:     cfg.StoreBackoffInitial,
		BackoffMax:         cfg.StoreBackoffMax,
	}
}

// Dispatcher resolves a job's algorithm to a runner.
type Dispatcher interface {
	Lookup(algorithm string) (dispatch.Runner, error)
}

// Waiter blocks an idle worker until work may be available.
type Waiter interface {
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
}

// Processor drives the worker execution loop.
type Processor struct {
	opts     Options
	store    store.JobStore
	runners  Dispatcher
	waiter   Waiter
	logger   *slog.Logger
	now      func() time.Time
	deadline time.Time
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithWaiter replaces the plain poll sleep with a wake-up signal.
func WithWaiter(w Waiter) ProcessorOption {
	return func(p *Processor) { p.waiter = w }
}

// WithClock sets the time source used for the run budget and run durations.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

func NewProcessor(opts Options, st store.JobStore, runners Dispatcher, logger *slog.Logger, popts ...ProcessorOption) *Processor {
	if opts.ClaimBatchSize <= 0 {
		opts.ClaimBatchSize = 1
	}
	p := &Processor{
		opts:    opts,
		store:   st,
		runners: runners,
		waiter:  sleepWaiter{},
		logger:  logger.With("worker_id", opts.WorkerID),
		now:     time.Now,
	}
	for _, o := range popts {
		o(p)
	}
	return p
}

func (p *Processor) claimParams() store.ClaimParams {
	return store.ClaimParams{
		WorkerID: p.opts.WorkerID,
		LeaseAge: p.opts.HeartbeatThreshold,
		MaxTries: p.opts.MaxTries,
	}
}

// Run polls, claims and processes jobs one at a time until ctx is cancelled
// or the run budget is spent. Both are clean exits and return nil.
func (p *Processor) Run(ctx context.Context) error {
	p.startBudget()
	p.logger.Info("Processor.Run: started",
		"poll_interval", p.opts.PollInterval, "heartbeat_interval", p.opts.HeartbeatInterval,
		"heartbeat_threshold", p.opts.HeartbeatThreshold, "max_tries", p.opts.MaxTries,
		"worker_max_time", p.opts.WorkerMaxTime)

	storeFailures := 0
	for {
		if ctx.Err() != nil {
			p.logger.Info("Processor.Run: stopping, context cancelled")
			return nil
		}
		if p.budgetSpent() {
			p.logger.Info("Processor.Run: worker max time reached, exiting")
			return nil
		}

		processed, err := p.ProcessNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			storeFailures++
			telemetry.StoreErrors.Inc()
			wait := backoffWithJitter(p.opts.BackoffInitial, p.opts.BackoffMax, storeFailures)
			p.logger.Error("Processor.Run: job store error, backing off", "error", err, "failures", storeFailures, "backoff", wait)
			sleep(ctx, wait)
			continue
		}
		storeFailures = 0
		if !processed {
			p.idle(ctx)
		}
	}
}

func (p *Processor) startBudget() {
	if p.opts.WorkerMaxTime >= 0 {
		p.deadline = p.now().Add(p.opts.WorkerMaxTime)
	}
}

func (p *Processor) budgetSpent() bool {
	if p.opts.WorkerMaxTime < 0 {
		return false
	}
	return !p.now().Before(p.deadline)
}

func (p *Processor) idle(ctx context.Context) {
	woken, err := p.waiter.Wait(ctx, p.opts.PollInterval)
	if err != nil {
		p.logger.Warn("Processor.idle: wake signal failed, sleeping", "error", err)
		sleep(ctx, p.opts.PollInterval)
		return
	}
	if woken {
		p.logger.Debug("Processor.idle: woken")
	}
}

// ProcessNext claims the oldest eligible job and processes it to completion.
// It reports false when nothing was claimable. Errors are job store errors
// raised while claiming; failures of the job itself are recorded on the job.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	job, err := p.claimNext(ctx)
	if err != nil || job == nil {
		return false, err
	}
	p.process(ctx, *job)
	return true, nil
}

func (p *Processor) claimNext(ctx context.Context) (*models.Job, error) {
	params := p.claimParams()
	ids, err := p.store.ListClaimable(ctx, params, p.opts.ClaimBatchSize)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		job, err := p.store.TryClaim(ctx, id, params)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if job != nil {
			telemetry.JobsClaimed.Inc()
			return job, nil
		}
	}
	return nil, nil
}

func (p *Processor) process(ctx context.Context, job models.Job) {
	lease := job.Lease()
	logger := p.logger.With("job_id", job.ID, "target_ref", job.TargetRef, "attempt", job.Attempts, "algorithm", job.Algorithm)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if p.opts.MaxTries > 0 && job.Attempts > p.opts.MaxTries {
		logger.Warn("Processor.process: retry limit exhausted", "max_tries", p.opts.MaxTries)
		p.finalize(ctx, lease, models.Outcome{
			Status:     models.StatusTimeoutError,
			LogMessage: fmt.Sprintf("retry limit exhausted: attempts %d > max tries %d", job.Attempts, p.opts.MaxTries),
		}, telemetry.OutcomeExhausted, logger)
		return
	}

	runner, err := p.runners.Lookup(job.Algorithm)
	if err != nil {
		logger.Warn("Processor.process: no runner, skipping", "error", err)
		p.finalize(ctx, lease, models.Outcome{
			Status:     models.StatusSkipped,
			LogMessage: "skipped: " + err.Error(),
		}, telemetry.OutcomeSkipped, logger)
		return
	}

	logger.Info("Processor.process: running")
	out, label, lost := p.execute(ctx, job, runner, logger)
	if lost {
		telemetry.LeaseLost.Inc()
		logger.Warn("Processor.process: lease lost, abandoning run")
		return
	}
	p.finalize(ctx, lease, out, label, logger)
}

type runResult struct {
	count int64
	err   error
}

// execute runs the job under the per-job time limit while a lease keeper
// renews the heartbeat. lost is true when another worker took the job over.
func (p *Processor) execute(ctx context.Context, job models.Job, runner dispatch.Runner, logger *slog.Logger) (models.Outcome, string, bool) {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if p.opts.JobTimeLimit > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, p.opts.JobTimeLimit)
		defer cancelTimeout()
	}

	keeper := newLeaseKeeper(p.store, job.Lease(), p.opts.HeartbeatInterval, logger)
	keeperCtx, stopKeeper := context.WithCancel(ctx)
	keeperDone := make(chan struct{})
	go func() {
		defer close(keeperDone)
		keeper.run(keeperCtx)
	}()
	defer func() {
		stopKeeper()
		<-keeperDone
	}()

	started := p.now()
	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: fmt.Errorf("runner panicked: %v", r)}
			}
		}()
		count, err := runner.Run(runCtx, job)
		done <- runResult{count: count, err: err}
	}()

	var res runResult
	select {
	case res = <-done:
	case <-keeper.lost:
		// The runner is told to stop; its result no longer matters.
		cancelRun()
		return models.Outcome{}, "", true
	}
	if keeper.isLost() {
		return models.Outcome{}, "", true
	}

	elapsed := p.now().Sub(started)
	telemetry.RunDuration.Observe(elapsed.Seconds())
	out, label := classify(res, runCtx, ctx, elapsed, p.opts.JobTimeLimit)
	return out, label, false
}

// classify maps a runner result onto the outcome written to the job.
func classify(res runResult, runCtx, parent context.Context, elapsed, limit time.Duration) (models.Outcome, string) {
	switch {
	case res.err == nil:
		return models.Completed(res.count, elapsed), telemetry.OutcomeComplete
	case errors.Is(res.err, dispatch.ErrSkip):
		return models.Outcome{
			Status:     models.StatusSkipped,
			LogMessage: "skipped: " + firstLine(res.err.Error()),
		}, telemetry.OutcomeSkipped
	case errors.Is(res.err, context.DeadlineExceeded) || (parent.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)):
		return models.Outcome{
			Status:      models.StatusTimeoutError,
			LogMessage:  fmt.Sprintf("timed out after %s (limit %s)", elapsed.Round(time.Second), limit),
			ErrorDetail: res.err.Error(),
		}, telemetry.OutcomeTimeout
	case parent.Err() != nil:
		return models.Outcome{
			Status:      models.StatusProcessing,
			LogMessage:  "interrupted: worker shutting down",
			ErrorDetail: res.err.Error(),
		}, telemetry.OutcomeFailed
	default:
		return models.Outcome{
			Status:      models.StatusProcessing,
			LogMessage:  "failed: " + firstLine(res.err.Error()),
			ErrorDetail: res.err.Error(),
		}, telemetry.OutcomeFailed
	}
}

func (p *Processor) finalize(ctx context.Context, lease models.Lease, out models.Outcome, label string, logger *slog.Logger) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	ok, err := p.store.Finalize(fctx, lease, out)
	if err != nil {
		logger.Error("Processor.finalize: write failed, lease will expire", "status", out.Status, "error", err)
		return
	}
	if !ok {
		telemetry.LeaseLost.Inc()
		logger.Warn("Processor.finalize: lease lost before write-back", "status", out.Status)
		return
	}
	telemetry.JobsFinished.WithLabelValues(label).Inc()
	logger.Info("Processor.finalize: job finished", "status", out.Status, "result_count", out.ResultCount, "message", out.LogMessage)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

// sleepWaiter is the Waiter used without Redis.
type sleepWaiter struct{}

func (sleepWaiter) Wait(ctx context.Context, d time.Duration) (bool, error) {
	sleep(ctx, d)
	return false, nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
