package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"recset-precompute/internal/config"
	"recset-precompute/internal/dispatch"
	"recset-precompute/internal/queue"
	"recset-precompute/internal/telemetry"
	"recset-precompute/internal/worker"
)

type workerFlags struct {
	workerID           string
	pollInterval       int
	maxTries           int
	heartbeatInterval  int
	heartbeatThreshold int
	workerMaxTime      int
	jobTimeLimit       int
	claimBatch         int
	metricsAddr        string
}

func buildWorkerCommand(root *rootOptions) *cobra.Command {
	var f workerFlags
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim and run precompute jobs until stopped or out of time",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cmd, root, f)
		},
	}
	bindWorkerFlags(cmd, &f)
	return cmd
}

func bindWorkerFlags(cmd *cobra.Command, f *workerFlags) {
	fl := cmd.Flags()
	fl.StringVar(&f.workerID, "worker-id", "", "identity recorded on claims (default hostname plus a random suffix)")
	fl.IntVar(&f.pollInterval, "poll-interval", 30, "seconds to wait between polls of an empty queue (POLL_INTERVAL)")
	fl.IntVar(&f.maxTries, "max-tries", 3, "attempts allowed before a job is given up (MAX_TRIES)")
	fl.IntVar(&f.heartbeatInterval, "heartbeat-interval", 60, "seconds between lease renewals (HEARTBEAT_INTERVAL)")
	fl.IntVar(&f.heartbeatThreshold, "heartbeat-threshold", 600, "seconds without a heartbeat before a lease expires (HEARTBEAT_THRESHOLD)")
	fl.IntVar(&f.workerMaxTime, "worker-max-time", 23*3600, "seconds after which no new job is claimed; 0 claims nothing, negative is unbounded (WORKER_MAX_TIME)")
	fl.IntVar(&f.jobTimeLimit, "job-time-limit", 8*3600, "seconds one job may run before it times out; 0 is unbounded (JOB_TIME_LIMIT)")
	fl.IntVar(&f.claimBatch, "claim-batch", 25, "claimable jobs fetched per poll (CLAIM_BATCH_SIZE)")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "address for the Prometheus endpoint (METRICS_ADDR); empty disables")
}

// apply overrides cfg with every flag the user set. Durations are in seconds.
func (f workerFlags) apply(cfg config.Config, changed func(name string) bool) config.Config {
	seconds := func(n int) time.Duration { return time.Duration(n) * time.Second }
	if changed("worker-id") {
		cfg.WorkerID = f.workerID
	}
	if changed("poll-interval") {
		cfg.PollInterval = seconds(f.pollInterval)
	}
	if changed("max-tries") {
		cfg.MaxTries = f.maxTries
	}
	if changed("heartbeat-interval") {
		cfg.HeartbeatInterval = seconds(f.heartbeatInterval)
	}
	if changed("heartbeat-threshold") {
		cfg.HeartbeatThreshold = seconds(f.heartbeatThreshold)
	}
	if changed("worker-max-time") {
		cfg.WorkerMaxTime = seconds(f.workerMaxTime)
	}
	if changed("job-time-limit") {
		cfg.JobTimeLimit = seconds(f.jobTimeLimit)
	}
	if changed("claim-batch") {
		cfg.ClaimBatchSize = f.claimBatch
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	return cfg
}

func runWorker(ctx context.Context, cmd *cobra.Command, root *rootOptions, f workerFlags) error {
	rt, err := root.setup(ctx, cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg := f.apply(rt.cfg, cmd.Flags().Changed)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}

	runners, err := dispatch.FromCatalog(rt.catalog.Algorithms(), rt.logger)
	if err != nil {
		return err
	}
	var popts []worker.ProcessorOption
	if rt.redis != nil {
		popts = append(popts, worker.WithWaiter(queue.NewSignal(rt.redis, queue.DefaultWakeKey)))
	}
	proc := worker.NewProcessor(worker.OptionsFromConfig(cfg), rt.store, runners, rt.logger, popts...)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()
	g.Go(func() error {
		// Stop the metrics server once the worker returns.
		defer cancelRun()
		return proc.Run(runCtx)
	})
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			rt.logger.Info("worker: metrics listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
