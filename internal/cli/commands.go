package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"recset-precompute/internal/api"
	"recset-precompute/internal/queue"
	"recset-precompute/internal/ratelimit"
	"recset-precompute/internal/scheduler"
)

func buildEnqueueCommand(root *rootOptions) *cobra.Command {
	var (
		targets []string
		scope   string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Create or re-arm jobs for targets or a whole scope",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(targets) == 0 && scope == "" {
				return errors.New("--target or --scope is required")
			}
			rt, err := root.setup(cmd.Context(), cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			results, err := rt.enqueuer().Enqueue(cmd.Context(), targets, scope)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range results {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", r.TargetRef, r.JobID, r.Status, r.Disposition)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&targets, "target", nil, "target ref to enqueue (repeatable)")
	cmd.Flags().StringVar(&scope, "scope", "", "enqueue every target in this scope")
	return cmd
}

func buildRefreshCommand(root *rootOptions) *cobra.Command {
	var (
		hours  float64
		scopes []string
	)
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Reset jobs whose results are older than the staleness window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := root.setup(cmd.Context(), cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			window := stalenessWindow(rt.cfg.StalenessWindow, cmd.Flags().Changed("staleness-hours"), hours)
			report, err := rt.refresher().Refresh(cmd.Context(), scopes, window)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, id := range report.Reset {
				fmt.Fprintf(out, "reset\t%s\n", id)
			}
			for _, id := range report.Created {
				fmt.Fprintf(out, "created\t%s\n", id)
			}
			return nil
		},
	}
	bindStalenessFlag(cmd, &hours)
	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "limit the refresh to this scope (repeatable; default all)")
	return cmd
}

func bindStalenessFlag(cmd *cobra.Command, hours *float64) {
	cmd.Flags().Float64Var(hours, "staleness-hours", 0, "age in hours after which a finished job is reset (default STALENESS_WINDOW, 24h)")
}

// stalenessWindow is the flag value when set, otherwise the configured window.
func stalenessWindow(configured time.Duration, set bool, hours float64) time.Duration {
	if !set {
		return configured
	}
	return time.Duration(hours * float64(time.Hour))
}

func buildRefreshSchedulerCommand(root *rootOptions) *cobra.Command {
	var (
		spec   string
		hours  float64
		scopes []string
	)
	cmd := &cobra.Command{
		Use:   "refresh-scheduler",
		Short: "Run refresh on a cron schedule until stopped",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			rt, err := root.setup(ctx, cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			if !cmd.Flags().Changed("schedule") {
				spec = rt.cfg.RefreshSchedule
			}
			sched := &scheduler.Schedule{
				Refresher: rt.refresher(),
				Spec:      spec,
				Scopes:    scopes,
				Window:    stalenessWindow(rt.cfg.StalenessWindow, cmd.Flags().Changed("staleness-hours"), hours),
				Logger:    rt.logger,
			}
			if sched.Window <= 0 {
				return errors.New("staleness window must be positive")
			}
			if rt.redis != nil {
				sched.Lock = queue.NewLock(rt.redis, "precompute:refresh-lock", rt.cfg.RefreshLockTTL)
			}
			return sched.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&spec, "schedule", "@every 6h", "cron expression or descriptor (REFRESH_SCHEDULE)")
	bindStalenessFlag(cmd, &hours)
	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "limit refreshes to this scope (repeatable; default all)")
	return cmd
}

func buildAPICommand(root *rootOptions) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Serve the operator HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			rt, err := root.setup(ctx, cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			if cmd.Flags().Changed("port") {
				rt.cfg.HTTPPort = port
			}
			var limiter api.Limiter
			if rt.redis != nil {
				limiter = ratelimit.NewTokenBucket(rt.redis, rt.cfg.RateLimitCapacity, rt.cfg.RateLimitRefill, time.Hour)
			}
			server := api.New(rt.store, rt.enqueuer(), rt.refresher(), limiter, rt.cfg.StalenessWindow, rt.logger)
			return serveHTTP(ctx, rt, ":"+rt.cfg.HTTPPort, server.Router())
		},
	}
	cmd.Flags().StringVar(&port, "port", "8080", "listen port (HTTP_PORT)")
	return cmd
}

func serveHTTP(ctx context.Context, rt *runtime, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("api: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func buildMigrateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := root.setup(cmd.Context(), cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer rt.Close()
			rt.logger.Info("migrate: schema is up to date", "driver", rt.cfg.DBDriver)
			return nil
		},
	}
}
