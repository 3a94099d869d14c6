package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Locker serialises scheduled refreshes across hosts.
type Locker interface {
	TryAcquire(ctx context.Context) (string, bool, error)
	Release(ctx context.Context, token string) error
}

// Schedule runs a Refresher on a cron expression.
type Schedule struct {
	Refresher *Refresher
	// Spec is a five-field cron expression or a descriptor such as "@every 6h".
	Spec   string
	Scopes []string
	Window time.Duration
	// Lock is optional; without it every host running the schedule refreshes.
	Lock   Locker
	Logger *slog.Logger
}

// Run blocks until ctx is cancelled, then waits for an in-progress refresh.
func (s *Schedule) Run(ctx context.Context) error {
	logger := cronLogger{s.Logger}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.Spec, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("parse refresh schedule %q: %w", s.Spec, err)
	}
	c.Start()
	s.Logger.Info("Schedule.Run: started", "spec", s.Spec, "window", s.Window)

	<-ctx.Done()
	<-c.Stop().Done()
	s.Logger.Info("Schedule.Run: stopped")
	return nil
}

// RunOnce performs one refresh, holding the lock if one is configured. It
// reports whether a refresh ran.
func (s *Schedule) RunOnce(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if s.Lock != nil {
		token, ok, err := s.Lock.TryAcquire(ctx)
		if err != nil {
			s.Logger.Error("Schedule.RunOnce: lock failed", "error", err)
			return false
		}
		if !ok {
			s.Logger.Info("Schedule.RunOnce: another host is refreshing")
			return false
		}
		defer func() {
			if err := s.Lock.Release(context.WithoutCancel(ctx), token); err != nil {
				s.Logger.Warn("Schedule.RunOnce: release lock failed", "error", err)
			}
		}()
	}
	report, err := s.Refresher.Refresh(ctx, s.Scopes, s.Window)
	if err != nil {
		s.Logger.Error("Schedule.RunOnce: refresh failed", "error", err,
			"reset", len(report.Reset), "created", len(report.Created))
	}
	return true
}

// cronLogger forwards cron's logging to slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
