package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"recset-precompute/internal/models"
	"recset-precompute/internal/store"
	"recset-precompute/internal/telemetry"
)

// leaseKeeper renews one claim's heartbeat until stopped, and closes lost
// when the store reports that the claim now belongs to someone else.
type leaseKeeper struct {
	store    store.JobStore
	lease    models.Lease
	interval time.Duration
	logger   *slog.Logger

	lost     chan struct{}
	lostOnce sync.Once
}

func newLeaseKeeper(st store.JobStore, lease models.Lease, interval time.Duration, logger *slog.Logger) *leaseKeeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &leaseKeeper{
		store:    st,
		lease:    lease,
		interval: interval,
		logger:   logger,
		lost:     make(chan struct{}),
	}
}

func (k *leaseKeeper) run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok, err := k.store.Heartbeat(ctx, k.lease)
		if errors.Is(err, store.ErrNotFound) {
			ok, err = false, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// A transient store error is not a lost lease; if it persists
			// the lease ages out and another worker reclaims the job.
			telemetry.HeartbeatErrors.Inc()
			k.logger.Warn("leaseKeeper.run: heartbeat failed", "error", err)
			continue
		}
		if !ok {
			k.lostOnce.Do(func() { close(k.lost) })
			return
		}
		telemetry.Heartbeats.Inc()
	}
}

func (k *leaseKeeper) isLost() bool {
	select {
	case <-k.lost:
		return true
	default:
		return false
	}
}
