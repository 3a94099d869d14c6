package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for JobsFinished.
const (
	OutcomeComplete  = "complete"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomeExhausted = "exhausted"
)

var (
	once sync.Once

	JobsClaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "precompute_jobs_claimed_total", Help: "Jobs claimed by workers"})
	JobsFinished     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "precompute_jobs_finished_total", Help: "Jobs finalized by outcome"}, []string{"outcome"})
	LeaseLost        = prometheus.NewCounter(prometheus.CounterOpts{Name: "precompute_lease_lost_total", Help: "Runs abandoned after another worker reclaimed the job"})
	Heartbeats       = prometheus.NewCounter(prometheus.CounterOpts{Name: "precompute_heartbeats_total", Help: "Successful lease renewals"})
	HeartbeatErrors  = prometheus.NewCounter(prometheus.CounterOpts{Name: "precompute_heartbeat_errors_total", Help: "Lease renewals that failed with a store error"})
	StoreErrors      = prometheus.NewCounter(prometheus.CounterOpts{Name: "precompute_store_errors_total", Help: "Job store errors seen by the worker poll loop"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "precompute_jobs_inflight", Help: "Jobs currently held by this process"})
	RunDuration      = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "precompute_run_duration_seconds", Help: "Algorithm run time", Buckets: prometheus.ExponentialBuckets(1, 4, 10)})
	JobsEnqueued     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "precompute_jobs_enqueued_total", Help: "Enqueue results by disposition"}, []string{"disposition"})
	JobsRefreshed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "precompute_jobs_refreshed_total", Help: "Staleness refresh actions"}, []string{"action"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "precompute_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsClaimed,
			JobsFinished,
			LeaseLost,
			Heartbeats,
			HeartbeatErrors,
			StoreErrors,
			InFlightGauge,
			RunDuration,
			JobsEnqueued,
			JobsRefreshed,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
