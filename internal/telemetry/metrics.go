package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	UploadsAccepted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "photo_uploads_accepted_total", Help: "Uploads accepted and scheduled"})
	UploadsRejected       = prometheus.NewCounter(prometheus.CounterOpts{Name: "photo_uploads_rejected_total", Help: "Uploads rejected by validation or publish failure"})
	IdempotencyReplays    = prometheus.NewCounter(prometheus.CounterOpts{Name: "idempotency_replays_total", Help: "Responses replayed from the idempotency store"})
	IdempotencyMisses     = prometheus.NewCounter(prometheus.CounterOpts{Name: "idempotency_misses_total", Help: "Gated requests executed for a fresh key"})
	IdempotencyMissingKey = prometheus.NewCounter(prometheus.CounterOpts{Name: "idempotency_missing_key_total", Help: "Gated requests rejected for a missing key"})
	JobsPublished         = prometheus.NewCounter(prometheus.CounterOpts{Name: "photo_jobs_published_total", Help: "Jobs accepted by the broker"})
	PublishFailures       = prometheus.NewCounter(prometheus.CounterOpts{Name: "photo_jobs_publish_failures_total", Help: "Jobs the broker refused"})
	JobsCompleted         = prometheus.NewCounter(prometheus.CounterOpts{Name: "photo_jobs_completed_total", Help: "Jobs whose tasks all succeeded"})
	JobsFailed            = prometheus.NewCounter(prometheus.CounterOpts{Name: "photo_jobs_failed_total", Help: "Jobs nacked to the dead-letter queue"})
	TasksExecuted         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "photo_tasks_executed_total", Help: "Task executions by kind and outcome"}, []string{"task", "outcome"})
	InFlightGauge         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "photo_jobs_inflight", Help: "Jobs currently being processed"})
	RateLimitRejects      = prometheus.NewCounter(prometheus.CounterOpts{Name: "photo_uploads_rate_limited_total", Help: "Requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			UploadsAccepted,
			UploadsRejected,
			IdempotencyReplays,
			IdempotencyMisses,
			IdempotencyMissingKey,
			JobsPublished,
			PublishFailures,
			JobsCompleted,
			JobsFailed,
			TasksExecuted,
			InFlightGauge,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
