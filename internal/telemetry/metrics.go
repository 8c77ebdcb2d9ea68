package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs durably handed to the broker"}, []string{"type"})
	JobsDeduplicated    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_deduplicated_total", Help: "Submissions answered from an idempotency key"}, []string{"type"})
	EnqueueFailures     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueue_failures_total", Help: "Submissions that failed because the broker was unreachable"}, []string{"type"})
	BackpressureRejects = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_backpressure_rejects_total", Help: "Low-priority submissions shed above the depth threshold"}, []string{"type"})
	AdmissionRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "http_admission_rejects_total", Help: "Requests rejected by the shared rate limiter"})
	ProviderErrors      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "identity_provider_errors_total", Help: "Failed identity provider calls"}, []string{"op"})
	SignupsReconciled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "signups_reconciled_total", Help: "Local users created after the signup request itself"})

	JobsSucceeded     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_succeeded_total", Help: "Jobs completed successfully"}, []string{"type"})
	JobAttemptsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "job_attempts_failed_total", Help: "Failed attempts that will be retried"}, []string{"type"})
	JobsDeadLettered  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_dead_lettered_total", Help: "Jobs moved to the dead-letter queue"}, []string{"type"})
	JobsCancelled     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_cancelled_total", Help: "Jobs that ended cancelled"}, []string{"type"})
	JobsReaped        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_reaped_total", Help: "Terminal jobs removed by retention"})
	JobDuration       = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "job_duration_seconds", Help: "Handler execution time", Buckets: prometheus.DefBuckets}, []string{"type", "outcome"})

	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently leased by this worker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsDeduplicated,
			EnqueueFailures,
			BackpressureRejects,
			AdmissionRejects,
			ProviderErrors,
			SignupsReconciled,
			JobsSucceeded,
			JobAttemptsFailed,
			JobsDeadLettered,
			JobsCancelled,
			JobsReaped,
			JobDuration,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
