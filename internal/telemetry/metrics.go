package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "docs_enqueued_total", Help: "Total enqueued document jobs"})
	DedupCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "docs_enqueue_deduped_total", Help: "Enqueue calls answered with an existing job via singleton key"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "docs_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "docs_processed_total", Help: "Documents processed successfully"})
	WorkerSoftSkip   = prometheus.NewCounter(prometheus.CounterOpts{Name: "docs_soft_skipped_total", Help: "Jobs completed empty because the referenced entity vanished"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "docs_failed_total", Help: "Jobs that failed and will retry"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "docs_dead_letter_total", Help: "Jobs moved to DLQ after exhausting retries"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "docs_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "docs_inflight", Help: "Jobs currently leased"})
	SlotWaitGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "docs_slot_waiters", Help: "Workers waiting on an organization concurrency slot"})

	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docs_stage_duration_seconds",
		Help:    "Per-stage pipeline duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	ProviderAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docs_provider_attempts_total",
		Help: "Parser/OCR provider attempts by source and outcome",
	}, []string{"source", "outcome"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DedupCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerSoftSkip,
			WorkerFailures,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			SlotWaitGauge,
			StageDuration,
			ProviderAttempts,
		)
	})
	return promhttp.Handler()
}
