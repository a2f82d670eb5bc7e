package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operations_total",
			Help: "Total number of outbound chat-platform operations",
		},
		[]string{"operation", "status"},
	)
	OperationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "operation_latency_seconds",
			Help:    "Outbound chat-platform operation latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"operation"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of synthesis jobs enqueued",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of synthesis jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of synthesis jobs terminally failed",
		},
		[]string{"type", "reason"},
	)
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of synthesis job retry attempts",
		},
		[]string{"type"},
	)

	IdempotencyHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_hits_total",
			Help: "Total number of idempotency probe hits (side effect skipped)",
		},
	)
	IdempotencyMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_misses_total",
			Help: "Total number of idempotency probe misses",
		},
	)

	Platform429Total = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platform_429_total",
			Help: "Total number of 429 responses from the chat platform",
		},
		[]string{"type", "guild", "global"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Synthesis queue depth per job state",
		},
		[]string{"state"},
	)
	TokenBucketAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "token_bucket_available",
			Help: "Tokens currently available in the global bucket",
		},
	)

	ConsumerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_messages_total",
			Help: "Total number of broker deliveries per consumer and verdict",
		},
		[]string{"consumer", "verdict"},
	)
)

// InitMetrics registers all collectors with the default registry.
func InitMetrics() {
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationLatency)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(IdempotencyHitsTotal)
	prometheus.MustRegister(IdempotencyMissesTotal)
	prometheus.MustRegister(Platform429Total)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(TokenBucketAvailable)
	prometheus.MustRegister(ConsumerMessagesTotal)
}

// ObserveOperation records one outbound call with its latency.
func ObserveOperation(operation, status string, dur time.Duration) {
	OperationsTotal.WithLabelValues(operation, status).Inc()
	OperationLatency.WithLabelValues(operation).Observe(dur.Seconds())
}

// Record429 counts a platform rate-limit response.
func Record429(jobType, guildID string, global bool) {
	Platform429Total.WithLabelValues(jobType, guildID, strconv.FormatBool(global)).Inc()
}
