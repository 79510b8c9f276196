package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace defines the global prefix for all metrics (e.g., cohortd_...).
const namespace = "cohortd"

var (
	// -------------------------------------------------------------------------
	// READ PATH (HTTP API + result cache)
	// -------------------------------------------------------------------------

	// APIReqDuration measures the latency of HTTP requests.
	// Metric: cohortd_api_http_handling_seconds
	APIReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle HTTP requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// APIReqTotal counts the total number of HTTP requests.
	// Metric: cohortd_api_http_requests_total
	APIReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests",
	}, []string{"method", "path", "code"})

	// CacheHits counts result-cache hits, labeled by artifact
	// (experiments, banner_mixture).
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total result cache hits",
	}, []string{"artifact"})

	// CacheMisses counts result-cache misses, including degraded reads where
	// Redis was unreachable.
	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total result cache misses",
	}, []string{"artifact"})

	// -------------------------------------------------------------------------
	// REFRESH PIPELINE (consumer + scheduler)
	// -------------------------------------------------------------------------

	// PipelineEventsTotal counts consumed order events by outcome
	// (ok, retried, failed, invalid).
	PipelineEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "events_total",
		Help:      "Total order events processed",
	}, []string{"status"})

	// PipelineDLQTotal counts messages routed to the dead-letter topic.
	PipelineDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "dead_letters_total",
		Help:      "Total messages routed to the dead-letter topic",
	})

	// DormancyChecksTotal counts dormancy jobs by outcome (fired, suppressed).
	DormancyChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "dormancy_checks_total",
		Help:      "Total dormancy checks by outcome",
	}, []string{"outcome"})
)

// Metrics is the recorder handed to components that report telemetry through
// interfaces (cache coordinator, consumer, dormancy checker), keeping them
// free of a direct Prometheus dependency.
type Metrics struct{}

// NewMetrics returns the process-wide recorder.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// CacheHit records a result-cache hit for the artifact.
func (m *Metrics) CacheHit(artifact string) {
	CacheHits.WithLabelValues(artifact).Inc()
}

// CacheMiss records a result-cache miss for the artifact.
func (m *Metrics) CacheMiss(artifact string) {
	CacheMisses.WithLabelValues(artifact).Inc()
}

// EventProcessed records one consumed order event outcome.
func (m *Metrics) EventProcessed(status string) {
	PipelineEventsTotal.WithLabelValues(status).Inc()
}

// EventDeadLettered records one dead-lettered message.
func (m *Metrics) EventDeadLettered() {
	PipelineDLQTotal.Inc()
}

// DormancyCheck records one dormancy job outcome.
func (m *Metrics) DormancyCheck(outcome string) {
	DormancyChecksTotal.WithLabelValues(outcome).Inc()
}
