// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 Collector
// =============================================================================

// Collector holds the gateway's prometheus instrumentation.
type Collector struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Dispatch metrics: one request per provider attempt, labeled by
	// the strategy that picked it and the outcome.
	dispatchAttemptsTotal   *prometheus.CounterVec
	dispatchAttemptDuration *prometheus.HistogramVec
	promptTokensEstimated   prometheus.Histogram

	// Pool metrics
	poolSize             *prometheus.GaugeVec
	permitExhaustedTotal *prometheus.CounterVec

	// Reconciler metrics
	reconcilerCycleDuration prometheus.Histogram
	reconcilerEvictedTotal  prometheus.Counter

	// Database metrics
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
	mu     sync.RWMutex
}

// NewCollector registers the gateway's metric families under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Dispatch metrics
	c.dispatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Total number of provider dispatch attempts",
		},
		[]string{"strategy", "status"}, // status: success, rate_limited, upstream_error, timeout
	)

	c.dispatchAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_attempt_duration_seconds",
			Help:      "Upstream completion duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"strategy"},
	)

	c.promptTokensEstimated = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prompt_tokens_estimated",
			Help:      "Estimated prompt token count per dispatched request",
			Buckets:   prometheus.ExponentialBuckets(32, 2, 12),
		},
	)

	// Pool metrics
	c.poolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_size",
			Help:      "Number of providers currently held in the pool",
		},
		[]string{"model"},
	)

	c.permitExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permit_exhausted_total",
			Help:      "Total number of times a provider's concurrency permit was unavailable",
		},
		[]string{"api_key_suffix"},
	)

	// Reconciler metrics
	c.reconcilerCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconciler_cycle_seconds",
			Help:      "Duration of a single balance-reconciliation cycle",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	c.reconcilerEvictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciler_evicted_total",
			Help:      "Total number of providers evicted for exhausted balance",
		},
	)

	// Database metrics
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP
// =============================================================================

// RecordHTTPRequest records one completed HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🚦 Dispatch
// =============================================================================

// RecordDispatchAttempt records one provider dispatch attempt.
func (c *Collector) RecordDispatchAttempt(strategy, status string, duration time.Duration) {
	c.dispatchAttemptsTotal.WithLabelValues(strategy, status).Inc()
	c.dispatchAttemptDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordPromptTokens records the estimated prompt token count for a
// dispatched request.
func (c *Collector) RecordPromptTokens(count int) {
	c.promptTokensEstimated.Observe(float64(count))
}

// =============================================================================
// 🏊 Pool
// =============================================================================

// SetPoolSize reports the current provider count for model.
func (c *Collector) SetPoolSize(model string, size int) {
	c.poolSize.WithLabelValues(model).Set(float64(size))
}

// RecordPermitExhausted records a non-blocking permit acquisition failure
// for the given provider (identified by the last 4 characters of its key).
func (c *Collector) RecordPermitExhausted(apiKeySuffix string) {
	c.permitExhaustedTotal.WithLabelValues(apiKeySuffix).Inc()
}

// =============================================================================
// 🔄 Reconciler
// =============================================================================

// RecordReconcilerCycle records one balance-reconciliation cycle.
func (c *Collector) RecordReconcilerCycle(duration time.Duration, evicted int) {
	c.reconcilerCycleDuration.Observe(duration.Seconds())
	c.reconcilerEvictedTotal.Add(float64(evicted))
}

// =============================================================================
// 🗄️ Database
// =============================================================================

// RecordDBConnections reports the current connection-pool occupancy.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery records one database query's duration.
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 Helpers
// =============================================================================

// statusClass collapses an HTTP status code to its class (2xx, 4xx, ...).
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
