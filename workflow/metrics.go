package workflow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides production monitoring for the runner,
// namespaced "workflow_", covering per-superstep, per-executor dispatch.
//
// Metrics exposed:
//  1. inflight_executors (gauge) — executors dispatched concurrently right now.
//  2. frontier_depth (gauge) — pending dispatch items in the parallel frontier.
//  3. superstep_latency_ms (histogram) — wall time per superstep.
//  4. retries_total (counter) — handler retry attempts.
//  5. outstanding_requests (gauge) — size of the external request registry.
//  6. backpressure_events_total (counter) — frontier saturation events.
type PrometheusMetrics struct {
	inflightExecutors prometheus.Gauge
	frontierDepth     prometheus.Gauge
	outstandingReqs   prometheus.Gauge

	superstepLatency *prometheus.HistogramVec
	retries          *prometheus.CounterVec
	backpressure     *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics registers the runner's metrics with registry (use
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for isolation in tests).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	pm := &PrometheusMetrics{enabled: true}

	pm.inflightExecutors = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "workflow", Name: "inflight_executors",
		Help: "Current number of executors dispatched concurrently within a superstep",
	})
	pm.frontierDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "workflow", Name: "frontier_depth",
		Help: "Pending dispatch items in the parallel-edge-dispatch frontier",
	})
	pm.outstandingReqs = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "workflow", Name: "outstanding_requests",
		Help: "Current size of the external request/response registry",
	})
	pm.superstepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workflow", Name: "superstep_latency_ms",
		Help:    "Superstep wall-clock duration in milliseconds",
		Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"run_id", "status"})
	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow", Name: "retries_total",
		Help: "Cumulative count of handler retry attempts",
	}, []string{"run_id", "executor_id", "reason"})
	pm.backpressure = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow", Name: "backpressure_events_total",
		Help: "Frontier saturation events where dispatch was throttled",
	}, []string{"run_id", "reason"})

	return pm
}

func (pm *PrometheusMetrics) isEnabled() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordSuperstepLatency records one superstep's duration.
func (pm *PrometheusMetrics) RecordSuperstepLatency(runID string, latency time.Duration, status string) {
	if !pm.isEnabled() {
		return
	}
	pm.superstepLatency.WithLabelValues(runID, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries records one handler retry attempt.
func (pm *PrometheusMetrics) IncrementRetries(runID, executorID, reason string) {
	if !pm.isEnabled() {
		return
	}
	pm.retries.WithLabelValues(runID, executorID, reason).Inc()
}

// UpdateFrontierDepth sets the current parallel-dispatch frontier depth.
func (pm *PrometheusMetrics) UpdateFrontierDepth(depth int) {
	if !pm.isEnabled() {
		return
	}
	pm.frontierDepth.Set(float64(depth))
}

// UpdateInflightExecutors sets the current concurrently-dispatched count.
func (pm *PrometheusMetrics) UpdateInflightExecutors(count int) {
	if !pm.isEnabled() {
		return
	}
	pm.inflightExecutors.Set(float64(count))
}

// UpdateOutstandingRequests sets the current request registry size.
func (pm *PrometheusMetrics) UpdateOutstandingRequests(count int) {
	if !pm.isEnabled() {
		return
	}
	pm.outstandingReqs.Set(float64(count))
}

// IncrementBackpressure records one frontier saturation event.
func (pm *PrometheusMetrics) IncrementBackpressure(runID, reason string) {
	if !pm.isEnabled() {
		return
	}
	pm.backpressure.WithLabelValues(runID, reason).Inc()
}

// Disable stops metric recording (useful for benchmarks/tests).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes metric recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
