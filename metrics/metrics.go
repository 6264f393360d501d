// Package metrics provides Prometheus instrumentation for the workflow
// engine: step latency, circuit-breaker state, and async-coordinator queue
// depth.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the workflow engine's Prometheus metrics, all namespaced
// "workflow_". A nil *Metrics is valid and every method is a no-op on it, so
// instrumentation can be wired in optionally (engine.WithMetrics) without
// every call site needing a presence check.
type Metrics struct {
	instancesStarted   *prometheus.CounterVec
	instancesFinished  *prometheus.CounterVec
	stepLatency        *prometheus.HistogramVec
	retries            *prometheus.CounterVec
	circuitBreakerState *prometheus.GaugeVec
	asyncQueueDepth    prometheus.Gauge
	asyncInFlight      prometheus.Gauge

	mu      sync.RWMutex
	enabled bool
}

// New creates and registers every metric against registry. A nil registry
// uses prometheus.DefaultRegisterer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.instancesStarted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow",
		Name:      "instances_started_total",
		Help:      "Workflow instances started, by workflow id",
	}, []string{"workflow_id"})

	m.instancesFinished = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow",
		Name:      "instances_finished_total",
		Help:      "Workflow instances reaching a terminal state, by workflow id and status",
	}, []string{"workflow_id", "status"}) // status: COMPLETED, FAILED

	m.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workflow",
		Name:      "step_latency_ms",
		Help:      "Step invocation duration in milliseconds, per attempt",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
	}, []string{"step_id", "status"}) // status: success, error

	m.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow",
		Name:      "step_retries_total",
		Help:      "Retry attempts across all steps, by step id",
	}, []string{"step_id"})

	m.circuitBreakerState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "workflow",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per step: 0=CLOSED, 1=OPEN, 2=HALF_OPEN",
	}, []string{"step_id"})

	m.asyncQueueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "workflow",
		Name:      "async_queue_depth",
		Help:      "Async handler invocations dispatched but not yet started on the worker pool",
	})

	m.asyncInFlight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "workflow",
		Name:      "async_inflight",
		Help:      "Async handler invocations currently running on the worker pool",
	})

	return m
}

func (m *Metrics) isEnabled() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Disable stops metric recording (useful for tests). Safe on a nil Metrics.
func (m *Metrics) Disable() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable resumes metric recording after Disable.
func (m *Metrics) Enable() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

// RecordInstanceStarted increments instances_started_total.
func (m *Metrics) RecordInstanceStarted(workflowID string) {
	if !m.isEnabled() {
		return
	}
	m.instancesStarted.WithLabelValues(workflowID).Inc()
}

// RecordInstanceFinished increments instances_finished_total with status
// "COMPLETED" or "FAILED".
func (m *Metrics) RecordInstanceFinished(workflowID, status string) {
	if !m.isEnabled() {
		return
	}
	m.instancesFinished.WithLabelValues(workflowID, status).Inc()
}

// RecordStepLatency observes one attempt's duration with status "success" or
// "error".
func (m *Metrics) RecordStepLatency(stepID string, latency time.Duration, status string) {
	if !m.isEnabled() {
		return
	}
	m.stepLatency.WithLabelValues(stepID, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries increments step_retries_total for stepID.
func (m *Metrics) IncrementRetries(stepID string) {
	if !m.isEnabled() {
		return
	}
	m.retries.WithLabelValues(stepID).Inc()
}

// SetCircuitBreakerState records a breaker's numeric state (executor.BreakerState).
func (m *Metrics) SetCircuitBreakerState(stepID string, state int) {
	if !m.isEnabled() {
		return
	}
	m.circuitBreakerState.WithLabelValues(stepID).Set(float64(state))
}

// SetAsyncQueueDepth sets the pending (not-yet-admitted) async dispatch count.
func (m *Metrics) SetAsyncQueueDepth(depth int) {
	if !m.isEnabled() {
		return
	}
	m.asyncQueueDepth.Set(float64(depth))
}

// IncAsyncInFlight/DecAsyncInFlight bracket one pool worker's invocation.
func (m *Metrics) IncAsyncInFlight() {
	if !m.isEnabled() {
		return
	}
	m.asyncInFlight.Inc()
}

func (m *Metrics) DecAsyncInFlight() {
	if !m.isEnabled() {
		return
	}
	m.asyncInFlight.Dec()
}
