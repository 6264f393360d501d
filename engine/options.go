package engine

import (
	"time"

	"github.com/flowforge/workflow/emit"
	"github.com/flowforge/workflow/executor"
	"github.com/flowforge/workflow/metrics"
)

// Option configures an Engine at construction time, using the functional-
// options idiom rather than a single Options struct, since there is no
// backward-compatible Options-struct predecessor to stay compatible with.
type Option func(*Engine)

// WithEmitter wires an observability backend. Default is a no-op emitter.
func WithEmitter(e emit.Emitter) Option {
	return func(en *Engine) { en.publisher = emit.Publisher{Emitter: e} }
}

// WithCircuitBreakerConfig overrides the default circuit-breaker thresholds
// applied to every step id.
func WithCircuitBreakerConfig(cfg executor.CircuitBreakerConfig) Option {
	return func(en *Engine) { en.breakers = executor.NewRegistry(cfg) }
}

// WithAsyncPoolSize sets the async coordinator's bounded worker-pool size,
// the number of async handler invocations that may run concurrently.
// Default 4.
func WithAsyncPoolSize(n int) Option {
	return func(en *Engine) { en.asyncPoolSize = n }
}

// WithWaitPollInterval sets the polling granularity Execution.Get uses while
// waiting for a run loop iteration to finish. Default 5ms.
func WithWaitPollInterval(d time.Duration) Option {
	return func(en *Engine) { en.waitPollInterval = d }
}

// WithMetrics wires a Prometheus collector into the engine, the executor,
// and the async pool. Default is no instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(en *Engine) { en.metrics = m }
}
