// Package executor wraps a single step invocation with circuit-breaker
// admission, invocation-limit enforcement, and a retry loop.
package executor

import (
	"sync"
	"time"
)

// BreakerState is one of a circuit breaker's three states: CLOSED, OPEN, or
// HALF_OPEN.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig configures one step's breaker.
type CircuitBreakerConfig struct {
	FailureThreshold   int           // consecutive failures before OPEN
	SuccessThreshold   int           // consecutive half-open successes before CLOSED
	OpenDuration       time.Duration // time OPEN must elapse before HALF_OPEN
	HalfOpenMaxAttempts int          // concurrent half-open probes allowed
}

// DefaultCircuitBreakerConfig returns conservative defaults sized for typical
// external dependencies.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		OpenDuration:        30 * time.Second,
		HalfOpenMaxAttempts: 1,
	}
}

// CircuitBreaker is an engine-global, per-step-id failure-rate limiter,
// shared across every instance running that step. State transitions are
// serialized by an internal mutex, giving CAS-equivalent atomicity without
// extra machinery.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg CircuitBreakerConfig

	state            BreakerState
	consecutiveFails int
	consecutiveOK    int
	openedAt         time.Time
	halfOpenInFlight int
}

// NewCircuitBreaker creates a CLOSED breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// ErrCircuitOpen is returned by Admit when the breaker denies an invocation.
type ErrCircuitOpen struct{ StepID string }

func (e *ErrCircuitOpen) Error() string { return "circuit open for step: " + e.StepID }

// Admit decides whether an invocation may proceed, transitioning OPEN->HALF_OPEN
// once OpenDuration has elapsed.
func (cb *CircuitBreaker) Admit(now time.Time) (allowed bool, state BreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true, cb.state
	case StateOpen:
		if now.Sub(cb.openedAt) >= cb.cfg.OpenDuration {
			cb.state = StateHalfOpen
			cb.halfOpenInFlight = 0
			cb.consecutiveOK = 0
		} else {
			return false, cb.state
		}
		fallthrough
	case StateHalfOpen:
		maxAttempts := cb.cfg.HalfOpenMaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		if cb.halfOpenInFlight >= maxAttempts {
			return false, cb.state
		}
		cb.halfOpenInFlight++
		return true, cb.state
	default:
		return true, cb.state
	}
}

// OnSuccess records a successful invocation, possibly closing a HALF_OPEN breaker.
func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenInFlight--
		cb.consecutiveOK++
		threshold := cb.cfg.SuccessThreshold
		if threshold <= 0 {
			threshold = 1
		}
		if cb.consecutiveOK >= threshold {
			cb.state = StateClosed
			cb.consecutiveFails = 0
			cb.consecutiveOK = 0
		}
	case StateClosed:
		cb.consecutiveFails = 0
	}
}

// OnFailure records a failed invocation, possibly opening the breaker.
func (cb *CircuitBreaker) OnFailure(now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenInFlight--
		cb.state = StateOpen
		cb.openedAt = now
		cb.consecutiveOK = 0
	case StateClosed:
		cb.consecutiveFails++
		threshold := cb.cfg.FailureThreshold
		if threshold <= 0 {
			threshold = 1
		}
		if cb.consecutiveFails >= threshold {
			cb.state = StateOpen
			cb.openedAt = now
		}
	}
}

// State returns the current breaker state, for observability.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Registry owns one CircuitBreaker per step id, an engine-scoped singleton.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	defaults CircuitBreakerConfig
}

// NewRegistry creates a Registry applying defaultCfg to any step without an
// explicit override.
func NewRegistry(defaultCfg CircuitBreakerConfig) *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker), defaults: defaultCfg}
}

// For returns (creating if necessary) the breaker for stepID.
func (r *Registry) For(stepID string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[stepID]
	if !ok {
		cb = NewCircuitBreaker(r.defaults)
		r.breakers[stepID] = cb
	}
	return cb
}

// Configure overrides the breaker config for a specific step id.
func (r *Registry) Configure(stepID string, cfg CircuitBreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[stepID] = NewCircuitBreaker(cfg)
}
