package executor

import (
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/flowforge/workflow/metrics"
	"github.com/flowforge/workflow/wf"
)

// AttemptRecord captures one invocation attempt, feeding the execution
// history the engine persists after every transition.
type AttemptRecord struct {
	Attempt   int
	StartedAt time.Time
	EndedAt   time.Time
	Result    wf.StepResult
	Err       error
}

// LimitAction is what Execute returns when a step's invocation count exceeds
// its configured limit — the engine interprets this to decide STOP/CONTINUE/ERROR.
type LimitAction = wf.OnLimitAction

// ErrInvocationLimitExceeded signals that a step's invocation count exceeded
// its configured limit.
type ErrInvocationLimitExceeded struct {
	StepID string
	Limit  int
	Action LimitAction
}

func (e *ErrInvocationLimitExceeded) Error() string {
	return fmt.Sprintf("step %s exceeded invocation limit %d", e.StepID, e.Limit)
}

// ErrStepTimeout wraps a timeout-induced failure.
type ErrStepTimeout struct {
	StepID string
	Dur    time.Duration
}

func (e *ErrStepTimeout) Error() string {
	return fmt.Sprintf("step %s exceeded timeout of %s", e.StepID, e.Dur)
}

// Executor wraps single-step invocation with circuit-breaker admission,
// invocation-limit enforcement, and the retry loop. It never mutates
// WorkflowInstance status — that remains the engine's job.
type Executor struct {
	breakers *Registry
	metrics  *metrics.Metrics

	mu     sync.Mutex
	counts map[string]map[string]int // instanceID -> stepID -> invocation count
}

// New creates an Executor sharing one CircuitBreaker registry across all instances.
func New(breakers *Registry) *Executor {
	if breakers == nil {
		breakers = NewRegistry(DefaultCircuitBreakerConfig())
	}
	return &Executor{breakers: breakers, counts: make(map[string]map[string]int)}
}

// SetMetrics wires a Prometheus collector into the executor. A nil m
// (the default) disables instrumentation.
func (e *Executor) SetMetrics(m *metrics.Metrics) { e.metrics = m }

func (e *Executor) bumpCount(instanceID, stepID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	byStep, ok := e.counts[instanceID]
	if !ok {
		byStep = make(map[string]int)
		e.counts[instanceID] = byStep
	}
	byStep[stepID]++
	return byStep[stepID]
}

// Execute runs node once to completion (including its own retry loop),
// returning the terminal StepResult (which may be Fail if retries were
// exhausted) plus the full attempt history for persistence.
func (e *Executor) Execute(ctx context.Context, instanceID string, node *wf.StepNode, input any, wctx *wf.Context, rng *rand.Rand) (wf.StepResult, []AttemptRecord, error) {
	if node.Policies.InvocationLimit > 0 {
		count := e.bumpCount(instanceID, node.ID)
		if count > node.Policies.InvocationLimit && node.Policies.OnInvocationsLimit != wf.LimitContinue {
			return wf.StepResult{}, nil, &ErrInvocationLimitExceeded{
				StepID: node.ID,
				Limit:  node.Policies.InvocationLimit,
				Action: node.Policies.OnInvocationsLimit,
			}
		}
	}

	breaker := e.breakers.For(node.ID)

	policy := node.Policies.Retry
	maxAttempts := 1
	if policy != nil && policy.MaxAttempts > 0 {
		maxAttempts = policy.MaxAttempts
	}

	var records []AttemptRecord
	var last wf.StepResult
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		allowed, state := breaker.Admit(time.Now())
		e.metrics.SetCircuitBreakerState(node.ID, int(state))
		if !allowed {
			err := &ErrCircuitOpen{StepID: node.ID}
			records = append(records, AttemptRecord{Attempt: attempt, StartedAt: time.Now(), EndedAt: time.Now(), Err: err})
			return wf.Fail(err), records, nil
		}

		started := time.Now()
		result, invokeErr := e.invokeWithTimeout(ctx, node, input, wctx)
		ended := time.Now()

		records = append(records, AttemptRecord{Attempt: attempt, StartedAt: started, EndedAt: ended, Result: result, Err: invokeErr})

		failed := invokeErr != nil || result.Kind == wf.KindFail
		if failed {
			breaker.OnFailure(ended)
			e.metrics.SetCircuitBreakerState(node.ID, int(breaker.State()))
			e.metrics.RecordStepLatency(node.ID, ended.Sub(started), "error")
			if invokeErr == nil {
				invokeErr = result.Err
			}
			if attempt >= maxAttempts || !retryable(policy, invokeErr, result.Kind == wf.KindFail) {
				last, lastErr = wf.Fail(invokeErr), nil
				break
			}
			e.metrics.IncrementRetries(node.ID)
			delay := computeDelay(policy, attempt, rng)
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return wf.Fail(ctx.Err()), records, nil
				}
			}
			continue
		}

		breaker.OnSuccess()
		e.metrics.SetCircuitBreakerState(node.ID, int(breaker.State()))
		e.metrics.RecordStepLatency(node.ID, ended.Sub(started), "success")
		last, lastErr = result, nil
		break
	}

	return last, records, lastErr
}

func (e *Executor) invokeWithTimeout(ctx context.Context, node *wf.StepNode, input any, wctx *wf.Context) (wf.StepResult, error) {
	timeout := time.Duration(node.Policies.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		return node.Executor.Invoke(ctx, input, wctx), nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type invokeOut struct {
		result wf.StepResult
	}
	done := make(chan invokeOut, 1)
	go func() {
		done <- invokeOut{result: node.Executor.Invoke(timeoutCtx, input, wctx)}
	}()

	select {
	case out := <-done:
		return out.result, nil
	case <-timeoutCtx.Done():
		if timeoutCtx.Err() == context.DeadlineExceeded {
			return wf.StepResult{}, &ErrStepTimeout{StepID: node.ID, Dur: timeout}
		}
		return wf.StepResult{}, timeoutCtx.Err()
	}
}

func computeDelay(policy *wf.RetryPolicy, attempt int, rng *rand.Rand) time.Duration {
	if policy == nil {
		return 0
	}
	mult := policy.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return computeRetryDelay(attempt, policy.Delay, mult, policy.MaxDelay, policy.JitterFactor, rng)
}

func retryable(policy *wf.RetryPolicy, err error, wasFailResult bool) bool {
	if policy == nil {
		return false
	}
	if wasFailResult {
		// Fail is retryable iff RetryOnFailResult=true, regardless of the
		// embedded error's class.
		if !policy.RetryOnFailResult {
			return false
		}
		return true
	}
	if err == nil {
		return false
	}
	errType := reflect.TypeOf(err)
	for _, abort := range policy.AbortOn {
		if errType == abort {
			return false
		}
	}
	if len(policy.RetryOn) == 0 {
		return true
	}
	for _, retry := range policy.RetryOn {
		if errType == retry {
			return true
		}
	}
	return false
}
