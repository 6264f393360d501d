package executor

import (
	"testing"
	"time"
)

// TestCircuitBreakerLifecycle verifies that three consecutive failures open
// the breaker, it admits a half-open probe after openDuration elapses, and
// successThreshold successes close it again.
func TestCircuitBreakerLifecycle(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		OpenDuration:        100 * time.Millisecond,
		HalfOpenMaxAttempts: 2,
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		allowed, state := cb.Admit(start)
		if !allowed || state != StateClosed {
			t.Fatalf("attempt %d: expected admitted+CLOSED, got %v/%v", i, allowed, state)
		}
		cb.OnFailure(start)
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN after 3 failures, got %v", cb.State())
	}

	if allowed, _ := cb.Admit(start.Add(10 * time.Millisecond)); allowed {
		t.Fatal("expected denial while still within openDuration")
	}

	afterOpen := start.Add(150 * time.Millisecond)
	allowed, state := cb.Admit(afterOpen)
	if !allowed || state != StateHalfOpen {
		// Admit transitions to HALF_OPEN and falls through to admit the probe,
		// returning the new state.
		t.Fatalf("expected admission once openDuration elapsed, got %v/%v", allowed, state)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN, got %v", cb.State())
	}

	cb.OnSuccess()
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected still HALF_OPEN after 1 success, got %v", cb.State())
	}
	if allowed, _ := cb.Admit(afterOpen); !allowed {
		t.Fatal("expected second half-open probe admitted")
	}
	cb.OnSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("expected CLOSED after successThreshold successes, got %v", cb.State())
	}
}

func TestCircuitBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:    1,
		SuccessThreshold:    1,
		OpenDuration:        10 * time.Millisecond,
		HalfOpenMaxAttempts: 1,
	})
	now := time.Now()
	cb.Admit(now)
	cb.OnFailure(now)
	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN, got %v", cb.State())
	}
	later := now.Add(20 * time.Millisecond)
	cb.Admit(later)
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN, got %v", cb.State())
	}
	cb.OnFailure(later)
	if cb.State() != StateOpen {
		t.Fatalf("expected back to OPEN after half-open failure, got %v", cb.State())
	}
}
