package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "t1", MaxFailures: 2, ResetTimeout: time.Hour})
	failing := errors.New("boom")

	if err := cb.Execute(func() error { return failing }); err != failing {
		t.Fatalf("got %v, want failing", err)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("got %s, want closed after first failure", cb.State())
	}
	if err := cb.Execute(func() error { return failing }); err != failing {
		t.Fatalf("got %v, want failing", err)
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("got %s, want open after MaxFailures", cb.State())
	}
	if err := cb.Execute(func() error { t.Fatal("fn should not run while open"); return nil }); err != ErrCircuitOpen {
		t.Errorf("got %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "t1", MaxFailures: 1, ResetTimeout: time.Millisecond, HalfOpenMaxReqs: 1})
	cb.Execute(func() error { return errors.New("boom") })
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open")
	}
	time.Sleep(5 * time.Millisecond)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected half-open probe to succeed, got %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("got %s, want closed after successful half-open probe", cb.State())
	}
}

func TestRegistryGetOrCreateReusesSameBreaker(t *testing.T) {
	r := NewRegistry()
	a := r.Get("tenant-1")
	b := r.Get("tenant-1")
	if a != b {
		t.Errorf("expected same breaker instance for the same name")
	}
}

func TestBackoffRetriesUntilSuccess(t *testing.T) {
	b := DefaultPoolSaturationBackoff()
	attempts := 0
	err := b.Retry(context.Background(), func(error) bool { return true }, func(attempt int) error {
		attempts++
		if attempt < 3 {
			return errors.New("no more connections allowed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if attempts != 3 {
		t.Errorf("got %d attempts, want 3", attempts)
	}
}

func TestBackoffStopsOnNonRetryable(t *testing.T) {
	b := DefaultPoolSaturationBackoff()
	permanent := errors.New("permanent")
	attempts := 0
	err := b.Retry(context.Background(), func(error) bool { return false }, func(attempt int) error {
		attempts++
		return permanent
	})
	if err != permanent {
		t.Fatalf("got %v, want permanent", err)
	}
	if attempts != 1 {
		t.Errorf("got %d attempts, want 1", attempts)
	}
}

func TestBackoffRespectsMaxAttempts(t *testing.T) {
	b := PoolSaturationBackoff{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 3, MaxElapsed: time.Second}
	attempts := 0
	retryErr := errors.New("retry me")
	err := b.Retry(context.Background(), func(error) bool { return true }, func(attempt int) error {
		attempts++
		return retryErr
	})
	if err != retryErr {
		t.Fatalf("got %v, want retryErr", err)
	}
	if attempts != 3 {
		t.Errorf("got %d attempts, want 3", attempts)
	}
}
