package retry

import (
	"errors"
	"testing"
	"time"
)

func newTestBreaker(threshold int, reset time.Duration) (*Breaker, *time.Time) {
	b := NewBreaker(BreakerConfig{FailureThreshold: threshold, ResetTimeout: reset})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(5, 30*time.Second)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		if b.State() != StateClosed {
			t.Fatalf("breaker opened after %d failures, threshold is 5", i+1)
		}
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("breaker should be open after 5 failures")
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() while open = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatal("non-consecutive failures should not open the breaker")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, now := newTestBreaker(2, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	// Before the reset timeout elapses, calls are rejected.
	*now = now.Add(10 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("expected rejection before reset timeout")
	}

	// After the timeout, exactly one probe is admitted.
	*now = now.Add(25 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe should be admitted, got %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("second call during probe should be rejected")
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(1, time.Second)

	b.RecordFailure()
	*now = now.Add(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe not admitted: %v", err)
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatal("probe success should close the breaker")
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("closed breaker should allow calls: %v", err)
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker(1, time.Second)

	b.RecordFailure()
	*now = now.Add(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe not admitted: %v", err)
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("probe failure should reopen the breaker")
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("reopened breaker should reject until the next timeout")
	}
}
