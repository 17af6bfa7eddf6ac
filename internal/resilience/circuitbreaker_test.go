package resilience

import (
	"errors"
	"testing"
	"time"
)

var errFail = errors.New("backend down")

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Do(func() error { return errFail })
	}
}

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "t", MaxFailures: 3})
	failN(cb, 2)
	if got := cb.State(); got != BreakerClosed {
		t.Errorf("State = %v, want closed", got)
	}
	// A success resets the consecutive-failure count.
	if err := cb.Do(func() error { return nil }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	failN(cb, 2)
	if got := cb.State(); got != BreakerClosed {
		t.Errorf("State after reset+2 failures = %v, want closed", got)
	}
}

func TestBreaker_OpensAtThresholdAndRejects(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "t", MaxFailures: 3, ResetTimeout: time.Hour})
	failN(cb, 3)
	if got := cb.State(); got != BreakerOpen {
		t.Fatalf("State = %v, want open", got)
	}

	called := false
	err := cb.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Do = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn called while breaker open")
	}
}

func TestBreaker_HalfOpenProbeClosesOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "t", MaxFailures: 1, ResetTimeout: time.Millisecond})
	failN(cb, 1)

	time.Sleep(5 * time.Millisecond)
	if got := cb.State(); got != BreakerHalfOpen {
		t.Fatalf("State = %v, want half-open after reset timeout", got)
	}

	if err := cb.Do(func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if got := cb.State(); got != BreakerClosed {
		t.Errorf("State = %v, want closed after successful probe", got)
	}
}

func TestBreaker_HalfOpenProbeReopensOnFailure(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "t", MaxFailures: 1, ResetTimeout: time.Millisecond})
	failN(cb, 1)

	time.Sleep(5 * time.Millisecond)
	_ = cb.Do(func() error { return errFail })
	if got := cb.State(); got != BreakerOpen {
		t.Errorf("State = %v, want re-opened", got)
	}
}

func TestBreaker_SingleProbeAtATime(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "t", MaxFailures: 1, ResetTimeout: time.Millisecond})
	failN(cb, 1)
	time.Sleep(5 * time.Millisecond)

	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- cb.Do(func() error {
			close(probeStarted)
			<-probeRelease
			return nil
		})
	}()

	<-probeStarted
	// While the probe is in flight, other calls are rejected.
	if err := cb.Do(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("concurrent call during probe = %v, want ErrCircuitOpen", err)
	}

	close(probeRelease)
	if err := <-probeDone; err != nil {
		t.Fatalf("probe: %v", err)
	}
}

func TestBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "t", MaxFailures: 1, ResetTimeout: time.Hour})
	failN(cb, 1)
	cb.Reset()
	if got := cb.State(); got != BreakerClosed {
		t.Errorf("State = %v, want closed after Reset", got)
	}
	if err := cb.Do(func() error { return nil }); err != nil {
		t.Errorf("Do after Reset: %v", err)
	}
}
