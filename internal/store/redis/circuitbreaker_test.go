package redis

import (
	"errors"
	"testing"
	"time"
)

var errPublish = errors.New("publish failed")

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Do(func() error { return errPublish })
	}
}

func TestBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)
	if got := cb.CurrentState(); got != StateClosed {
		t.Errorf("new breaker state = %v, want closed", got)
	}
	if err := cb.Do(func() error { return nil }); err != nil {
		t.Errorf("Do on closed breaker: %v", err)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	failN(cb, 2)
	if got := cb.CurrentState(); got != StateClosed {
		t.Fatalf("state after 2 failures = %v, want closed", got)
	}

	failN(cb, 1)
	if got := cb.CurrentState(); got != StateOpen {
		t.Fatalf("state after 3 failures = %v, want open", got)
	}
	if got := cb.Trips(); got != 1 {
		t.Errorf("Trips = %d, want 1", got)
	}

	called := false
	err := cb.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Do while open = %v, want ErrBreakerOpen", err)
	}
	if called {
		t.Error("fn ran while breaker was open")
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker(2, 30*time.Millisecond)
	failN(cb, 2)
	if cb.CurrentState() != StateOpen {
		t.Fatal("breaker did not open")
	}

	time.Sleep(40 * time.Millisecond)

	if err := cb.Do(func() error { return nil }); err != nil {
		t.Fatalf("probe returned %v, want nil", err)
	}
	if got := cb.CurrentState(); got != StateClosed {
		t.Errorf("state after successful probe = %v, want closed", got)
	}
	if got := cb.Trips(); got != 1 {
		t.Errorf("Trips = %d, want 1", got)
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(2, 30*time.Millisecond)
	failN(cb, 2)

	time.Sleep(40 * time.Millisecond)
	failN(cb, 1)

	if got := cb.CurrentState(); got != StateOpen {
		t.Fatalf("state after failed probe = %v, want open", got)
	}

	// The fresh cooldown starts at the failed probe, so calls are
	// rejected again immediately after.
	if err := cb.Do(func() error { return nil }); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Do right after failed probe = %v, want ErrBreakerOpen", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	failN(cb, 2)
	cb.Do(func() error { return nil })
	failN(cb, 2)

	if got := cb.CurrentState(); got != StateClosed {
		t.Errorf("state = %v, want closed (success should reset the count)", got)
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []State
	cb := NewCircuitBreaker(1, 30*time.Millisecond)
	cb.OnStateChange = func(from, to State) {
		transitions = append(transitions, to)
	}

	failN(cb, 1)
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Fatalf("transitions after trip = %v, want [open]", transitions)
	}

	time.Sleep(40 * time.Millisecond)
	if err := cb.Do(func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestBreakerStateString(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
