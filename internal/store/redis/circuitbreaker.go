package redis

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by Do while the breaker is rejecting calls.
var ErrBreakerOpen = errors.New("redis: circuit breaker open")

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards the Redis publish path. After maxFailures
// consecutive failures it opens and rejects calls for the cooldown
// period, then lets a single probe through; the probe's outcome decides
// whether the breaker closes again or re-opens for another cooldown.
type CircuitBreaker struct {
	mu sync.Mutex

	state       State
	failures    int
	maxFailures int
	cooldown    time.Duration
	openedAt    time.Time
	probing     bool
	trips       uint64

	// OnStateChange, when set, is invoked synchronously on every
	// transition while the breaker lock is held. Keep it cheap and do
	// not call back into the breaker from it.
	OnStateChange func(from, to State)
}

// NewCircuitBreaker returns a closed breaker. maxFailures <= 0 defaults
// to 5 and cooldown <= 0 defaults to 30s.
func NewCircuitBreaker(maxFailures int, cooldown time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		state:       StateClosed,
		maxFailures: maxFailures,
		cooldown:    cooldown,
	}
}

// Do runs fn under the breaker. While open it returns ErrBreakerOpen
// without calling fn. Once the cooldown elapses the breaker moves to
// half-open and exactly one caller is admitted as the probe; concurrent
// callers keep getting ErrBreakerOpen until the probe settles.
func (cb *CircuitBreaker) Do(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.settle(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.openedAt) < cb.cooldown {
			return ErrBreakerOpen
		}
		cb.transition(StateHalfOpen)
		cb.probing = true
		return nil
	case StateHalfOpen:
		if cb.probing {
			return ErrBreakerOpen
		}
		cb.probing = true
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) settle(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.probing = false
		if err != nil {
			cb.openedAt = time.Now()
			cb.transition(StateOpen)
			return
		}
		cb.failures = 0
		cb.transition(StateClosed)
		return
	}

	if err != nil {
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.maxFailures {
			cb.openedAt = time.Now()
			cb.trips++
			cb.transition(StateOpen)
		}
		return
	}
	cb.failures = 0
}

// transition assumes cb.mu is held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}

// CurrentState reports the state without advancing open -> half-open.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Trips reports how many times the breaker has opened from closed.
func (cb *CircuitBreaker) Trips() uint64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.trips
}
