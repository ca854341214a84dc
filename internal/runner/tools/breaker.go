package tools

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow while a breaker is open and its reset
// window has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerState is the lifecycle state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker protects one tool from repeated failures. Closed trips to
// Open after failThreshold consecutive failures. Open fails fast until
// resetAfter has elapsed, then admits probe calls in HalfOpen. HalfOpen
// returns to Closed after probeSuccess consecutive successes and reopens on
// any failure.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	failThreshold int
	resetAfter    time.Duration
	probeSuccess  int

	now func() time.Time
}

// NewCircuitBreaker builds a closed breaker with the given thresholds.
func NewCircuitBreaker(failThreshold int, resetAfter time.Duration, probeSuccess int) *CircuitBreaker {
	return &CircuitBreaker{
		state:         BreakerClosed,
		failThreshold: failThreshold,
		resetAfter:    resetAfter,
		probeSuccess:  probeSuccess,
		now:           time.Now,
	}
}

// Allow reports whether a call may proceed. While open it returns
// ErrCircuitOpen until the reset window elapses, at which point the breaker
// moves to half-open and admits the call as a probe.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return nil
	}
	if b.now().Sub(b.openedAt) < b.resetAfter {
		return ErrCircuitOpen
	}
	b.state = BreakerHalfOpen
	b.successes = 0
	return nil
}

// RecordSuccess registers a successful call. It returns true when this call
// transitioned the breaker back to closed.
func (b *CircuitBreaker) RecordSuccess() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.probeSuccess {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
			return true
		}
	}
	return false
}

// RecordFailure registers a failed call. It returns true when this call
// transitioned the breaker to open.
func (b *CircuitBreaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failThreshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
			return true
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.successes = 0
		return true
	}
	return false
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
