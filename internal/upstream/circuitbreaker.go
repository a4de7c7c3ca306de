package upstream

import (
	"sync"
	"time"
)

// cbState is the breaker's three-state machine. It gates outbound
// upstream.Client calls directly rather than wrapping a handler.
type cbState int

const (
	stateClosed cbState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker trips per upstream route: threshold consecutive failures
// open it; after openTimeout a single probe call decides whether it closes
// again or reopens.
type CircuitBreaker struct {
	mu          sync.Mutex
	failures    int
	threshold   int
	lastFailure time.Time
	openTimeout time.Duration
	state       cbState
	probing     bool
}

func NewCircuitBreaker(threshold int, openTimeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, openTimeout: openTimeout, state: stateClosed}
}

// Allow reports whether a call may proceed, transitioning Open->Half-Open
// once openTimeout has elapsed since the last failure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateOpen:
		if time.Since(cb.lastFailure) >= cb.openTimeout {
			cb.state = stateHalfOpen
			cb.probing = false
		} else {
			return false
		}
		fallthrough
	case stateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

// OnResult records the outcome of a call that Allow permitted.
func (cb *CircuitBreaker) OnResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateHalfOpen:
		if success {
			cb.state = stateClosed
			cb.failures = 0
		} else {
			cb.state = stateOpen
			cb.lastFailure = time.Now()
		}
		cb.probing = false
	case stateClosed:
		if success {
			cb.failures = 0
		} else {
			cb.failures++
			cb.lastFailure = time.Now()
			if cb.failures >= cb.threshold {
				cb.state = stateOpen
			}
		}
	case stateOpen:
	}
}
