package execengine

import (
	"sync"
	"time"
)

// CircuitState mirrors the schedule/queue circuit breaker pattern used
// elsewhere in the control plane, applied here to container starts: a host
// whose recent starts keep failing (driver unreachable, image pull errors)
// should stop accepting new starts for a cooldown rather than pile up
// timeouts one at a time.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards container starts against a single failing host.
type CircuitBreaker struct {
	mu    sync.Mutex
	state CircuitState

	failureThreshold int
	cooldown         time.Duration
	testLimit        int

	consecutiveFailures int
	openedAt            time.Time
	testCount           int
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive start failures.
func NewCircuitBreaker(failureThreshold int) *CircuitBreaker {
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		cooldown:         30 * time.Second,
		testLimit:        3,
	}
}

// Allow reports whether a new start attempt should proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cooldown {
		cb.state = CircuitHalfOpen
		cb.testCount = 0
	}

	switch cb.state {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		if cb.testCount >= cb.testLimit {
			return false
		}
		cb.testCount++
		return true
	default:
		return true
	}
}

// RecordResult feeds back a start attempt's outcome.
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.consecutiveFailures = 0
		if cb.state == CircuitHalfOpen {
			cb.state = CircuitClosed
		}
		return
	}

	cb.consecutiveFailures++
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= cb.failureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
	}
}

// State returns the current state, for metrics/debugging.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
