package store

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is wrapped in the TransportError returned while the
// client's circuit is open.
var ErrCircuitOpen = errors.New("remote store unavailable: circuit open")

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // requests flow
	CircuitOpen                         // requests fail fast
	CircuitHalfOpen                     // probing for recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitConfig configures the client's circuit breaker.
type CircuitConfig struct {
	FailureThreshold int           // Failures within FailureWindow that open the circuit (default: 5)
	SuccessThreshold int           // Successes in half-open that close it again (default: 2)
	Timeout          time.Duration // Time spent open before probing (default: 30s)
	FailureWindow    time.Duration // Window failures are counted in (default: 1m)
}

// DefaultCircuitConfig returns the client's default breaker settings.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		FailureWindow:    time.Minute,
	}
}

// circuitBreaker stops calling a remote that keeps failing with transport
// errors. Validation, conflict and not-found answers count as successes:
// the remote responded.
type circuitBreaker struct {
	config CircuitConfig
	logger *zap.Logger
	now    func() time.Time

	mu              sync.Mutex
	state           CircuitState
	failures        []time.Time
	successes       int
	lastStateChange time.Time
}

func newCircuitBreaker(cfg CircuitConfig, logger *zap.Logger) *circuitBreaker {
	return &circuitBreaker{
		config:          cfg,
		logger:          logger,
		now:             time.Now,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// allow reports whether a request may be sent, moving an open circuit to
// half-open once its timeout has passed.
func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.lastStateChange) < cb.config.Timeout {
			return false
		}
		cb.transitionTo(CircuitHalfOpen)
	}
	return true
}

// record updates the breaker with the outcome of one request.
func (cb *circuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && shouldRetry(err) {
		cb.recordFailure(cb.now())
		return
	}

	switch cb.state {
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	case CircuitClosed:
		cb.failures = cb.failures[:0]
	}
}

func (cb *circuitBreaker) recordFailure(now time.Time) {
	cb.failures = append(cb.failures, now)

	cutoff := now.Add(-cb.config.FailureWindow)
	recent := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	cb.failures = recent

	switch cb.state {
	case CircuitClosed:
		if len(cb.failures) >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

func (cb *circuitBreaker) transitionTo(state CircuitState) {
	if cb.state == state {
		return
	}
	old := cb.state
	cb.state = state
	cb.lastStateChange = cb.now()
	cb.successes = 0
	if state == CircuitClosed {
		cb.failures = cb.failures[:0]
	}
	cb.logger.Info("circuit state changed", zap.Stringer("from", old), zap.Stringer("to", state))
}

// State returns the current circuit state.
func (cb *circuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
