package reliability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
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

// CircuitBreaker isolates a failing dependency behind a named three-state
// machine. failureCount resets to zero only on a transition into CLOSED; a
// success while CLOSED leaves the counters untouched.
type CircuitBreaker struct {
	mu               sync.Mutex
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	state            State
	failureCount     int
	lastFailureTime  time.Time
	logger           *slog.Logger
}

// BreakerOption configures the circuit breaker
type BreakerOption func(*CircuitBreaker)

// WithBreakerLogger sets the logger
func WithBreakerLogger(logger *slog.Logger) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// NewCircuitBreaker creates a named circuit breaker. The breaker opens after
// failureThreshold consecutive failures and allows a half-open probe once
// resetTimeout has elapsed past the last failure.
func NewCircuitBreaker(name string, failureThreshold int, resetTimeout time.Duration, options ...BreakerOption) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}

	cb := &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            StateClosed,
		logger:           slog.Default(),
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs op under breaker protection. While OPEN and inside the reset
// window it returns a *CircuitBreakerError without invoking op; otherwise the
// operation runs and its error, if any, is re-thrown after bookkeeping.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := op()
	cb.record(err)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the circuit name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// FailureCount returns the consecutive failure count
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// Reset forces the breaker back to CLOSED, clearing the failure count and
// last failure time. Exposed for manual intervention.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.toClosed("manual reset")
}

// allow decides whether the operation may run, transitioning OPEN to
// HALF_OPEN when the reset timeout has elapsed.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}

	nextRetry := cb.lastFailureTime.Add(cb.resetTimeout)
	if time.Now().Before(nextRetry) {
		return &CircuitBreakerError{
			Name:        cb.name,
			State:       cb.state,
			Failures:    cb.failureCount,
			LastFailure: cb.lastFailureTime,
			NextRetry:   nextRetry,
		}
	}

	cb.transition(StateHalfOpen, "reset timeout elapsed")
	return nil
}

// record applies the operation outcome to the state machine.
func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failureCount++
		cb.lastFailureTime = time.Now()

		switch cb.state {
		case StateClosed:
			if cb.failureCount >= cb.failureThreshold {
				cb.transition(StateOpen, "failure threshold reached")
			}
		case StateHalfOpen:
			// One failure in half-open reopens immediately, no threshold.
			cb.transition(StateOpen, "failure while half-open")
		}
		return
	}

	if cb.state == StateHalfOpen {
		cb.toClosed("success while half-open")
	}
}

// toClosed is the only place the failure count resets.
func (cb *CircuitBreaker) toClosed(reason string) {
	cb.failureCount = 0
	cb.lastFailureTime = time.Time{}
	if cb.state != StateClosed {
		cb.transition(StateClosed, reason)
	}
}

func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	cb.state = to
	cb.logger.Info("circuit breaker state change",
		"circuit", cb.name,
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
		"failures", cb.failureCount,
	)
}
