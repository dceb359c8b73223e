package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is wrapped by CircuitBreakerError so callers can match
	// breaker rejections with errors.Is.
	ErrCircuitOpen = errors.New("reliability: circuit breaker is open")
)

// CircuitBreakerError is returned when the breaker rejects a call without
// invoking the operation. It carries the circuit name and state for caller
// introspection.
type CircuitBreakerError struct {
	Name        string    // Circuit name
	State       State     // State at rejection time
	Failures    int       // Consecutive failure count
	LastFailure time.Time // When the last failure occurred
	NextRetry   time.Time // Earliest time the breaker will allow a probe
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("reliability: circuit breaker %q is %s (%d failures, retry after %s)",
		e.Name, e.State, e.Failures, e.NextRetry.Format(time.RFC3339))
}

func (e *CircuitBreakerError) Unwrap() error {
	return ErrCircuitOpen
}

// RetryableError wraps an error with an explicit retryability decision.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable reports whether the wrapped error should be retried.
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

func (r RetryableError) Unwrap() error {
	return r.Err
}
