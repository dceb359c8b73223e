package reliability

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// OnRetryFunc is invoked synchronously before each retry wait with the
// 1-indexed attempt that just failed, its error, and the computed delay.
type OnRetryFunc func(attempt int, err error, delay time.Duration)

// RetryPolicy executes operations with exponential backoff and jitter.
// State is per invocation; a single policy may be shared across callers.
type RetryPolicy struct {
	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
	retryable    []error
	onRetry      OnRetryFunc
	logger       *slog.Logger
}

// RetryOption configures the retry policy
type RetryOption func(*RetryPolicy)

// WithRetryableErrors restricts retries to errors matching one of the given
// targets via errors.Is. Wrapped and derived errors count as matches. With no
// targets configured every error is considered retryable.
func WithRetryableErrors(targets ...error) RetryOption {
	return func(p *RetryPolicy) {
		p.retryable = targets
	}
}

// WithOnRetry sets a hook invoked before each retry wait
func WithOnRetry(fn OnRetryFunc) RetryOption {
	return func(p *RetryPolicy) {
		p.onRetry = fn
	}
}

// WithRetryLogger sets the logger
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(p *RetryPolicy) {
		p.logger = logger
	}
}

// NewRetryPolicy creates a retry policy. maxAttempts is the total number of
// tries including the first; maxAttempts=1 means no retries. jitterFactor is
// clamped to [0, 1].
func NewRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration, jitterFactor float64, options ...RetryOption) *RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if jitterFactor < 0 {
		jitterFactor = 0
	}
	if jitterFactor > 1 {
		jitterFactor = 1
	}

	p := &RetryPolicy{
		maxAttempts:  maxAttempts,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		jitterFactor: jitterFactor,
		logger:       slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// MaxAttempts returns the configured attempt budget
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// Execute runs op up to maxAttempts times. The first success wins. A
// non-retryable error, or the final attempt's error, propagates unchanged
// without a trailing wait. The inter-attempt sleep honors ctx cancellation.
func (p *RetryPolicy) Execute(ctx context.Context, op func() error) error {
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := op()
		if err == nil {
			return nil
		}

		if attempt >= p.maxAttempts || !p.isRetryable(err) {
			return err
		}

		delay := p.NextDelay(attempt)
		if p.onRetry != nil {
			p.onRetry(attempt, err, delay)
		}
		p.logger.Debug("retrying after failure",
			"attempt", attempt,
			"maxAttempts", p.maxAttempts,
			"delay", delay,
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// NextDelay computes the wait after the given failed attempt (1-indexed):
// min(maxDelay, baseDelay * 2^(attempt-1)) with symmetric jitter of
// ±(delay * jitterFactor), clamped to [0, maxDelay].
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}

	if p.jitterFactor > 0 {
		delay += (rand.Float64()*2 - 1) * p.jitterFactor * delay
	}

	if delay < 0 {
		delay = 0
	}
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}

	return time.Duration(delay)
}

// isRetryable checks the explicit target list when configured, then defers to
// the error's own IsRetryable method if it has one.
func (p *RetryPolicy) isRetryable(err error) bool {
	if err == nil {
		return false
	}

	if len(p.retryable) > 0 {
		for _, target := range p.retryable {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	return true
}
