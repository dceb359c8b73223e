// Package reliability provides the failure-isolation primitives used by the
// client: an exponential-backoff retry policy and a three-state circuit
// breaker. Both are pure algorithms with no transport dependencies.
package reliability
