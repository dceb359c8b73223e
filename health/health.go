// Package health exposes liveness checks for the messaging client, suitable
// for wiring into an application's readiness endpoint.
package health

import (
	"context"
	"sync"
	"time"

	lararabbit "github.com/aahmedessam30/lararabbit"
)

// Status is the outcome of a health check
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CheckResult is the outcome of a single checker run
type CheckResult struct {
	Name      string
	Status    Status
	Message   string
	Error     string
	Timestamp time.Time
	Duration  time.Duration
	Details   map[string]interface{}
}

// Checker is a named health check
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// ClientChecker reports the messaging client's connectivity and circuit
// state. A missing connection alone is degraded, not unhealthy: the client
// connects lazily and an idle client holds no connection.
type ClientChecker struct {
	client *lararabbit.Client
}

// NewClientChecker creates a checker over the messaging client
func NewClientChecker(client *lararabbit.Client) *ClientChecker {
	return &ClientChecker{client: client}
}

func (c *ClientChecker) Name() string {
	return "messaging"
}

func (c *ClientChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.client.IsConnected()
	circuit := c.client.CircuitState()

	result.Details["connected"] = connected
	result.Details["circuit"] = circuit.String()
	result.Details["exchange"] = c.client.ExchangeName()

	switch {
	case circuit == lararabbit.CircuitOpen:
		result.Status = StatusUnhealthy
		result.Message = "publish circuit is open"
	case !connected || circuit == lararabbit.CircuitHalfOpen:
		result.Status = StatusDegraded
		result.Message = "no live broker connection"
	default:
		result.Status = StatusHealthy
		result.Message = "connected, circuit closed"
	}

	result.Duration = time.Since(start)
	return result
}

// CheckFunc adapts a function into a custom component check
type CheckFunc func(ctx context.Context) (Status, string, error)

// ComponentChecker wraps a custom check under a name
type ComponentChecker struct {
	name string
	fn   CheckFunc
}

// NewComponentChecker creates a checker for a custom component
func NewComponentChecker(name string, fn CheckFunc) *ComponentChecker {
	return &ComponentChecker{name: name, fn: fn}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, err := c.fn(ctx)
	result.Status = status
	result.Message = message
	if err != nil {
		result.Error = err.Error()
	}

	result.Duration = time.Since(start)
	return result
}

// Report aggregates the results of one registry run. The overall status is
// the worst individual status.
type Report struct {
	Status    Status
	Timestamp time.Time
	Results   []CheckResult
}

// Registry holds checkers and runs them together.
type Registry struct {
	mu       sync.Mutex
	checkers []Checker
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker
func (r *Registry) Register(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, c)
}

// Check runs every registered checker sequentially
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.Lock()
	checkers := append([]Checker(nil), r.checkers...)
	r.mu.Unlock()

	report := Report{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Results:   make([]CheckResult, 0, len(checkers)),
	}

	for _, c := range checkers {
		result := c.Check(ctx)
		report.Results = append(report.Results, result)
		if result.Status > report.Status {
			report.Status = result.Status
		}
	}

	return report
}
