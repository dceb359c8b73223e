package lararabbit

import (
	"sync"
	"time"
)

// MetricsCollector collects client telemetry. Implementations must be safe
// for concurrent use.
type MetricsCollector interface {
	// RecordPublish records one publish attempt and its outcome
	RecordPublish(routingKey string, duration time.Duration, success bool)

	// RecordMessage records one consumed message and its handling outcome
	RecordMessage(queue string, duration time.Duration, success bool)

	// RecordError records an error by component and kind
	RecordError(component, errorType string)

	// Stats returns a snapshot of the collected metrics
	Stats() Stats
}

// Stats is a point-in-time snapshot of client activity.
type Stats struct {
	Publishes       int64
	PublishFailures int64
	Messages        int64
	MessageFailures int64
	Errors          map[string]int64 // "component/errorType" -> count

	// Mean handler duration across all consumed messages.
	AvgProcessingTime time.Duration
}

// NoOpMetricsCollector discards all telemetry.
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordPublish(string, time.Duration, bool) {}

func (NoOpMetricsCollector) RecordMessage(string, time.Duration, bool) {}

func (NoOpMetricsCollector) RecordError(string, string) {}

func (NoOpMetricsCollector) Stats() Stats { return Stats{} }

// SimpleMetricsCollector is a mutex-guarded in-memory collector. It can be
// replaced with an exporting implementation through WithMetricsCollector.
type SimpleMetricsCollector struct {
	mu              sync.Mutex
	publishes       int64
	publishFailures int64
	messages        int64
	messageFailures int64
	errors          map[string]int64
	totalProcessing time.Duration
}

// NewSimpleMetricsCollector creates an empty in-memory collector
func NewSimpleMetricsCollector() *SimpleMetricsCollector {
	return &SimpleMetricsCollector{
		errors: make(map[string]int64),
	}
}

func (c *SimpleMetricsCollector) RecordPublish(routingKey string, duration time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.publishes++
	if !success {
		c.publishFailures++
	}
}

func (c *SimpleMetricsCollector) RecordMessage(queue string, duration time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages++
	c.totalProcessing += duration
	if !success {
		c.messageFailures++
	}
}

func (c *SimpleMetricsCollector) RecordError(component, errorType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[component+"/"+errorType]++
}

func (c *SimpleMetricsCollector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Publishes:       c.publishes,
		PublishFailures: c.publishFailures,
		Messages:        c.messages,
		MessageFailures: c.messageFailures,
		Errors:          make(map[string]int64, len(c.errors)),
	}
	for k, v := range c.errors {
		stats.Errors[k] = v
	}
	if c.messages > 0 {
		stats.AvgProcessingTime = c.totalProcessing / time.Duration(c.messages)
	}
	return stats
}
