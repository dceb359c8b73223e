package rabbitmq

import (
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrConnectionFailure = errors.New("rabbitmq: connection failure")
	ErrConnectionClosed  = errors.New("rabbitmq: connection is closed")
	ErrChannelClosed     = errors.New("rabbitmq: channel is closed")

	// Consumer errors
	ErrReconnectExhausted = errors.New("rabbitmq: reconnection attempts exhausted")
	ErrInvalidDelivery    = errors.New("rabbitmq: invalid delivery")

	// ErrNoAck is returned by a handler to leave the delivery unacknowledged,
	// skipping both the automatic ack and the reject.
	ErrNoAck = errors.New("rabbitmq: delivery left unacknowledged")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsRetryable marks connection errors as transient for the retry policy.
func (e *ConnectionError) IsRetryable() bool {
	return true
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue     string    // Queue name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed on queue %s: %v",
		e.Op, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents an exchange, queue, or binding declaration error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s %q: %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err indicates a lost connection or
// channel, the condition that triggers the consumer's reconnection protocol.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrConnectionFailure),
		errors.Is(err, ErrConnectionClosed),
		errors.Is(err, ErrChannelClosed),
		errors.Is(err, amqp.ErrClosed):
		return true
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.ChannelError || amqpErr.Code == amqp.ConnectionForced
	}

	return false
}

// SanitizeURL removes credentials from an AMQP URI for logging.
func SanitizeURL(url string) string {
	if u, err := amqp.ParseURI(url); err == nil {
		u.Password = "xxxxx"
		return u.String()
	}
	return "***"
}
