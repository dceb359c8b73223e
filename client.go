// Package lararabbit is a resilient RabbitMQ client. It layers a retry policy
// and a circuit breaker over an AMQP 0-9-1 publisher and consumer, with
// pluggable serialization, optional payload schema validation, and in-memory
// telemetry.
package lararabbit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/aahmedessam30/lararabbit/config"
	"github.com/aahmedessam30/lararabbit/internal/rabbitmq"
	"github.com/aahmedessam30/lararabbit/internal/reliability"
	"github.com/aahmedessam30/lararabbit/schema"
	"github.com/aahmedessam30/lararabbit/serialization"
)

// ErrPublishFailed reports that a publish did not reach the broker after the
// full resilience stack ran out of options.
var ErrPublishFailed = errors.New("lararabbit: publish failed")

// Transport types and options re-exported for callers of the façade.
type (
	Handler       = rabbitmq.Handler
	PublishOption = rabbitmq.PublishOption
	QueueOption   = rabbitmq.QueueOption
	QueueSettings = rabbitmq.QueueSettings

	// CircuitState is the publish breaker state.
	CircuitState = reliability.State

	// CircuitBreakerError is the synthetic rejection returned while the
	// breaker is open.
	CircuitBreakerError = reliability.CircuitBreakerError
)

const (
	CircuitClosed   = reliability.StateClosed
	CircuitOpen     = reliability.StateOpen
	CircuitHalfOpen = reliability.StateHalfOpen
)

var (
	WithMessageID       = rabbitmq.WithMessageID
	WithCorrelationID   = rabbitmq.WithCorrelationID
	WithContentType     = rabbitmq.WithContentType
	WithDeliveryMode    = rabbitmq.WithDeliveryMode
	WithPriority        = rabbitmq.WithPriority
	WithExpiration      = rabbitmq.WithExpiration
	WithHeaders         = rabbitmq.WithHeaders
	WithBindingKeys     = rabbitmq.WithBindingKeys
	WithQueueDurable    = rabbitmq.WithQueueDurable
	WithQueueAutoDelete = rabbitmq.WithQueueAutoDelete
	WithQueueExclusive  = rabbitmq.WithQueueExclusive
	WithQueueArgs       = rabbitmq.WithQueueArgs

	// ErrNoAck lets a handler leave its delivery unacknowledged.
	ErrNoAck = rabbitmq.ErrNoAck
)

// Message is one entry of a batch publish.
type Message struct {
	RoutingKey string
	Data       interface{}
	Options    []PublishOption
}

// Narrow views of the transport components, swapped for stubs in tests.
type publisher interface {
	Publish(ctx context.Context, routingKey string, data interface{}, options ...rabbitmq.PublishOption) bool
	PublishBatch(ctx context.Context, messages []rabbitmq.BatchMessage) bool
	GenerateMessageID() string
}

type consumer interface {
	SetupQueue(ctx context.Context, name string, options ...rabbitmq.QueueOption) error
	SetupQueueWithDLQ(ctx context.Context, name, dlqName string, options ...rabbitmq.QueueOption) error
	Consume(ctx context.Context, queue string, handler rabbitmq.Handler, options ...rabbitmq.ConsumeOption) error
	GetMessageFromQueue(ctx context.Context, queue string) (*amqp.Delivery, bool)
	Acknowledge(d amqp.Delivery)
	Reject(d amqp.Delivery, requeue bool)
	QueueConfig(name string) (rabbitmq.QueueSettings, bool)
}

type connections interface {
	ExchangeName() string
	SetExchangeName(name string)
	IsConnected() bool
	CloseConnection()
}

// Client is the façade over the messaging stack. Publishes run through the
// circuit breaker and retry policy; consumed messages are wrapped with
// telemetry, message identification, and optional schema validation.
type Client struct {
	cfg       *config.Config
	logger    *slog.Logger
	channels  connections
	publisher publisher
	consumer  consumer
	retry     *reliability.RetryPolicy
	breaker   *reliability.CircuitBreaker
	validator *schema.Validator
	metrics   MetricsCollector

	mu           sync.Mutex
	queueSchemas map[string]string
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithClientLogger sets the logger for the client and all its components
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetricsCollector replaces the default in-memory collector
func WithMetricsCollector(m MetricsCollector) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient builds the full stack from the configuration. A nil cfg uses the
// defaults. No broker connection is made until the first operation.
func NewClient(cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:          cfg,
		logger:       slog.Default(),
		validator:    schema.NewValidator(),
		metrics:      NewSimpleMetricsCollector(),
		queueSchemas: make(map[string]string),
	}

	for _, opt := range options {
		opt(c)
	}

	format, err := serialization.ParseFormat(cfg.Serialization.Format)
	if err != nil {
		return nil, err
	}
	serializer, err := serialization.New(format)
	if err != nil {
		return nil, err
	}

	channels := rabbitmq.NewConnectionManager(cfg.Connection, cfg.Exchange,
		rabbitmq.WithLogger(c.logger))
	c.channels = channels

	c.publisher = rabbitmq.NewPublisher(channels,
		rabbitmq.WithSerializer(serializer),
		rabbitmq.WithConfirmMode(cfg.Publisher.ConfirmSelect),
		rabbitmq.WithPublisherLogger(c.logger))

	c.consumer = rabbitmq.NewConsumer(channels, cfg.Consumer,
		rabbitmq.WithConsumerLogger(c.logger))

	c.retry = reliability.NewRetryPolicy(
		cfg.Resilience.MaxAttempts,
		cfg.Resilience.BaseDelay,
		cfg.Resilience.MaxDelay,
		cfg.Resilience.JitterFactor,
		reliability.WithRetryableErrors(ErrPublishFailed,
			rabbitmq.ErrConnectionFailure, rabbitmq.ErrChannelClosed),
		reliability.WithRetryLogger(c.logger))

	c.breaker = reliability.NewCircuitBreaker("publish",
		cfg.Resilience.FailureThreshold,
		cfg.Resilience.ResetTimeout,
		reliability.WithBreakerLogger(c.logger))

	return c, nil
}

// Publish sends one message through the full resilience stack: the circuit
// breaker guards the broker, the retry policy absorbs transient failures. The
// outcome is reported as a boolean; the error detail is logged and counted.
func (c *Client) Publish(ctx context.Context, routingKey string, data interface{}, options ...PublishOption) bool {
	start := time.Now()

	err := c.breaker.Execute(ctx, func() error {
		return c.retry.Execute(ctx, func() error {
			if !c.publisher.Publish(ctx, routingKey, data, options...) {
				return fmt.Errorf("%w: routing key %q", ErrPublishFailed, routingKey)
			}
			return nil
		})
	})

	c.metrics.RecordPublish(routingKey, time.Since(start), err == nil)

	if err != nil {
		c.metrics.RecordError("publisher", errorKind(err))
		c.logger.Error("publish failed",
			"routingKey", routingKey,
			"circuitState", c.breaker.State().String(),
			"error", err,
		)
		return false
	}
	return true
}

// PublishBatch publishes the messages in chunks of the configured batch size,
// each message individually through the full resilience stack. It reports
// true only when every message succeeded; partial progress is kept.
func (c *Client) PublishBatch(ctx context.Context, messages []Message) bool {
	if len(messages) == 0 {
		return true
	}

	size := c.cfg.Publisher.BatchSize
	succeeded := 0

	for start := 0; start < len(messages); start += size {
		end := min(start+size, len(messages))
		for _, m := range messages[start:end] {
			if c.Publish(ctx, m.RoutingKey, m.Data, m.Options...) {
				succeeded++
			}
		}
	}

	failed := len(messages) - succeeded
	c.logger.Info("batch publish finished",
		"total", len(messages),
		"succeeded", succeeded,
		"failed", failed,
	)
	return failed == 0
}

// PublishBatchTx publishes all messages inside a single AMQP transaction.
// Unlike PublishBatch this is all-or-nothing: on failure nothing is durably
// published. The transaction bypasses retry and breaker; a rolled-back batch
// is the caller's to retry whole.
func (c *Client) PublishBatchTx(ctx context.Context, messages []Message) bool {
	batch := make([]rabbitmq.BatchMessage, len(messages))
	for i, m := range messages {
		batch[i] = rabbitmq.BatchMessage{RoutingKey: m.RoutingKey, Data: m.Data, Options: m.Options}
	}

	start := time.Now()
	ok := c.publisher.PublishBatch(ctx, batch)
	c.metrics.RecordPublish("batch", time.Since(start), ok)
	if !ok {
		c.metrics.RecordError("publisher", "batch_tx_failed")
	}
	return ok
}

// consumeSettings collects the façade-level consume options.
type consumeSettings struct {
	schema    string
	transport []rabbitmq.ConsumeOption
}

// ConsumeOption adjusts a single Consume call
type ConsumeOption func(*consumeSettings)

// WithSchema binds a registered schema to the queue. Payloads failing
// validation are rejected without requeue and never reach the handler.
func WithSchema(name string) ConsumeOption {
	return func(s *consumeSettings) {
		s.schema = name
	}
}

// WithConsumeBindingKeys sets the binding keys the consumed queue must carry
func WithConsumeBindingKeys(keys ...string) ConsumeOption {
	return func(s *consumeSettings) {
		s.transport = append(s.transport, rabbitmq.WithConsumeBindingKeys(keys...))
	}
}

// WithConsumerTag sets the consumer tag instead of generating one
func WithConsumerTag(tag string) ConsumeOption {
	return func(s *consumeSettings) {
		s.transport = append(s.transport, rabbitmq.WithConsumerTag(tag))
	}
}

// Consume runs the consume loop with the handler wrapped in the façade's
// instrumentation: handling time and outcome go to the metrics collector,
// every message gets an identifier for logging, and a bound schema is
// enforced before the handler runs.
func (c *Client) Consume(ctx context.Context, queue string, handler Handler, options ...ConsumeOption) error {
	var cs consumeSettings
	for _, opt := range options {
		opt(&cs)
	}

	if cs.schema != "" {
		if !c.validator.HasSchema(cs.schema) {
			return fmt.Errorf("%w: %q", schema.ErrSchemaNotFound, cs.schema)
		}
		c.mu.Lock()
		c.queueSchemas[queue] = cs.schema
		c.mu.Unlock()
	}

	return c.consumer.Consume(ctx, queue, c.wrapHandler(queue, handler), cs.transport...)
}

// SetupQueue declares and binds a queue on the configured exchange
func (c *Client) SetupQueue(ctx context.Context, name string, options ...QueueOption) error {
	return c.consumer.SetupQueue(ctx, name, options...)
}

// SetupQueueWithDLQ declares a queue with a dead-letter companion
func (c *Client) SetupQueueWithDLQ(ctx context.Context, name, dlqName string, options ...QueueOption) error {
	return c.consumer.SetupQueueWithDLQ(ctx, name, dlqName, options...)
}

// GetMessageFromQueue fetches a single message without a consumer loop
func (c *Client) GetMessageFromQueue(ctx context.Context, queue string) (*amqp.Delivery, bool) {
	return c.consumer.GetMessageFromQueue(ctx, queue)
}

// Acknowledge acks a delivery obtained from GetMessageFromQueue
func (c *Client) Acknowledge(d amqp.Delivery) {
	c.consumer.Acknowledge(d)
}

// Reject nacks a delivery, optionally requeueing it
func (c *Client) Reject(d amqp.Delivery, requeue bool) {
	c.consumer.Reject(d, requeue)
}

// QueueConfig returns the recorded settings for a queue
func (c *Client) QueueConfig(name string) (QueueSettings, bool) {
	return c.consumer.QueueConfig(name)
}

// SetExchangeName switches the exchange used by subsequent operations
func (c *Client) SetExchangeName(name string) {
	c.channels.SetExchangeName(name)
}

// ExchangeName returns the exchange currently in use
func (c *Client) ExchangeName() string {
	return c.channels.ExchangeName()
}

// IsConnected reports whether a live broker connection exists
func (c *Client) IsConnected() bool {
	return c.channels.IsConnected()
}

// Validator returns the schema validator for registering payload schemas
func (c *Client) Validator() *schema.Validator {
	return c.validator
}

// Metrics returns the telemetry collector
func (c *Client) Metrics() MetricsCollector {
	return c.metrics
}

// CircuitState returns the publish breaker state
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}

// ResetCircuit forces the publish breaker back to closed
func (c *Client) ResetCircuit() {
	c.breaker.Reset()
}

// Close releases the broker connection. The client can be reused; the next
// operation reconnects.
func (c *Client) Close() {
	c.channels.CloseConnection()
}

// wrapHandler layers telemetry, message identification and schema validation
// over the user handler.
func (c *Client) wrapHandler(queue string, handler Handler) Handler {
	return func(ctx context.Context, data map[string]interface{}, d amqp.Delivery) error {
		start := time.Now()
		messageID := c.messageID(d)

		c.logger.Debug("message received",
			"queue", queue,
			"messageId", messageID,
			"routingKey", d.RoutingKey,
		)

		c.mu.Lock()
		schemaName := c.queueSchemas[queue]
		c.mu.Unlock()

		if schemaName != "" {
			if err := c.validator.Validate(data, schemaName); err != nil {
				c.logger.Error("message failed schema validation",
					"queue", queue,
					"messageId", messageID,
					"schema", schemaName,
					"fields", c.validator.Errors(),
					"error", err,
				)
				c.metrics.RecordMessage(queue, time.Since(start), false)
				c.metrics.RecordError("consumer", "validation_failed")

				// Permanently invalid, discarded rather than requeued. The
				// consumer must not settle it again.
				c.consumer.Reject(d, false)
				return ErrNoAck
			}
		}

		err := handler(ctx, data, d)

		if errors.Is(err, ErrNoAck) {
			c.metrics.RecordMessage(queue, time.Since(start), true)
			return err
		}

		c.metrics.RecordMessage(queue, time.Since(start), err == nil)
		if err != nil {
			c.metrics.RecordError("consumer", "handler_error")
		}
		return err
	}
}

// messageID resolves a stable identifier for logging: the message property,
// then the application header, then a generated fallback.
func (c *Client) messageID(d amqp.Delivery) string {
	if d.MessageId != "" {
		return d.MessageId
	}
	if id, ok := d.Headers["message_id"].(string); ok && id != "" {
		return id
	}
	return c.publisher.GenerateMessageID()
}

// errorKind maps an error to a coarse counter label.
func errorKind(err error) string {
	var breakerErr *reliability.CircuitBreakerError
	switch {
	case errors.As(err, &breakerErr):
		return "circuit_open"
	case errors.Is(err, ErrPublishFailed):
		return "publish_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
