package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/aahmedessam30/lararabbit/serialization"
)

// Publisher publishes messages through the channel provider. Publish failures
// are reported via the boolean return value, not errors: callers that need
// delivery guarantees compose the publisher with the resilience layer.
type Publisher struct {
	channels       ChannelProvider
	serializer     serialization.Serializer
	confirmMode    bool
	confirmTimeout time.Duration
	logger         *slog.Logger

	// Confirm listener bound to the current channel generation.
	confirmCh Channel
	confirms  chan amqp.Confirmation
}

// PublishOption overrides the default message properties. Caller-supplied
// values win over the generated defaults.
type PublishOption func(*amqp.Publishing)

// WithMessageID sets the message ID instead of generating one
func WithMessageID(id string) PublishOption {
	return func(msg *amqp.Publishing) {
		msg.MessageId = id
	}
}

// WithCorrelationID sets the correlation ID
func WithCorrelationID(id string) PublishOption {
	return func(msg *amqp.Publishing) {
		msg.CorrelationId = id
	}
}

// WithContentType overrides the serializer's content type
func WithContentType(contentType string) PublishOption {
	return func(msg *amqp.Publishing) {
		msg.ContentType = contentType
	}
}

// WithDeliveryMode overrides the persistent default
func WithDeliveryMode(mode uint8) PublishOption {
	return func(msg *amqp.Publishing) {
		msg.DeliveryMode = mode
	}
}

// WithPriority sets the message priority
func WithPriority(priority uint8) PublishOption {
	return func(msg *amqp.Publishing) {
		msg.Priority = priority
	}
}

// WithExpiration sets the per-message TTL in milliseconds
func WithExpiration(expiration string) PublishOption {
	return func(msg *amqp.Publishing) {
		msg.Expiration = expiration
	}
}

// WithHeaders sets the application headers table, kept separate from the
// standard message properties.
func WithHeaders(headers amqp.Table) PublishOption {
	return func(msg *amqp.Publishing) {
		msg.Headers = headers
	}
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithSerializer sets the body serializer (JSON by default)
func WithSerializer(s serialization.Serializer) PublisherOption {
	return func(p *Publisher) {
		p.serializer = s
	}
}

// WithConfirmMode enables publisher confirms: each publish waits for the
// broker's ack before reporting success.
func WithConfirmMode(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirmMode = enabled
	}
}

// WithConfirmTimeout sets how long a confirmed publish waits for the ack
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher over the given channel provider
func NewPublisher(channels ChannelProvider, options ...PublisherOption) *Publisher {
	p := &Publisher{
		channels:       channels,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	if s, err := serialization.New(serialization.FormatJSON); err == nil {
		p.serializer = s
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish serializes data and publishes it with default properties (content
// type from the serializer, generated message ID, persistent delivery mode)
// merged with caller options. Errors are logged with context and surface as
// false.
func (p *Publisher) Publish(ctx context.Context, routingKey string, data interface{}, options ...PublishOption) bool {
	exchange := p.channels.ExchangeName()

	if err := p.publish(ctx, exchange, routingKey, data, options...); err != nil {
		p.logger.Error("failed to publish message",
			"exchange", exchange,
			"routingKey", routingKey,
			"error", err,
		)
		return false
	}

	return true
}

// BatchMessage is one entry of a transactional batch
type BatchMessage struct {
	RoutingKey string
	Data       interface{}
	Options    []PublishOption
}

// PublishBatch publishes all messages inside one AMQP transaction. The batch
// is all-or-nothing: any failure rolls the transaction back (best-effort) and
// the call reports false with nothing durably published.
func (p *Publisher) PublishBatch(ctx context.Context, messages []BatchMessage) bool {
	if len(messages) == 0 {
		return true
	}

	ch, err := p.channels.GetChannel()
	if err != nil {
		p.logger.Error("failed to acquire channel for batch publish",
			"messageCount", len(messages),
			"error", err,
		)
		return false
	}

	if err := ch.Tx(); err != nil {
		p.logger.Error("failed to open batch transaction",
			"messageCount", len(messages),
			"error", err,
		)
		return false
	}

	exchange := p.channels.ExchangeName()

	for i, m := range messages {
		err := p.publishInBatch(ctx, ch, exchange, m)
		if err != nil {
			p.rollback(ch)
			p.logger.Error("batch publish failed, transaction rolled back",
				"exchange", exchange,
				"messageIndex", i,
				"messageCount", len(messages),
				"error", err,
			)
			return false
		}
	}

	if err := ch.TxCommit(); err != nil {
		p.rollback(ch)
		p.logger.Error("failed to commit batch transaction",
			"messageCount", len(messages),
			"error", err,
		)
		return false
	}

	return true
}

// GenerateMessageID returns a collision-resistant unique message identifier
// suitable as an idempotency token.
func (p *Publisher) GenerateMessageID() string {
	return uuid.NewString()
}

func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, data interface{}, options ...PublishOption) error {
	msg, err := p.buildPublishing(data, options...)
	if err != nil {
		return err
	}

	ch, err := p.channels.GetChannel()
	if err != nil {
		return err
	}

	if p.confirmMode {
		return p.publishWithConfirm(ctx, ch, exchange, routingKey, msg)
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	return nil
}

func (p *Publisher) publishInBatch(ctx context.Context, ch Channel, exchange string, m BatchMessage) error {
	if m.RoutingKey == "" {
		return fmt.Errorf("missing routing key")
	}

	msg, err := p.buildPublishing(m.Data, m.Options...)
	if err != nil {
		return err
	}

	return ch.PublishWithContext(ctx, exchange, m.RoutingKey, false, false, msg)
}

// publishWithConfirm publishes and waits for the broker ack. The confirm
// listener is registered once per channel generation.
func (p *Publisher) publishWithConfirm(ctx context.Context, ch Channel, exchange, routingKey string, msg amqp.Publishing) error {
	if p.confirmCh != ch {
		if err := ch.Confirm(false); err != nil {
			return fmt.Errorf("failed to enable confirms: %w", err)
		}
		p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
		p.confirmCh = ch
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			return &PublishError{
				Exchange:   exchange,
				RoutingKey: routingKey,
				Err:        ErrChannelClosed,
				Timestamp:  time.Now(),
			}
		}
		if !confirm.Ack {
			return &PublishError{
				Exchange:   exchange,
				RoutingKey: routingKey,
				Err:        fmt.Errorf("message nacked by broker"),
				Timestamp:  time.Now(),
			}
		}
		return nil

	case <-time.After(p.confirmTimeout):
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        fmt.Errorf("timeout waiting for publish confirmation"),
			Timestamp:  time.Now(),
		}

	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildPublishing assembles the default properties and applies caller options.
func (p *Publisher) buildPublishing(data interface{}, options ...PublishOption) (amqp.Publishing, error) {
	body, err := p.serializer.Serialize(data)
	if err != nil {
		return amqp.Publishing{}, err
	}

	msg := amqp.Publishing{
		ContentType:  p.serializer.ContentType(),
		MessageId:    p.GenerateMessageID(),
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}

	for _, opt := range options {
		opt(&msg)
	}

	return msg, nil
}

func (p *Publisher) rollback(ch Channel) {
	if err := ch.TxRollback(); err != nil {
		p.logger.Error("failed to roll back batch transaction", "error", err)
	}
}
