package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/aahmedessam30/lararabbit/config"
	"github.com/aahmedessam30/lararabbit/serialization"
)

// Handler processes one delivery. The body is already deserialized into data.
// Returning nil acknowledges the delivery, returning an error rejects it per
// the requeue policy, and returning ErrNoAck leaves it untouched.
type Handler func(ctx context.Context, data map[string]interface{}, delivery amqp.Delivery) error

// QueueSettings describes a queue's declaration and bindings. The consumer
// records them per queue so topology can be replayed after a reconnect.
type QueueSettings struct {
	Durable     bool
	AutoDelete  bool
	Exclusive   bool
	BindingKeys []string
	Args        amqp.Table
}

// QueueOption adjusts the queue declaration
type QueueOption func(*QueueSettings)

// WithBindingKeys binds the queue under the given routing keys instead of the
// queue name.
func WithBindingKeys(keys ...string) QueueOption {
	return func(s *QueueSettings) {
		s.BindingKeys = keys
	}
}

// WithQueueDurable toggles durability (on by default)
func WithQueueDurable(durable bool) QueueOption {
	return func(s *QueueSettings) {
		s.Durable = durable
	}
}

// WithQueueAutoDelete marks the queue auto-delete
func WithQueueAutoDelete(autoDelete bool) QueueOption {
	return func(s *QueueSettings) {
		s.AutoDelete = autoDelete
	}
}

// WithQueueExclusive marks the queue exclusive
func WithQueueExclusive(exclusive bool) QueueOption {
	return func(s *QueueSettings) {
		s.Exclusive = exclusive
	}
}

// WithQueueArgs sets additional declaration arguments
func WithQueueArgs(args amqp.Table) QueueOption {
	return func(s *QueueSettings) {
		s.Args = args
	}
}

type consumeConfig struct {
	bindingKeys []string
	consumerTag string
}

// ConsumeOption adjusts a single Consume call
type ConsumeOption func(*consumeConfig)

// WithConsumeBindingKeys sets the binding keys the consumed queue must carry.
// The queue is (re)configured before consumption when they differ from the
// recorded ones.
func WithConsumeBindingKeys(keys ...string) ConsumeOption {
	return func(c *consumeConfig) {
		c.bindingKeys = keys
	}
}

// WithConsumerTag sets the consumer tag instead of generating one
func WithConsumerTag(tag string) ConsumeOption {
	return func(c *consumeConfig) {
		c.consumerTag = tag
	}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithSerializerSelector overrides how a serializer is picked for a
// delivery's content type.
func WithSerializerSelector(selector func(contentType string) serialization.Serializer) ConsumerOption {
	return func(c *Consumer) {
		c.selectSerializer = selector
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// Consumer sets up queue topology and runs the consume loop. Lost connections
// are healed in place: the consumer reconnects with a doubling delay, replays
// the recorded queue setup, and resumes the same handler.
type Consumer struct {
	channels         ChannelProvider
	cfg              config.ConsumerConfig
	logger           *slog.Logger
	selectSerializer func(contentType string) serialization.Serializer

	mu     sync.Mutex
	queues map[string]QueueSettings
}

// NewConsumer creates a consumer over the given channel provider
func NewConsumer(channels ChannelProvider, cfg config.ConsumerConfig, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		channels:         channels,
		cfg:              cfg,
		logger:           slog.Default(),
		selectSerializer: serialization.ForContentType,
		queues:           make(map[string]QueueSettings),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// SetupQueue declares the queue, binds it to the exchange under each binding
// key (the queue name by default), and records the settings for replay after
// reconnects. Re-running with new options overwrites the recorded settings.
func (c *Consumer) SetupQueue(ctx context.Context, name string, options ...QueueOption) error {
	settings := defaultQueueSettings(name)
	for _, opt := range options {
		opt(&settings)
	}

	if err := c.declareAndBind(ctx, name, settings); err != nil {
		return err
	}

	c.mu.Lock()
	c.queues[name] = settings
	c.mu.Unlock()

	return nil
}

// SetupQueueWithDLQ declares a dead-letter queue alongside the primary queue.
// Rejected, expired, or overflowed messages on the primary queue are routed to
// the DLQ through the same exchange.
func (c *Consumer) SetupQueueWithDLQ(ctx context.Context, name, dlqName string, options ...QueueOption) error {
	dlqSettings := defaultQueueSettings(dlqName)
	if err := c.declareAndBind(ctx, dlqName, dlqSettings); err != nil {
		return err
	}

	c.mu.Lock()
	c.queues[dlqName] = dlqSettings
	c.mu.Unlock()

	args := amqp.Table{
		"x-dead-letter-exchange":    c.channels.ExchangeName(),
		"x-dead-letter-routing-key": dlqName,
	}

	settings := defaultQueueSettings(name)
	for _, opt := range options {
		opt(&settings)
	}
	if settings.Args == nil {
		settings.Args = amqp.Table{}
	}
	for k, v := range args {
		settings.Args[k] = v
	}

	if err := c.declareAndBind(ctx, name, settings); err != nil {
		return err
	}

	c.mu.Lock()
	c.queues[name] = settings
	c.mu.Unlock()

	return nil
}

// QueueConfig returns the recorded settings for a queue
func (c *Consumer) QueueConfig(name string) (QueueSettings, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	settings, ok := c.queues[name]
	if !ok {
		return QueueSettings{}, false
	}

	settings.BindingKeys = append([]string(nil), settings.BindingKeys...)
	return settings, true
}

// Consume runs the delivery loop until ctx is cancelled. The queue is set up
// automatically when it was never configured or when the requested binding
// keys differ from the recorded ones. Handler errors reject the delivery per
// the requeue policy; connection losses trigger the reconnection protocol.
func (c *Consumer) Consume(ctx context.Context, queue string, handler Handler, options ...ConsumeOption) error {
	var cc consumeConfig
	for _, opt := range options {
		opt(&cc)
	}

	if err := c.ensureQueue(ctx, queue, cc.bindingKeys); err != nil {
		return err
	}

	for {
		err := c.consumeOnce(ctx, queue, handler, cc)
		switch {
		case err == nil:
			return nil

		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err

		case IsConnectionError(err):
			c.logger.Warn("consumer lost connection", "queue", queue, "error", err)
			if rerr := c.reconnect(ctx, queue); rerr != nil {
				return rerr
			}

		default:
			c.logger.Error("consumer error", "queue", queue, "error", err)
			if c.cfg.StopOnCriticalError || c.cfg.ThrowExceptions {
				return err
			}
		}
	}
}

// GetMessageFromQueue fetches a single message with basic.get. It never
// returns an error: failures are logged and reported as no message.
func (c *Consumer) GetMessageFromQueue(ctx context.Context, queue string) (*amqp.Delivery, bool) {
	if ctx.Err() != nil {
		return nil, false
	}

	ch, err := c.channels.GetChannel()
	if err != nil {
		c.logger.Error("failed to acquire channel for get", "queue", queue, "error", err)
		return nil, false
	}

	d, ok, err := ch.Get(queue, c.cfg.AutoAck)
	if err != nil {
		c.logger.Error("failed to get message", "queue", queue, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	return &d, true
}

// Acknowledge acks the delivery. Invalid deliveries (no acknowledger, zero
// tag) are logged and skipped.
func (c *Consumer) Acknowledge(d amqp.Delivery) {
	if !c.validDelivery(d, "acknowledge") {
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Warn("failed to acknowledge delivery", "deliveryTag", d.DeliveryTag, "error", err)
	}
}

// Reject nacks the delivery, optionally requeueing it. Invalid deliveries are
// logged and skipped.
func (c *Consumer) Reject(d amqp.Delivery, requeue bool) {
	if !c.validDelivery(d, "reject") {
		return
	}

	if err := d.Reject(requeue); err != nil {
		c.logger.Warn("failed to reject delivery", "deliveryTag", d.DeliveryTag, "requeue", requeue, "error", err)
	}
}

// consumeOnce registers a consumer on the current channel and drains its
// deliveries. A nil return means ctx ended the loop cleanly; a connection
// error means the channel died and the caller should reconnect.
func (c *Consumer) consumeOnce(ctx context.Context, queue string, handler Handler, cc consumeConfig) error {
	ch, err := c.channels.GetChannel()
	if err != nil {
		return err
	}

	if c.cfg.PrefetchCount > 0 {
		if err := ch.Qos(c.cfg.PrefetchCount, 0, false); err != nil {
			return &ConsumerError{Queue: queue, Op: "qos", Err: err, Timestamp: time.Now()}
		}
	}

	tag := cc.consumerTag
	if tag == "" {
		tag = "lararabbit-" + uuid.NewString()
	}

	deliveries, err := ch.Consume(queue, tag, c.cfg.AutoAck, false, false, false, nil)
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	c.logger.Info("consuming messages", "queue", queue, "consumerTag", tag, "autoAck", c.cfg.AutoAck)

	for {
		var wake <-chan time.Time
		var timer *time.Timer
		if c.cfg.WaitTimeout > 0 {
			timer = time.NewTimer(c.cfg.WaitTimeout)
			wake = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil

		case d, ok := <-deliveries:
			stopTimer(timer)
			if !ok {
				return fmt.Errorf("%w: deliveries channel closed", ErrChannelClosed)
			}
			if err := c.handleDelivery(ctx, queue, handler, d); err != nil {
				return err
			}

		case <-wake:
			// Idle wake-up so a silently dead channel is noticed.
			if ch.IsClosed() {
				return ErrChannelClosed
			}
		}
	}
}

// handleDelivery deserializes, invokes the handler, and settles the delivery.
// A non-nil return is reserved for errors that must stop the consume loop.
func (c *Consumer) handleDelivery(ctx context.Context, queue string, handler Handler, d amqp.Delivery) error {
	data, err := c.decode(d)
	if err != nil {
		c.logger.Error("failed to deserialize message",
			"queue", queue,
			"messageId", d.MessageId,
			"contentType", d.ContentType,
			"error", err,
		)
		// Poison message, never requeued.
		if !c.cfg.AutoAck {
			c.Reject(d, false)
		}
		return nil
	}

	if err := handler(ctx, data, d); err != nil {
		if errors.Is(err, ErrNoAck) {
			return nil
		}

		c.logger.Error("message handler failed",
			"queue", queue,
			"messageId", d.MessageId,
			"requeue", c.cfg.RequeueOnError,
			"error", err,
		)
		if !c.cfg.AutoAck {
			c.Reject(d, c.cfg.RequeueOnError)
		}
		if c.cfg.ThrowExceptions {
			return &ConsumerError{Queue: queue, Op: "handle", Err: err, Timestamp: time.Now()}
		}
		return nil
	}

	if !c.cfg.AutoAck {
		c.Acknowledge(d)
	}
	return nil
}

// reconnect sleeps then attempts a full rebuild, doubling the delay after
// each failed attempt. On success the recorded queue topology is replayed.
func (c *Consumer) reconnect(ctx context.Context, queue string) error {
	delay := c.cfg.ReconnectDelay

	for attempt := 1; attempt <= c.cfg.ReconnectMaxRetries; attempt++ {
		c.logger.Warn("attempting to reconnect",
			"queue", queue,
			"attempt", attempt,
			"maxRetries", c.cfg.ReconnectMaxRetries,
			"delay", delay,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		if c.channels.Reconnect() {
			if err := c.replayQueueSetup(ctx, queue); err != nil {
				c.logger.Error("failed to restore queue topology", "queue", queue, "error", err)
			} else {
				c.logger.Info("reconnected, resuming consumption", "queue", queue, "attempt", attempt)
				return nil
			}
		}

		delay *= 2
	}

	return &ConsumerError{
		Queue:     queue,
		Op:        "reconnect",
		Err:       fmt.Errorf("%w: %v", ErrConnectionClosed, ErrReconnectExhausted),
		Timestamp: time.Now(),
	}
}

func (c *Consumer) replayQueueSetup(ctx context.Context, queue string) error {
	c.mu.Lock()
	settings, ok := c.queues[queue]
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return c.declareAndBind(ctx, queue, settings)
}

func (c *Consumer) ensureQueue(ctx context.Context, queue string, bindingKeys []string) error {
	c.mu.Lock()
	settings, ok := c.queues[queue]
	c.mu.Unlock()

	if ok && (len(bindingKeys) == 0 || sameKeys(settings.BindingKeys, bindingKeys)) {
		return nil
	}

	var options []QueueOption
	if len(bindingKeys) > 0 {
		options = append(options, WithBindingKeys(bindingKeys...))
	}
	return c.SetupQueue(ctx, queue, options...)
}

func (c *Consumer) declareAndBind(ctx context.Context, name string, settings QueueSettings) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := c.channels.GetChannel()
	if err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(name, settings.Durable, settings.AutoDelete, settings.Exclusive, false, settings.Args); err != nil {
		return &TopologyError{Component: "queue", Name: name, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	exchange := c.channels.ExchangeName()
	for _, key := range settings.BindingKeys {
		if err := ch.QueueBind(name, key, exchange, false, nil); err != nil {
			return &TopologyError{Component: "binding", Name: name + "/" + key, Op: "bind", Err: err, Timestamp: time.Now()}
		}
	}

	c.logger.Debug("queue configured", "queue", name, "bindingKeys", settings.BindingKeys, "exchange", exchange)
	return nil
}

func (c *Consumer) decode(d amqp.Delivery) (map[string]interface{}, error) {
	serializer := c.selectSerializer(d.ContentType)

	var data map[string]interface{}
	if err := serializer.Deserialize(d.Body, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Consumer) validDelivery(d amqp.Delivery, op string) bool {
	if d.Acknowledger == nil {
		c.logger.Warn("cannot settle delivery without acknowledger", "op", op, "messageId", d.MessageId)
		return false
	}
	if d.DeliveryTag == 0 {
		c.logger.Warn("cannot settle delivery with zero tag", "op", op, "messageId", d.MessageId)
		return false
	}
	return true
}

func defaultQueueSettings(name string) QueueSettings {
	return QueueSettings{
		Durable:     true,
		BindingKeys: []string{name},
	}
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
