package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the narrow slice of the AMQP channel the client uses. It is
// satisfied by *amqp.Channel and mocked in tests.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	Tx() error
	TxCommit() error
	TxRollback() error
	IsClosed() bool
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// ChannelProvider supplies live channels bound to the configured exchange.
// The connection manager is the production implementation.
type ChannelProvider interface {
	// GetChannel returns the cached channel, creating connection, channel,
	// and exchange declaration lazily as needed.
	GetChannel() (Channel, error)

	// ExchangeName returns the exchange messages are published to and queues
	// are bound against.
	ExchangeName() string

	// Reconnect tears down and rebuilds the connection and channel. It
	// reports success and never returns an error.
	Reconnect() bool
}
