// Package rabbitmq wraps the AMQP 0-9-1 transport: connection and channel
// lifecycle with lazy creation and reconnection, exchange declaration tied to
// the channel generation, publishing with optional confirms and transactional
// batches, and the consume loop with its reconnect-and-resume protocol.
package rabbitmq
