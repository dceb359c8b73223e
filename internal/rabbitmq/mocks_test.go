package rabbitmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete, internal, noWait, args).Error(0)
}

func (m *mockChannel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete, internal, noWait, args).Error(0)
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ret := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return ret.Get(0).(amqp.Queue), ret.Error(1)
}

func (m *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange, noWait, args).Error(0)
}

func (m *mockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return m.Called(prefetchCount, prefetchSize, global).Error(0)
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ret := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	return ret.Get(0).(<-chan amqp.Delivery), ret.Error(1)
}

func (m *mockChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	ret := m.Called(queue, autoAck)
	return ret.Get(0).(amqp.Delivery), ret.Bool(1), ret.Error(2)
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.Called(ctx, exchange, key, mandatory, immediate, msg).Error(0)
}

func (m *mockChannel) Confirm(noWait bool) error {
	return m.Called(noWait).Error(0)
}

// NotifyPublish echoes the registration channel back, the way the real
// channel does.
func (m *mockChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	m.Called(confirm)
	return confirm
}

func (m *mockChannel) Tx() error {
	return m.Called().Error(0)
}

func (m *mockChannel) TxCommit() error {
	return m.Called().Error(0)
}

func (m *mockChannel) TxRollback() error {
	return m.Called().Error(0)
}

func (m *mockChannel) IsClosed() bool {
	return m.Called().Bool(0)
}

func (m *mockChannel) Close() error {
	return m.Called().Error(0)
}

// stubProvider is a hand-rolled ChannelProvider for tests that only need to
// hand out a channel and count reconnects.
type stubProvider struct {
	mu          sync.Mutex
	channel     Channel
	channelErr  error
	exchange    string
	onReconnect func() bool
	reconnects  int
}

func (s *stubProvider) GetChannel() (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channelErr != nil {
		return nil, s.channelErr
	}
	return s.channel, nil
}

func (s *stubProvider) ExchangeName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exchange == "" {
		return "events"
	}
	return s.exchange
}

func (s *stubProvider) Reconnect() bool {
	s.mu.Lock()
	s.reconnects++
	fn := s.onReconnect
	s.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return false
}

func (s *stubProvider) reconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

// fakeAcknowledger records delivery settlements.
type fakeAcknowledger struct {
	mu      sync.Mutex
	acks    []uint64
	nacks   []uint64
	rejects []struct {
		tag     uint64
		requeue bool
	}
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks = append(f.nacks, tag)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects = append(f.rejects, struct {
		tag     uint64
		requeue bool
	}{tag, requeue})
	return nil
}

func (f *fakeAcknowledger) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acks)
}

func (f *fakeAcknowledger) rejectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rejects)
}

func (f *fakeAcknowledger) lastReject() (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	last := f.rejects[len(f.rejects)-1]
	return last.tag, last.requeue
}
