package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aahmedessam30/lararabbit/config"
)

func testConsumerConfig() config.ConsumerConfig {
	return config.ConsumerConfig{
		PrefetchCount:       5,
		ReconnectDelay:      5 * time.Millisecond,
		ReconnectMaxRetries: 3,
		RequeueOnError:      true,
	}
}

func deliveriesChan(deliveries ...amqp.Delivery) <-chan amqp.Delivery {
	ch := make(chan amqp.Delivery, len(deliveries))
	for _, d := range deliveries {
		ch <- d
	}
	return ch
}

func closedDeliveriesChan() <-chan amqp.Delivery {
	ch := make(chan amqp.Delivery)
	close(ch)
	return ch
}

func TestSetupQueue(t *testing.T) {
	t.Run("declares durable queue bound under its own name", func(t *testing.T) {
		ch := &mockChannel{}
		consumer := NewConsumer(&stubProvider{channel: ch, exchange: "orders"}, testConsumerConfig())

		ch.On("QueueDeclare", "order-processing", true, false, false, false, mock.Anything).
			Return(amqp.Queue{Name: "order-processing"}, nil).Once()
		ch.On("QueueBind", "order-processing", "order-processing", "orders", false, mock.Anything).
			Return(nil).Once()

		err := consumer.SetupQueue(context.Background(), "order-processing")
		require.NoError(t, err)
		ch.AssertExpectations(t)

		settings, ok := consumer.QueueConfig("order-processing")
		require.True(t, ok)
		assert.True(t, settings.Durable)
		assert.Equal(t, []string{"order-processing"}, settings.BindingKeys)
	})

	t.Run("binds every binding key", func(t *testing.T) {
		ch := &mockChannel{}
		consumer := NewConsumer(&stubProvider{channel: ch}, testConsumerConfig())

		ch.On("QueueDeclare", "audit", true, false, false, false, mock.Anything).
			Return(amqp.Queue{Name: "audit"}, nil).Once()
		ch.On("QueueBind", "audit", "user.created", "events", false, mock.Anything).Return(nil).Once()
		ch.On("QueueBind", "audit", "user.deleted", "events", false, mock.Anything).Return(nil).Once()

		err := consumer.SetupQueue(context.Background(), "audit",
			WithBindingKeys("user.created", "user.deleted"))
		require.NoError(t, err)
		ch.AssertExpectations(t)
	})

	t.Run("re-running overwrites the recorded settings", func(t *testing.T) {
		ch := &mockChannel{}
		consumer := NewConsumer(&stubProvider{channel: ch}, testConsumerConfig())

		ch.On("QueueDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(amqp.Queue{}, nil)
		ch.On("QueueBind", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil)

		require.NoError(t, consumer.SetupQueue(context.Background(), "audit", WithBindingKeys("a")))
		require.NoError(t, consumer.SetupQueue(context.Background(), "audit", WithBindingKeys("b", "c")))

		settings, ok := consumer.QueueConfig("audit")
		require.True(t, ok)
		assert.Equal(t, []string{"b", "c"}, settings.BindingKeys)
	})

	t.Run("declare failure propagates as topology error", func(t *testing.T) {
		ch := &mockChannel{}
		consumer := NewConsumer(&stubProvider{channel: ch}, testConsumerConfig())

		ch.On("QueueDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(amqp.Queue{}, errors.New("access refused"))

		err := consumer.SetupQueue(context.Background(), "forbidden")
		require.Error(t, err)

		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "queue", topoErr.Component)

		_, ok := consumer.QueueConfig("forbidden")
		assert.False(t, ok, "failed setup must not be recorded")
	})
}

func TestSetupQueueWithDLQ(t *testing.T) {
	ch := &mockChannel{}
	consumer := NewConsumer(&stubProvider{channel: ch, exchange: "orders"}, testConsumerConfig())

	ch.On("QueueDeclare", "order-processing.dlq", true, false, false, false, mock.Anything).
		Return(amqp.Queue{}, nil).Once()
	ch.On("QueueBind", "order-processing.dlq", "order-processing.dlq", "orders", false, mock.Anything).
		Return(nil).Once()

	ch.On("QueueDeclare", "order-processing", true, false, false, false, mock.MatchedBy(func(args amqp.Table) bool {
		return args["x-dead-letter-exchange"] == "orders" &&
			args["x-dead-letter-routing-key"] == "order-processing.dlq"
	})).Return(amqp.Queue{}, nil).Once()
	ch.On("QueueBind", "order-processing", "order-processing", "orders", false, mock.Anything).
		Return(nil).Once()

	err := consumer.SetupQueueWithDLQ(context.Background(), "order-processing", "order-processing.dlq")
	require.NoError(t, err)
	ch.AssertExpectations(t)

	settings, ok := consumer.QueueConfig("order-processing")
	require.True(t, ok)
	assert.Equal(t, "order-processing.dlq", settings.Args["x-dead-letter-routing-key"])
}

func TestConsumeAcknowledgesOnSuccess(t *testing.T) {
	ch := &mockChannel{}
	ack := &fakeAcknowledger{}
	consumer := NewConsumer(&stubProvider{channel: ch}, testConsumerConfig())

	delivery := amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		ContentType:  "application/json",
		MessageId:    "msg-1",
		Body:         []byte(`{"orderId":"12345"}`),
	}

	ch.On("QueueDeclare", "orders", true, false, false, false, mock.Anything).Return(amqp.Queue{}, nil)
	ch.On("QueueBind", "orders", "orders", "events", false, mock.Anything).Return(nil)
	ch.On("Qos", 5, 0, false).Return(nil)
	ch.On("Consume", "orders", mock.Anything, false, false, false, false, mock.Anything).
		Return(deliveriesChan(delivery), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got map[string]interface{}
	err := consumer.Consume(ctx, "orders", func(ctx context.Context, data map[string]interface{}, d amqp.Delivery) error {
		got = data
		cancel()
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "12345", got["orderId"])
	assert.Equal(t, 1, ack.ackCount())
	assert.Equal(t, 0, ack.rejectCount())
}

func TestConsumeRejectsOnHandlerError(t *testing.T) {
	run := func(t *testing.T, requeue bool) {
		ch := &mockChannel{}
		ack := &fakeAcknowledger{}
		cfg := testConsumerConfig()
		cfg.RequeueOnError = requeue
		consumer := NewConsumer(&stubProvider{channel: ch}, cfg)

		delivery := amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  7,
			ContentType:  "application/json",
			Body:         []byte(`{"orderId":"12345"}`),
		}

		ch.On("QueueDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(amqp.Queue{}, nil)
		ch.On("QueueBind", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
		ch.On("Qos", 5, 0, false).Return(nil)
		ch.On("Consume", mock.Anything, mock.Anything, false, false, false, false, mock.Anything).
			Return(deliveriesChan(delivery), nil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		err := consumer.Consume(ctx, "orders", func(ctx context.Context, data map[string]interface{}, d amqp.Delivery) error {
			cancel()
			return errors.New("handler blew up")
		})

		require.NoError(t, err)
		assert.Equal(t, 0, ack.ackCount())
		require.Equal(t, 1, ack.rejectCount())

		tag, gotRequeue := ack.lastReject()
		assert.Equal(t, uint64(7), tag)
		assert.Equal(t, requeue, gotRequeue)
	}

	t.Run("requeue on error", func(t *testing.T) { run(t, true) })
	t.Run("discard on error", func(t *testing.T) { run(t, false) })
}

func TestConsumeHandlerCanSkipAcknowledgement(t *testing.T) {
	ch := &mockChannel{}
	ack := &fakeAcknowledger{}
	consumer := NewConsumer(&stubProvider{channel: ch}, testConsumerConfig())

	delivery := amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         []byte(`{}`),
	}

	ch.On("QueueDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(amqp.Queue{}, nil)
	ch.On("QueueBind", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ch.On("Qos", 5, 0, false).Return(nil)
	ch.On("Consume", mock.Anything, mock.Anything, false, false, false, false, mock.Anything).
		Return(deliveriesChan(delivery), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := consumer.Consume(ctx, "orders", func(ctx context.Context, data map[string]interface{}, d amqp.Delivery) error {
		cancel()
		return ErrNoAck
	})

	require.NoError(t, err)
	assert.Equal(t, 0, ack.ackCount())
	assert.Equal(t, 0, ack.rejectCount())
}

func TestConsumeMalformedBodyRejectedWithoutRequeue(t *testing.T) {
	ch := &mockChannel{}
	ack := &fakeAcknowledger{}
	consumer := NewConsumer(&stubProvider{channel: ch}, testConsumerConfig())

	delivery := amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  3,
		ContentType:  "application/json",
		Body:         []byte("not json at all"),
	}

	ch.On("QueueDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(amqp.Queue{}, nil)
	ch.On("QueueBind", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ch.On("Qos", 5, 0, false).Return(nil)
	ch.On("Consume", mock.Anything, mock.Anything, false, false, false, false, mock.Anything).
		Return(deliveriesChan(delivery), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)

	handlerCalled := false
	err := consumer.Consume(ctx, "orders", func(ctx context.Context, data map[string]interface{}, d amqp.Delivery) error {
		handlerCalled = true
		return nil
	})

	require.NoError(t, err)
	assert.False(t, handlerCalled, "handler must not see undecodable payloads")
	require.Equal(t, 1, ack.rejectCount())

	_, requeue := ack.lastReject()
	assert.False(t, requeue, "poison messages are never requeued")
}

func TestConsumePropagatesHandlerErrorWhenConfigured(t *testing.T) {
	ch := &mockChannel{}
	ack := &fakeAcknowledger{}
	cfg := testConsumerConfig()
	cfg.ThrowExceptions = true
	consumer := NewConsumer(&stubProvider{channel: ch}, cfg)

	delivery := amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         []byte(`{}`),
	}

	ch.On("QueueDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(amqp.Queue{}, nil)
	ch.On("QueueBind", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ch.On("Qos", 5, 0, false).Return(nil)
	ch.On("Consume", mock.Anything, mock.Anything, false, false, false, false, mock.Anything).
		Return(deliveriesChan(delivery), nil)

	handlerErr := errors.New("unrecoverable")
	err := consumer.Consume(context.Background(), "orders", func(ctx context.Context, data map[string]interface{}, d amqp.Delivery) error {
		return handlerErr
	})

	require.Error(t, err)
	require.ErrorIs(t, err, handlerErr)

	var consErr *ConsumerError
	require.ErrorAs(t, err, &consErr)
	assert.Equal(t, "orders", consErr.Queue)
	assert.Equal(t, 1, ack.rejectCount(), "delivery is still rejected before the error propagates")
}

func TestConsumeReconnectExhaustion(t *testing.T) {
	ch := &mockChannel{}
	provider := &stubProvider{channel: ch}
	cfg := testConsumerConfig() // 3 retries, 5ms initial delay
	consumer := NewConsumer(provider, cfg)

	ch.On("QueueDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(amqp.Queue{}, nil)
	ch.On("QueueBind", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ch.On("Qos", 5, 0, false).Return(nil)
	ch.On("Consume", mock.Anything, mock.Anything, false, false, false, false, mock.Anything).
		Return(closedDeliveriesChan(), nil)

	start := time.Now()
	err := consumer.Consume(context.Background(), "orders", func(ctx context.Context, data map[string]interface{}, d amqp.Delivery) error {
		return nil
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	require.ErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, cfg.ReconnectMaxRetries, provider.reconnectCount())

	// Delays double per failed attempt: 5ms + 10ms + 20ms.
	assert.GreaterOrEqual(t, elapsed, 35*time.Millisecond)
}

func TestConsumeReconnectReplaysTopologyAndResumes(t *testing.T) {
	ch := &mockChannel{}
	ack := &fakeAcknowledger{}
	provider := &stubProvider{channel: ch}
	provider.onReconnect = func() bool { return true }
	consumer := NewConsumer(provider, testConsumerConfig())

	delivery := amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         []byte(`{"resumed":true}`),
	}

	// Initial setup declares the queue; the replay after reconnect declares it again.
	ch.On("QueueDeclare", "orders", true, false, false, false, mock.Anything).
		Return(amqp.Queue{}, nil).Twice()
	ch.On("QueueBind", "orders", "orders", "events", false, mock.Anything).
		Return(nil).Twice()
	ch.On("Qos", 5, 0, false).Return(nil)
	ch.On("Consume", "orders", mock.Anything, false, false, false, false, mock.Anything).
		Return(closedDeliveriesChan(), nil).Once()
	ch.On("Consume", "orders", mock.Anything, false, false, false, false, mock.Anything).
		Return(deliveriesChan(delivery), nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := false
	err := consumer.Consume(ctx, "orders", func(ctx context.Context, data map[string]interface{}, d amqp.Delivery) error {
		handled = true
		cancel()
		return nil
	})

	require.NoError(t, err)
	assert.True(t, handled, "consumption resumes after reconnect")
	assert.Equal(t, 1, provider.reconnectCount())
	ch.AssertExpectations(t)
}

func TestGetMessageFromQueue(t *testing.T) {
	t.Run("returns available message", func(t *testing.T) {
		ch := &mockChannel{}
		consumer := NewConsumer(&stubProvider{channel: ch}, testConsumerConfig())

		ch.On("Get", "orders", false).
			Return(amqp.Delivery{MessageId: "msg-9", Body: []byte(`{}`)}, true, nil)

		d, ok := consumer.GetMessageFromQueue(context.Background(), "orders")
		require.True(t, ok)
		require.NotNil(t, d)
		assert.Equal(t, "msg-9", d.MessageId)
	})

	t.Run("empty queue reports no message", func(t *testing.T) {
		ch := &mockChannel{}
		consumer := NewConsumer(&stubProvider{channel: ch}, testConsumerConfig())

		ch.On("Get", "orders", false).Return(amqp.Delivery{}, false, nil)

		d, ok := consumer.GetMessageFromQueue(context.Background(), "orders")
		assert.False(t, ok)
		assert.Nil(t, d)
	})

	t.Run("errors are swallowed", func(t *testing.T) {
		ch := &mockChannel{}
		consumer := NewConsumer(&stubProvider{channel: ch}, testConsumerConfig())

		ch.On("Get", "orders", false).Return(amqp.Delivery{}, false, errors.New("channel gone"))

		d, ok := consumer.GetMessageFromQueue(context.Background(), "orders")
		assert.False(t, ok)
		assert.Nil(t, d)
	})
}

func TestDeliveryValidation(t *testing.T) {
	consumer := NewConsumer(&stubProvider{}, testConsumerConfig())

	t.Run("missing acknowledger is a no-op", func(t *testing.T) {
		assert.NotPanics(t, func() {
			consumer.Acknowledge(amqp.Delivery{DeliveryTag: 1})
			consumer.Reject(amqp.Delivery{DeliveryTag: 1}, false)
		})
	})

	t.Run("zero delivery tag is a no-op", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		consumer.Acknowledge(amqp.Delivery{Acknowledger: ack})
		consumer.Reject(amqp.Delivery{Acknowledger: ack}, true)
		assert.Equal(t, 0, ack.ackCount())
		assert.Equal(t, 0, ack.rejectCount())
	})

	t.Run("valid delivery is settled", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		consumer.Acknowledge(amqp.Delivery{Acknowledger: ack, DeliveryTag: 4})
		assert.Equal(t, 1, ack.ackCount())

		consumer.Reject(amqp.Delivery{Acknowledger: ack, DeliveryTag: 5}, true)
		require.Equal(t, 1, ack.rejectCount())
		tag, requeue := ack.lastReject()
		assert.Equal(t, uint64(5), tag)
		assert.True(t, requeue)
	})
}
