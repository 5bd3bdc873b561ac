package rabbitmq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-patterns/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func deliveryStream(ch *mockChannel, queue, tag string) chan amqp.Delivery {
	deliveries := make(chan amqp.Delivery)
	ch.On("Consume", queue, tag, false, false, false, false, amqp.Table(nil)).
		Return((<-chan amqp.Delivery)(deliveries), nil)
	return deliveries
}

func TestNewConsumer(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		consumer := NewConsumer()

		assert.Equal(t, 0, consumer.prefetchCount)
		assert.False(t, consumer.exclusive)
		assert.Empty(t, consumer.consumerTag)
		assert.NotNil(t, consumer.logger)
		assert.Nil(t, consumer.metrics)
	})

	t.Run("options", func(t *testing.T) {
		logger := discardLogger()
		consumer := NewConsumer(
			WithPrefetchCount(1),
			WithExclusive(true),
			WithConsumerTag("worker-1"),
			WithConsumerLogger(logger),
		)

		assert.Equal(t, 1, consumer.prefetchCount)
		assert.True(t, consumer.exclusive)
		assert.Equal(t, "worker-1", consumer.consumerTag)
		assert.Same(t, logger, consumer.logger)
	})
}

func TestConsumer_SettlesEachDelivery(t *testing.T) {
	ch := new(mockChannel)
	ch.On("Qos", 1, 0, false).Return(nil)
	deliveries := deliveryStream(ch, "demo_queue", "worker-1")

	consumer := NewConsumer(WithPrefetchCount(1), WithConsumerTag("worker-1"), WithConsumerLogger(discardLogger()))
	acks := &recordingAcknowledger{}

	handler := func(_ context.Context, d amqp.Delivery) error {
		switch string(d.Body) {
		case "fail":
			return errors.New("processing failed")
		case "panic":
			panic("handler bug")
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- consumer.Consume(context.Background(), ch, "demo_queue", handler) }()

	deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 1, Body: []byte("ok")}
	deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 2, Body: []byte("fail")}
	deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 3, Body: []byte("panic")}
	deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 4, Body: []byte("ok")}
	close(deliveries)

	err := <-done

	var consumerErr *ConsumerError
	require.ErrorAs(t, err, &consumerErr)
	assert.Equal(t, "receive", consumerErr.Op)
	assert.Equal(t, "worker-1", consumerErr.ConsumerTag)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.True(t, IsRetryable(err))

	acked, nacked := acks.settled()
	assert.Equal(t, []uint64{1, 4}, acked)
	assert.Equal(t, []uint64{2, 3}, nacked)
	assert.Equal(t, []bool{true, true}, acks.requeue)
	ch.AssertExpectations(t)
}

func TestConsumer_NoQosWithoutPrefetch(t *testing.T) {
	ch := new(mockChannel)
	deliveries := deliveryStream(ch, "logs.audit", "audit")
	close(deliveries)

	err := NewConsumer(WithConsumerTag("audit"), WithConsumerLogger(discardLogger())).
		Consume(context.Background(), ch, "logs.audit", func(context.Context, amqp.Delivery) error { return nil })

	assert.ErrorIs(t, err, ErrConnectionClosed)
	ch.AssertNotCalled(t, "Qos", mock.Anything, mock.Anything, mock.Anything)
}

func TestConsumer_GeneratesTag(t *testing.T) {
	ch := new(mockChannel)
	deliveries := make(chan amqp.Delivery)
	close(deliveries)
	ch.On("Consume", "q", mock.MatchedBy(func(tag string) bool { return strings.HasPrefix(tag, "ctag-") }),
		false, false, false, false, amqp.Table(nil)).Return((<-chan amqp.Delivery)(deliveries), nil)

	err := NewConsumer(WithConsumerLogger(discardLogger())).Consume(context.Background(), ch, "q", nil)

	assert.ErrorIs(t, err, ErrConnectionClosed)
	ch.AssertExpectations(t)
}

func TestConsumer_SetupErrors(t *testing.T) {
	t.Run("qos on closed channel", func(t *testing.T) {
		ch := new(mockChannel)
		ch.On("Qos", 1, 0, false).Return(amqp.ErrClosed)

		err := NewConsumer(WithPrefetchCount(1), WithConsumerLogger(discardLogger())).Consume(context.Background(), ch, "q", nil)

		var consumerErr *ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "qos", consumerErr.Op)
		assert.ErrorIs(t, err, ErrConnectionClosed)
	})

	t.Run("consume on missing queue", func(t *testing.T) {
		ch := new(mockChannel)
		ch.On("Consume", "missing", "t", false, false, false, false, amqp.Table(nil)).
			Return(nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue 'missing'"})

		err := NewConsumer(WithConsumerTag("t"), WithConsumerLogger(discardLogger())).Consume(context.Background(), ch, "missing", nil)

		var consumerErr *ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "consume", consumerErr.Op)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.False(t, IsRetryable(err))
	})
}

func TestConsumer_CancellationStopsCleanly(t *testing.T) {
	ch := new(mockChannel)
	deliveryStream(ch, "q", "t")
	ch.On("IsClosed").Return(false)
	ch.On("Cancel", "t", false).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewConsumer(WithConsumerTag("t"), WithConsumerLogger(discardLogger())).
			Consume(ctx, ch, "q", func(context.Context, amqp.Delivery) error { return nil })
	}()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	ch.AssertCalled(t, "Cancel", "t", false)
}

func TestConsumer_NoAckAfterCancellation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	ch := new(mockChannel)
	deliveries := deliveryStream(ch, "q", "t")
	ch.On("IsClosed").Return(true)

	ctx, cancel := context.WithCancel(context.Background())
	acks := &recordingAcknowledger{}
	handler := func(context.Context, amqp.Delivery) error {
		cancel()
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- NewConsumer(WithConsumerTag("t"), WithConsumerLogger(discardLogger()), WithConsumerMetrics(m)).
			Consume(ctx, ch, "q", handler)
	}()

	deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 1, Body: []byte("task")}

	require.NoError(t, <-done)
	acked, nacked := acks.settled()
	assert.Empty(t, acked)
	assert.Empty(t, nacked)
	ch.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything)

	expected := `
# HELP mmate_deliveries_total Total deliveries handled by queue and outcome (ack, requeue, abandoned)
# TYPE mmate_deliveries_total counter
mmate_deliveries_total{outcome="abandoned",queue="q"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "mmate_deliveries_total"))
}

func TestConsumer_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	ch := new(mockChannel)
	deliveries := deliveryStream(ch, "q", "t")
	acks := &recordingAcknowledger{}

	done := make(chan error, 1)
	go func() {
		done <- NewConsumer(WithConsumerTag("t"), WithConsumerLogger(discardLogger()), WithConsumerMetrics(m)).
			Consume(context.Background(), ch, "q", func(_ context.Context, d amqp.Delivery) error {
				if d.DeliveryTag%2 == 0 {
					return errors.New("even")
				}
				return nil
			})
	}()

	for tag := uint64(1); tag <= 3; tag++ {
		deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: tag}
	}
	close(deliveries)
	<-done

	expected := `
# HELP mmate_deliveries_total Total deliveries handled by queue and outcome (ack, requeue, abandoned)
# TYPE mmate_deliveries_total counter
mmate_deliveries_total{outcome="ack",queue="q"} 2
mmate_deliveries_total{outcome="requeue",queue="q"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "mmate_deliveries_total"))

	active := `
# HELP mmate_consumers_active Number of running delivery loops per queue
# TYPE mmate_consumers_active gauge
mmate_consumers_active{queue="q"} 0
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(active), "mmate_consumers_active"))
}

func TestConsumer_AckFailureIsLogged(t *testing.T) {
	ch := new(mockChannel)
	deliveries := deliveryStream(ch, "q", "t")
	acks := &recordingAcknowledger{ackErr: amqp.ErrClosed}

	done := make(chan error, 1)
	go func() {
		done <- NewConsumer(WithConsumerTag("t"), WithConsumerLogger(discardLogger())).
			Consume(context.Background(), ch, "q", func(context.Context, amqp.Delivery) error { return nil })
	}()

	deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 1}
	close(deliveries)

	assert.ErrorIs(t, <-done, ErrConnectionClosed)
	acked, _ := acks.settled()
	assert.Equal(t, []uint64{1}, acked)
}
