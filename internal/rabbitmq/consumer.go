package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-patterns/metrics"
)

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer runs the delivery loop for one queue on one channel.
// Deliveries are acknowledged when the handler returns nil and rejected
// with requeue when it returns an error or panics. There is no retry cap:
// a message that always fails is redelivered for ever.
type Consumer struct {
	prefetchCount int
	exclusive     bool
	consumerTag   string
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount bounds the number of unacknowledged deliveries the
// channel may hold. Zero leaves the broker default (unbounded).
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithConsumerMetrics records delivery outcomes
func WithConsumerMetrics(m *metrics.Metrics) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// NewConsumer creates a new consumer
func NewConsumer(options ...ConsumerOption) *Consumer {
	c := &Consumer{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Consume subscribes to queue with manual acknowledgment and processes
// deliveries until ctx is cancelled or the channel is closed.
//
// Cancellation returns nil. A closed delivery stream without cancellation
// means the connection or channel was lost and returns a *ConsumerError
// wrapping ErrConnectionClosed; the caller must restart consumption.
func (c *Consumer) Consume(ctx context.Context, ch Channel, queue string, handler MessageHandler) error {
	tag := c.consumerTag
	if tag == "" {
		tag = "ctag-" + uuid.NewString()
	}

	if c.prefetchCount > 0 {
		if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
			return &ConsumerError{
				Queue:       queue,
				ConsumerTag: tag,
				Op:          "qos",
				Err:         classifyBrokerErr(err),
				Timestamp:   time.Now(),
			}
		}
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		c.exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         classifyBrokerErr(err),
			Timestamp:   time.Now(),
		}
	}

	c.metrics.ConsumerStarted(queue)
	defer c.metrics.ConsumerStopped(queue)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
	)

	for {
		select {
		case <-ctx.Done():
			c.stop(ch, queue, tag)
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Warn("delivery channel closed", "queue", queue, "consumerTag", tag)
				return &ConsumerError{
					Queue:       queue,
					ConsumerTag: tag,
					Op:          "receive",
					Err:         ErrConnectionClosed,
					Timestamp:   time.Now(),
				}
			}
			if ctx.Err() != nil {
				// Leave it unacknowledged; the broker redelivers it once the channel closes
				c.stop(ch, queue, tag)
				return nil
			}
			c.handleDelivery(ctx, queue, delivery, handler)
		}
	}
}

// handleDelivery runs the handler and settles the delivery. Nothing is
// sent to the broker if ctx was cancelled while the handler ran.
func (c *Consumer) handleDelivery(ctx context.Context, queue string, delivery amqp.Delivery, handler MessageHandler) {
	start := time.Now()
	err := c.invoke(ctx, delivery, handler)
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		c.logger.Warn("consumer cancelled before acknowledgment, leaving delivery for redelivery",
			"queue", queue,
			"deliveryTag", delivery.DeliveryTag,
		)
		c.metrics.ObserveDelivery(queue, metrics.OutcomeAbandoned, elapsed)
		return
	}

	if err != nil {
		c.logger.Error("failed to handle message, requeueing",
			"error", err,
			"queue", queue,
			"deliveryTag", delivery.DeliveryTag,
			"redelivered", delivery.Redelivered,
			"messageId", delivery.MessageId,
		)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message",
				"error", nackErr,
				"originalError", err,
				"queue", queue,
			)
		}
		c.metrics.ObserveDelivery(queue, metrics.OutcomeRequeue, elapsed)
		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "error", ackErr, "queue", queue)
	}
	c.metrics.ObserveDelivery(queue, metrics.OutcomeAck, elapsed)
}

// invoke runs the handler, converting a panic into an error
func (c *Consumer) invoke(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in message handler: %v", r)
		}
	}()
	return handler(ctx, delivery)
}

func (c *Consumer) stop(ch Channel, queue, tag string) {
	if !ch.IsClosed() {
		if err := ch.Cancel(tag, false); err != nil {
			c.logger.Debug("failed to cancel consumer", "error", err, "consumerTag", tag)
		}
	}
	c.logger.Info("consumer stopped", "queue", queue, "consumerTag", tag)
}
