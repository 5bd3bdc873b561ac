package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-patterns/internal/rabbitmq"
	"github.com/glimte/mmate-patterns/metrics"
	"github.com/glimte/mmate-patterns/routing"
)

// WorkerPrefetch is the number of unacknowledged deliveries a work queue
// consumer may hold. One gives fair dispatch between competing workers.
const WorkerPrefetch = 1

// WorkQueue distributes tasks from producers to competing consumers over a
// single durable queue, without an exchange of its own.
type WorkQueue struct {
	connections *rabbitmq.ConnectionManager
	topology    *rabbitmq.TopologyManager
	publisher   *rabbitmq.Publisher
	confirms    bool
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// WorkQueueOption configures the WorkQueue
type WorkQueueOption func(*WorkQueue)

// WithWorkQueueLogger sets the logger
func WithWorkQueueLogger(logger *slog.Logger) WorkQueueOption {
	return func(w *WorkQueue) {
		w.logger = logger
	}
}

// WithWorkQueueMetrics records publishes and delivery outcomes
func WithWorkQueueMetrics(m *metrics.Metrics) WorkQueueOption {
	return func(w *WorkQueue) {
		w.metrics = m
	}
}

// WithWorkQueueConfirms makes Enqueue wait for a broker confirm
func WithWorkQueueConfirms(enabled bool) WorkQueueOption {
	return func(w *WorkQueue) {
		w.confirms = enabled
	}
}

// NewWorkQueue creates a work queue client
func NewWorkQueue(connections *rabbitmq.ConnectionManager, options ...WorkQueueOption) *WorkQueue {
	w := &WorkQueue{
		connections: connections,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(w)
	}

	w.topology = rabbitmq.NewTopologyManager(w.logger)
	w.publisher = rabbitmq.NewPublisher(rabbitmq.WithConfirms(w.confirms))
	return w
}

// Enqueue declares queue as durable and publishes msg to it through the
// default exchange. The message routing key is ignored.
func (w *WorkQueue) Enqueue(ctx context.Context, queue string, msg Message) error {
	if queue == "" {
		return ErrNameRequired
	}

	publishing := msg.publishing()
	start := time.Now()
	err := w.connections.Do(ctx, func(session *rabbitmq.Session) error {
		ch := session.Channel()
		if _, err := w.topology.DeclareQueue(ch, workQueueDeclaration(queue)); err != nil {
			return err
		}
		return w.publisher.Publish(ctx, ch, "", queue, publishing)
	})
	w.metrics.ObservePublish(routing.Queue.String(), time.Since(start), err)

	if err != nil {
		w.logger.Error("failed to enqueue message", "queue", queue, "error", err)
		return err
	}

	w.logger.Info("enqueued message",
		"queue", queue,
		"messageId", publishing.MessageId,
		"size", len(msg.Body),
	)
	return nil
}

// Publish enqueues a raw payload. A queue with a single consumer is the
// one-producer, one-consumer pattern.
func (w *WorkQueue) Publish(ctx context.Context, queue string, body []byte) error {
	return w.Enqueue(ctx, queue, NewMessage(body))
}

// Consume declares queue and processes its messages one at a time until
// ctx is cancelled. Acknowledgment follows Subscriber.Subscribe.
func (w *WorkQueue) Consume(ctx context.Context, queue string, handler Handler) error {
	if queue == "" {
		return ErrNameRequired
	}
	if handler == nil {
		handler = NewLogHandler(w.logger)
	}

	return w.connections.Do(ctx, func(session *rabbitmq.Session) error {
		ch := session.Channel()
		if _, err := w.topology.DeclareQueue(ch, workQueueDeclaration(queue)); err != nil {
			return err
		}

		consumer := rabbitmq.NewConsumer(
			rabbitmq.WithPrefetchCount(WorkerPrefetch),
			rabbitmq.WithConsumerLogger(w.logger),
			rabbitmq.WithConsumerMetrics(w.metrics),
		)
		return consumer.Consume(ctx, ch, queue, amqpHandler(handler))
	})
}

// Inspect returns the number of ready messages and consumers of queue
func (w *WorkQueue) Inspect(ctx context.Context, queue string) (messages, consumers int, err error) {
	err = w.connections.Do(ctx, func(session *rabbitmq.Session) error {
		q, err := w.topology.InspectQueue(session.Channel(), queue, true)
		if err != nil {
			return err
		}
		messages, consumers = q.Messages, q.Consumers
		return nil
	})
	return messages, consumers, err
}

func workQueueDeclaration(name string) rabbitmq.QueueDeclaration {
	return rabbitmq.QueueDeclaration{
		Name:    name,
		Durable: true,
	}
}
