package messaging

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-patterns/internal/rabbitmq"
	"github.com/glimte/mmate-patterns/metrics"
	"github.com/glimte/mmate-patterns/routing"
)

// Subscriber binds consumer queues to exchanges and runs the delivery loop
type Subscriber struct {
	connections   *rabbitmq.ConnectionManager
	resolver      *Resolver
	prefetchCount int
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// SubscriberOption configures the Subscriber
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// WithSubscriberMetrics records delivery outcomes
func WithSubscriberMetrics(m *metrics.Metrics) SubscriberOption {
	return func(s *Subscriber) {
		s.metrics = m
	}
}

// WithSubscriberPrefetch bounds unacknowledged deliveries per consumer.
// Zero, the default, leaves it unbounded.
func WithSubscriberPrefetch(count int) SubscriberOption {
	return func(s *Subscriber) {
		s.prefetchCount = count
	}
}

// NewSubscriber creates a new subscriber
func NewSubscriber(connections *rabbitmq.ConnectionManager, options ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		connections: connections,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	s.resolver = NewResolver(connections, s.logger)
	return s
}

// Subscribe binds the consumer queue of consumerID to exchange and consumes
// from it until ctx is cancelled. A nil handler logs each payload.
//
// Deliveries are acknowledged when handler succeeds and requeued when it
// fails, without limit. Subscribe returns nil after cancellation, the
// binding error if the queue cannot be bound, or a *ConsumerError wrapping
// ErrConnectionClosed if the connection is lost.
func (s *Subscriber) Subscribe(ctx context.Context, exchange string, topology routing.Topology, consumerID string, criterion routing.Criterion, handler Handler) error {
	if handler == nil {
		handler = NewLogHandler(s.logger)
	}
	if consumerID == "" {
		consumerID = GenerateConsumerID()
	}

	return s.connections.Do(ctx, func(session *rabbitmq.Session) error {
		queue, err := s.resolver.BindOn(session.Channel(), exchange, topology, consumerID, criterion)
		if err != nil {
			return err
		}

		consumer := rabbitmq.NewConsumer(
			rabbitmq.WithPrefetchCount(s.prefetchCount),
			rabbitmq.WithConsumerLogger(s.logger),
			rabbitmq.WithConsumerMetrics(s.metrics),
		)
		return consumer.Consume(ctx, session.Channel(), queue.Name, amqpHandler(handler))
	})
}
