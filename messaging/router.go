package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-patterns/internal/rabbitmq"
	"github.com/glimte/mmate-patterns/metrics"
	"github.com/glimte/mmate-patterns/routing"
)

// Router declares exchanges and publishes messages into them
type Router struct {
	connections       *rabbitmq.ConnectionManager
	topology          *rabbitmq.TopologyManager
	publisher         *rabbitmq.Publisher
	defaultRoutingKey string
	confirms          bool
	logger            *slog.Logger
	metrics           *metrics.Metrics
}

// RouterOption configures the Router
type RouterOption func(*Router)

// WithRouterLogger sets the logger
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithRouterMetrics records publish counts and latency
func WithRouterMetrics(m *metrics.Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithDefaultRoutingKey sets the key used for direct and topic messages
// that carry none
func WithDefaultRoutingKey(key string) RouterOption {
	return func(r *Router) {
		r.defaultRoutingKey = key
	}
}

// WithPublisherConfirms makes Publish wait for a broker confirm
func WithPublisherConfirms(enabled bool) RouterOption {
	return func(r *Router) {
		r.confirms = enabled
	}
}

// NewRouter creates a router that opens a fresh session per publish
func NewRouter(connections *rabbitmq.ConnectionManager, options ...RouterOption) *Router {
	r := &Router{
		connections: connections,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	r.topology = rabbitmq.NewTopologyManager(r.logger)
	r.publisher = rabbitmq.NewPublisher(rabbitmq.WithConfirms(r.confirms))
	return r
}

// Publish declares exchange with the given topology and publishes msg to it.
//
// Fanout and headers exchanges ignore the routing key. Direct and topic
// exchanges need one: the message key, else the router default, else
// ErrRoutingKeyRequired. Redeclaring an exchange under another topology
// fails with ErrTopologyConflict.
func (r *Router) Publish(ctx context.Context, exchange string, topology routing.Topology, msg Message) error {
	if exchange == "" {
		return ErrNameRequired
	}
	if !topology.IsExchange() {
		return fmt.Errorf("%w: %q", routing.ErrUnknownTopology, topology)
	}

	routingKey, err := r.routingKey(topology, msg.RoutingKey)
	if err != nil {
		return err
	}

	publishing := msg.publishing()
	start := time.Now()
	err = r.connections.Do(ctx, func(session *rabbitmq.Session) error {
		ch := session.Channel()
		if err := r.topology.DeclareExchange(ch, exchangeDeclaration(exchange, topology)); err != nil {
			return err
		}
		return r.publisher.Publish(ctx, ch, exchange, routingKey, publishing)
	})
	r.metrics.ObservePublish(topology.String(), time.Since(start), err)

	if err != nil {
		r.logger.Error("failed to publish message",
			"exchange", exchange,
			"topology", topology,
			"routingKey", routingKey,
			"error", err,
		)
		return err
	}

	r.logger.Info("published message",
		"exchange", exchange,
		"topology", topology,
		"routingKey", routingKey,
		"messageId", publishing.MessageId,
		"size", len(msg.Body),
	)
	return nil
}

func (r *Router) routingKey(topology routing.Topology, key string) (string, error) {
	if !topology.UsesRoutingKey() {
		return "", nil
	}
	if key != "" {
		return key, nil
	}
	if r.defaultRoutingKey != "" {
		return r.defaultRoutingKey, nil
	}
	return "", fmt.Errorf("%w for %s exchange", ErrRoutingKeyRequired, topology)
}

// exchangeDeclaration describes the durable exchange backing a topology
func exchangeDeclaration(name string, topology routing.Topology) rabbitmq.ExchangeDeclaration {
	return rabbitmq.ExchangeDeclaration{
		Name:    name,
		Type:    topology.ExchangeKind(),
		Durable: true,
	}
}
