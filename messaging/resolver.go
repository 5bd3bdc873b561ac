package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/glimte/mmate-patterns/internal/rabbitmq"
	"github.com/glimte/mmate-patterns/routing"
)

// ConsumerIDPrefix prefixes generated consumer ids
const ConsumerIDPrefix = "subscriber_"

// Queue is a consumer queue bound to an exchange
type Queue struct {
	Name       string
	Exchange   string
	Topology   routing.Topology
	ConsumerID string
	Criterion  routing.Criterion
}

// QueueName returns the name of the queue owned by consumerID on exchange
func QueueName(exchange, consumerID string) string {
	return exchange + "." + consumerID
}

// GenerateConsumerID returns a random consumer id such as "subscriber_1a2b3c4d"
func GenerateConsumerID() string {
	return ConsumerIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Resolver declares consumer queues and binds them to exchanges
type Resolver struct {
	connections *rabbitmq.ConnectionManager
	topology    *rabbitmq.TopologyManager
	logger      *slog.Logger
}

// NewResolver creates a binding resolver
func NewResolver(connections *rabbitmq.ConnectionManager, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		connections: connections,
		topology:    rabbitmq.NewTopologyManager(logger),
		logger:      logger,
	}
}

// Bind declares exchange and the queue "{exchange}.{consumerID}" on a
// session of its own and binds them with criterion.
//
// The queue is non-exclusive and auto-delete: the broker removes it once
// its last consumer is gone. Two consumers with the same id share the queue.
func (r *Resolver) Bind(ctx context.Context, exchange string, topology routing.Topology, consumerID string, criterion routing.Criterion) (Queue, error) {
	var queue Queue
	err := r.connections.Do(ctx, func(session *rabbitmq.Session) error {
		var err error
		queue, err = r.BindOn(session.Channel(), exchange, topology, consumerID, criterion)
		return err
	})
	return queue, err
}

// BindOn is Bind on a channel the caller already owns
func (r *Resolver) BindOn(ch rabbitmq.Channel, exchange string, topology routing.Topology, consumerID string, criterion routing.Criterion) (Queue, error) {
	if exchange == "" {
		return Queue{}, ErrNameRequired
	}
	if !topology.IsExchange() {
		return Queue{}, fmt.Errorf("%w: %q", routing.ErrUnknownTopology, topology)
	}
	if err := criterion.Validate(topology); err != nil {
		return Queue{}, err
	}
	if consumerID == "" {
		consumerID = GenerateConsumerID()
	}

	if err := r.topology.DeclareExchange(ch, exchangeDeclaration(exchange, topology)); err != nil {
		return Queue{}, err
	}

	name := QueueName(exchange, consumerID)
	if _, err := r.topology.DeclareQueue(ch, rabbitmq.QueueDeclaration{
		Name:       name,
		Durable:    false,
		AutoDelete: true,
		Exclusive:  false,
	}); err != nil {
		return Queue{}, err
	}

	if err := r.topology.BindQueue(ch, rabbitmq.Binding{
		Queue:      name,
		Exchange:   exchange,
		RoutingKey: criterion.BindingKey(topology),
		Arguments:  criterion.BindingArgs(topology),
	}); err != nil {
		return Queue{}, err
	}

	r.logger.Info("bound consumer queue",
		"queue", name,
		"exchange", exchange,
		"topology", topology,
		"bindingKey", criterion.BindingKey(topology),
	)

	return Queue{
		Name:       name,
		Exchange:   exchange,
		Topology:   topology,
		ConsumerID: consumerID,
		Criterion:  criterion,
	}, nil
}
