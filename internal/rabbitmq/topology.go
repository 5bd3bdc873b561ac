package rabbitmq

import (
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager declares exchanges, queues and bindings on a channel
type TopologyManager struct {
	logger *slog.Logger
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(logger *slog.Logger) *TopologyManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopologyManager{logger: logger}
}

// DeclareExchange declares an exchange. Declaring an existing exchange
// with the same type is a no-op; a different type fails with ErrTopologyConflict.
func (tm *TopologyManager) DeclareExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      exchange.Name,
			Op:        "declare",
			Err:       classifyTopologyErr(err),
			Timestamp: time.Now(),
		}
	}
	tm.logger.Debug("declared exchange", "exchange", exchange.Name, "type", exchange.Type)
	return nil
}

// DeclareQueue declares a queue
func (tm *TopologyManager) DeclareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, &TopologyError{
			Component: "queue",
			Name:      queue.Name,
			Op:        "declare",
			Err:       classifyTopologyErr(err),
			Timestamp: time.Now(),
		}
	}
	tm.logger.Debug("declared queue", "queue", q.Name, "durable", queue.Durable, "autoDelete", queue.AutoDelete)
	return q, nil
}

// BindQueue binds a queue to an exchange
func (tm *TopologyManager) BindQueue(ch Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      binding.Queue + "->" + binding.Exchange,
			Op:        "bind",
			Err:       classifyTopologyErr(err),
			Timestamp: time.Now(),
		}
	}
	tm.logger.Debug("bound queue",
		"queue", binding.Queue,
		"exchange", binding.Exchange,
		"routingKey", binding.RoutingKey,
	)
	return nil
}

// InspectQueue returns the message and consumer counts of an existing queue
func (tm *TopologyManager) InspectQueue(ch Channel, name string, durable bool) (amqp.Queue, error) {
	q, err := ch.QueueDeclarePassive(name, durable, false, false, false, nil)
	if err != nil {
		return amqp.Queue{}, &TopologyError{
			Component: "queue",
			Name:      name,
			Op:        "inspect",
			Err:       classifyTopologyErr(err),
			Timestamp: time.Now(),
		}
	}
	return q, nil
}

// CheckExchange verifies that an exchange exists without creating it
func (tm *TopologyManager) CheckExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclarePassive(exchange.Name, exchange.Type, exchange.Durable, exchange.AutoDelete, false, false, nil)
	if err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      exchange.Name,
			Op:        "inspect",
			Err:       classifyTopologyErr(err),
			Timestamp: time.Now(),
		}
	}
	return nil
}
