package messaging

import (
	"errors"

	"github.com/glimte/mmate-patterns/internal/rabbitmq"
	"github.com/glimte/mmate-patterns/routing"
)

var (
	// ErrRoutingKeyRequired is returned when a direct or topic publish has
	// neither a routing key nor a default one
	ErrRoutingKeyRequired = errors.New("messaging: routing key required")
	// ErrNameRequired is returned for an empty exchange or queue name
	ErrNameRequired = errors.New("messaging: exchange or queue name required")

	ErrConnectionFailed     = rabbitmq.ErrConnectionFailed
	ErrConnectionClosed     = rabbitmq.ErrConnectionClosed
	ErrTopologyConflict     = rabbitmq.ErrTopologyConflict
	ErrPublishNotConfirmed  = rabbitmq.ErrPublishNotConfirmed
	ErrInvalidConfiguration = rabbitmq.ErrInvalidConfiguration
	ErrNotFound             = rabbitmq.ErrNotFound
	ErrInvalidPattern       = routing.ErrInvalidPattern
	ErrUnknownTopology      = routing.ErrUnknownTopology
	ErrBindingKeyRequired   = routing.ErrBindingKeyRequired
)

type (
	ConnectionError = rabbitmq.ConnectionError
	TopologyError   = rabbitmq.TopologyError
	PublishError    = rabbitmq.PublishError
	ConsumerError   = rabbitmq.ConsumerError
)

// IsRetryable reports whether err is a broker availability problem after
// which the operation can be attempted again
func IsRetryable(err error) bool {
	return rabbitmq.IsRetryable(err)
}
