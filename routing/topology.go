package routing

import (
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrUnknownTopology is returned when a topology name is not recognised
	ErrUnknownTopology = errors.New("routing: unknown topology")
	// ErrInvalidPattern is returned for malformed topic binding patterns
	ErrInvalidPattern = errors.New("routing: invalid topic pattern")
)

// Topology is the routing behaviour of an exchange
type Topology string

const (
	// Fanout delivers every message to every bound queue
	Fanout Topology = "fanout"
	// Direct delivers to queues bound with a key equal to the routing key
	Direct Topology = "direct"
	// Topic delivers to queues whose binding pattern matches the routing key
	Topic Topology = "topic"
	// Headers delivers to queues whose binding attributes match the message headers
	Headers Topology = "headers"
	// Queue is the point-to-point work queue. It has no exchange of its own;
	// messages go through the default exchange keyed by queue name.
	Queue Topology = "queue"
)

// Topologies lists the exchange topologies in declaration order
var Topologies = []Topology{Fanout, Direct, Topic, Headers}

// ParseTopology converts a name into a Topology
func ParseTopology(s string) (Topology, error) {
	t := Topology(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case Fanout, Direct, Topic, Headers, Queue:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTopology, s)
}

// IsExchange reports whether t routes through a declared exchange
func (t Topology) IsExchange() bool {
	switch t {
	case Fanout, Direct, Topic, Headers:
		return true
	}
	return false
}

// ExchangeKind returns the AMQP exchange type for t
func (t Topology) ExchangeKind() string {
	switch t {
	case Fanout:
		return amqp.ExchangeFanout
	case Direct:
		return amqp.ExchangeDirect
	case Topic:
		return amqp.ExchangeTopic
	case Headers:
		return amqp.ExchangeHeaders
	}
	return ""
}

// UsesRoutingKey reports whether messages published with t are addressed by routing key
func (t Topology) UsesRoutingKey() bool {
	return t == Direct || t == Topic || t == Queue
}

func (t Topology) String() string {
	return string(t)
}
