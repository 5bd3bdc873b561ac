package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrConnectionFailed  = errors.New("rabbitmq: connection failed")
	ErrConnectionClosed  = errors.New("rabbitmq: connection is closed")
	ErrConnectionTimeout = errors.New("rabbitmq: connection timeout")

	// Channel errors
	ErrChannelClosed         = errors.New("rabbitmq: channel is closed")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// Publisher errors
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")

	// Topology errors
	ErrTopologyConflict          = errors.New("rabbitmq: exchange already declared with a different topology")
	ErrTopologyDeclarationFailed = errors.New("rabbitmq: topology declaration failed")
	ErrNotFound                  = errors.New("rabbitmq: not found")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %q with key %q: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// classifyTopologyErr maps broker replies on declare and bind onto
// the package sentinels, keeping the original error in the chain.
func classifyTopologyErr(err error) error {
	if classified, ok := matchBrokerErr(err); ok {
		return classified
	}
	return fmt.Errorf("%w: %w", ErrTopologyDeclarationFailed, err)
}

// classifyBrokerErr wraps err with ErrTopologyConflict, ErrNotFound or
// ErrConnectionClosed when the broker reply says so, and returns err as is otherwise.
func classifyBrokerErr(err error) error {
	if classified, ok := matchBrokerErr(err); ok {
		return classified
	}
	return err
}

func matchBrokerErr(err error) (error, bool) {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.PreconditionFailed:
			return fmt.Errorf("%w: %w", ErrTopologyConflict, err), true
		case amqp.NotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, err), true
		case amqp.ChannelError, amqp.ConnectionForced:
			return fmt.Errorf("%w: %w", ErrConnectionClosed, err), true
		}
	}
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err), true
	}
	return nil, false
}

// IsRetryable reports whether the operation that returned err may succeed
// if the caller tries again, typically after the broker comes back.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration),
		errors.Is(err, ErrTopologyConflict),
		errors.Is(err, ErrNotFound):
		return false
	case errors.Is(err, ErrConnectionClosed),
		errors.Is(err, ErrConnectionFailed),
		errors.Is(err, ErrConnectionTimeout),
		errors.Is(err, amqp.ErrClosed):
		return true
	}

	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsFatal determines if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return err != nil && !IsRetryable(err)
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
