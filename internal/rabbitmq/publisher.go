package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends messages on a session channel. Every message is
// marked persistent.
type Publisher struct {
	confirm bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirms makes Publish wait for the broker to confirm each message
func WithConfirms(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirm = enabled
	}
}

// NewPublisher creates a new publisher
func NewPublisher(options ...PublisherOption) *Publisher {
	p := &Publisher{}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends msg to exchange with routingKey. With confirms enabled it
// blocks until the broker acks or nacks the message, or ctx is done.
func (p *Publisher) Publish(ctx context.Context, ch Channel, exchange, routingKey string, msg amqp.Publishing) error {
	msg.DeliveryMode = amqp.Persistent
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	var confirms chan amqp.Confirmation
	if p.confirm {
		if err := ch.Confirm(false); err != nil {
			return p.wrap(exchange, routingKey, fmt.Errorf("failed to enable confirms: %w", err))
		}
		confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}

	if err := ch.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	); err != nil {
		return p.wrap(exchange, routingKey, err)
	}

	if confirms == nil {
		return nil
	}

	select {
	case confirm, ok := <-confirms:
		if !ok {
			return p.wrap(exchange, routingKey, ErrChannelClosed)
		}
		if !confirm.Ack {
			return p.wrap(exchange, routingKey, ErrPublishNotConfirmed)
		}
		return nil
	case <-ctx.Done():
		return p.wrap(exchange, routingKey, ctx.Err())
	}
}

func (p *Publisher) wrap(exchange, routingKey string, err error) error {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
