package messaging

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-patterns/internal/rabbitmq"
)

// Handler processes deliveries. A nil error acknowledges the delivery;
// any error rejects it and returns it to the queue for redelivery.
type Handler interface {
	Handle(ctx context.Context, delivery Delivery) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, delivery Delivery) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, delivery Delivery) error {
	return f(ctx, delivery)
}

// LogHandler is the handler used when a consumer is started without one.
// It logs the payload and always succeeds.
type LogHandler struct {
	logger *slog.Logger
}

// NewLogHandler creates a handler that logs every payload it receives
func NewLogHandler(logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{logger: logger}
}

// Handle implements Handler
func (h *LogHandler) Handle(_ context.Context, delivery Delivery) error {
	attrs := []any{"payload", string(delivery.Body)}
	if delivery.RoutingKey != "" {
		attrs = append(attrs, "routingKey", delivery.RoutingKey)
	}
	if len(delivery.Attributes) > 0 {
		attrs = append(attrs, "attributes", delivery.Attributes)
	}
	h.logger.Info("received message", attrs...)
	return nil
}

// amqpHandler bridges a Handler into the delivery loop
func amqpHandler(h Handler) rabbitmq.MessageHandler {
	return func(ctx context.Context, d amqp.Delivery) error {
		return h.Handle(ctx, newDelivery(d))
	}
}
