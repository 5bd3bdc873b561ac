package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/glimte/mmate-patterns/messaging"
)

// ErrHandlerPanic is returned by RecoveryInterceptor when the handler panics
var ErrHandlerPanic = errors.New("interceptors: handler panicked")

// ErrHandlerTimeout is returned by TimeoutInterceptor when the handler overruns
var ErrHandlerTimeout = errors.New("interceptors: handler timed out")

// Interceptor processes deliveries before they reach the final handler
type Interceptor interface {
	// Intercept processes a delivery and calls the next handler in the chain
	Intercept(ctx context.Context, delivery messaging.Delivery, next messaging.Handler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, delivery messaging.Delivery, next messaging.Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, delivery messaging.Delivery, next messaging.Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, delivery messaging.Delivery, next messaging.Handler) error {
	return i.fn(ctx, delivery, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain manages an ordered list of interceptors
type Chain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewChain creates an empty chain
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}

	return &Chain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add appends an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names returns the interceptor names in execution order
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Execute runs the chain with finalHandler last
func (c *Chain) Execute(ctx context.Context, delivery messaging.Delivery, finalHandler messaging.Handler) error {
	return c.Then(finalHandler).Handle(ctx, delivery)
}

// Then wraps finalHandler so that every delivery passes through the chain.
// The first interceptor added is the outermost.
func (c *Chain) Then(finalHandler messaging.Handler) messaging.Handler {
	handler := finalHandler
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = messaging.HandlerFunc(func(ctx context.Context, delivery messaging.Delivery) error {
			return interceptor.Intercept(ctx, delivery, next)
		})
	}
	return handler
}

// LoggingInterceptor logs every delivery with its processing time
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, delivery messaging.Delivery, next messaging.Handler) error {
	start := time.Now()

	i.logger.Debug("processing message",
		"messageId", delivery.MessageID,
		"exchange", delivery.Exchange,
		"routingKey", delivery.RoutingKey,
		"redelivered", delivery.Redelivered,
	)

	err := next.Handle(ctx, delivery)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"messageId", delivery.MessageID,
			"routingKey", delivery.RoutingKey,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("message processed successfully",
			"messageId", delivery.MessageID,
			"routingKey", delivery.RoutingKey,
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// RecoveryInterceptor turns a handler panic into an error wrapping
// ErrHandlerPanic, which makes the delivery loop requeue the message.
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, delivery messaging.Delivery, next messaging.Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("recovered handler panic",
				"messageId", delivery.MessageID,
				"routingKey", delivery.RoutingKey,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	return next.Handle(ctx, delivery)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// TimeoutInterceptor bounds handler execution time. An overrunning
// handler fails with ErrHandlerTimeout and its delivery is requeued.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, delivery messaging.Delivery, next messaging.Handler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- next.Handle(timeoutCtx, delivery)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %v for message %s", ErrHandlerTimeout, i.timeout, delivery.MessageID)
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}
