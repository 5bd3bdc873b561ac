package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-patterns/messaging"
	"github.com/glimte/mmate-patterns/routing"
)

// MessageFilter decides whether a delivery reaches the handler
type MessageFilter interface {
	// ShouldProcess returns true if the delivery should be processed
	ShouldProcess(ctx context.Context, delivery messaging.Delivery) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, delivery messaging.Delivery) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, delivery messaging.Delivery) (bool, error) {
	return f(ctx, delivery)
}

// SkipBehavior defines what happens when a delivery is filtered out
type SkipBehavior int

const (
	// SkipSilently acknowledges the delivery without processing it
	SkipSilently SkipBehavior = iota
	// SkipWithError fails the delivery, so it is requeued
	SkipWithError
	// SkipWithLog acknowledges the delivery and logs that it was skipped
	SkipWithLog
)

// FilteringInterceptor drops deliveries that do not pass a filter
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, delivery messaging.Delivery, next messaging.Handler) error {
	shouldProcess, err := i.filter.ShouldProcess(ctx, delivery)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		switch i.skipBehavior {
		case SkipWithError:
			return fmt.Errorf("message filtered: routingKey=%s, id=%s", delivery.RoutingKey, delivery.MessageID)
		case SkipWithLog:
			i.logger.Info("skipped filtered message",
				"messageId", delivery.MessageID,
				"routingKey", delivery.RoutingKey,
			)
			return nil
		default:
			return nil
		}
	}

	return next.Handle(ctx, delivery)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, delivery messaging.Delivery) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, delivery)
		if err != nil {
			return false, err
		}
		if !shouldProcess {
			return false, nil
		}
	}
	return true, nil
}

// OrFilter combines multiple filters with OR logic
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates a new OR filter
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - at least one filter must return true
func (f *OrFilter) ShouldProcess(ctx context.Context, delivery messaging.Delivery) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, delivery)
		if err != nil {
			return false, err
		}
		if shouldProcess {
			return true, nil
		}
	}
	return false, nil
}

// RoutingKeyFilter accepts deliveries whose routing key matches a topic pattern
type RoutingKeyFilter struct {
	pattern string
}

// NewRoutingKeyFilter creates a filter for a topic pattern such as "logs.*"
func NewRoutingKeyFilter(pattern string) (*RoutingKeyFilter, error) {
	if err := routing.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	return &RoutingKeyFilter{pattern: pattern}, nil
}

// ShouldProcess implements MessageFilter
func (f *RoutingKeyFilter) ShouldProcess(_ context.Context, delivery messaging.Delivery) (bool, error) {
	return routing.MatchTopic(f.pattern, delivery.RoutingKey), nil
}

// AttributeFilter accepts deliveries whose attributes match, with the
// same rules as a headers exchange binding
type AttributeFilter struct {
	attributes map[string]any
	mode       routing.MatchMode
}

// NewAttributeFilter creates an attribute filter
func NewAttributeFilter(attributes map[string]any, mode routing.MatchMode) *AttributeFilter {
	if mode == "" {
		mode = routing.MatchAll
	}
	return &AttributeFilter{attributes: attributes, mode: mode}
}

// ShouldProcess implements MessageFilter
func (f *AttributeFilter) ShouldProcess(_ context.Context, delivery messaging.Delivery) (bool, error) {
	return routing.MatchHeaders(f.attributes, f.mode, delivery.Attributes), nil
}

// ConditionalInterceptor executes an interceptor only if a condition is met
type ConditionalInterceptor struct {
	condition   MessageFilter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition MessageFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
	}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, delivery messaging.Delivery, next messaging.Handler) error {
	shouldExecute, err := i.condition.ShouldProcess(ctx, delivery)
	if err != nil {
		return err
	}

	if shouldExecute {
		return i.interceptor.Intercept(ctx, delivery, next)
	}

	return next.Handle(ctx, delivery)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}
