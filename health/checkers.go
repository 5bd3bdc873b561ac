package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/glimte/mmate-patterns/internal/rabbitmq"
)

// BrokerChecker verifies that a broker session can be opened and that the
// broker answers a passive declare of amq.direct.
type BrokerChecker struct {
	connections *rabbitmq.ConnectionManager
	topology    *rabbitmq.TopologyManager
}

// NewBrokerChecker creates a broker checker
func NewBrokerChecker(connections *rabbitmq.ConnectionManager, logger *slog.Logger) *BrokerChecker {
	return &BrokerChecker{
		connections: connections,
		topology:    rabbitmq.NewTopologyManager(logger),
	}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"url": c.connections.URL()},
	}

	var probeErr error
	err := c.connections.Do(ctx, func(s *rabbitmq.Session) error {
		probeErr = c.topology.CheckExchange(s.Channel(), rabbitmq.ExchangeDeclaration{
			Name:    "amq.direct",
			Type:    "direct",
			Durable: true,
		})
		return nil
	})

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Message = "broker unreachable"
		result.Error = err.Error()
		result.Details["connection_open"] = false
	case probeErr != nil:
		result.Status = StatusDegraded
		result.Message = "broker connected but channel operations fail"
		result.Error = probeErr.Error()
		result.Details["connection_open"] = true
	default:
		result.Status = StatusHealthy
		result.Message = "broker is reachable"
		result.Details["connection_open"] = true
	}
	return result
}

// QueueChecker reports the depth and consumer count of a queue. A missing
// queue is unhealthy and a queue deeper than the threshold is degraded.
type QueueChecker struct {
	queue         string
	connections   *rabbitmq.ConnectionManager
	topology      *rabbitmq.TopologyManager
	depthWarning  int
	needConsumers bool
}

// QueueCheckerOption configures a QueueChecker
type QueueCheckerOption func(*QueueChecker)

// WithDepthWarning sets the message count above which the queue is degraded
func WithDepthWarning(messages int) QueueCheckerOption {
	return func(c *QueueChecker) {
		c.depthWarning = messages
	}
}

// WithConsumersRequired marks a queue without consumers as degraded
func WithConsumersRequired() QueueCheckerOption {
	return func(c *QueueChecker) {
		c.needConsumers = true
	}
}

// NewQueueChecker creates a checker for the named queue
func NewQueueChecker(queue string, connections *rabbitmq.ConnectionManager, logger *slog.Logger, options ...QueueCheckerOption) *QueueChecker {
	c := &QueueChecker{
		queue:        queue,
		connections:  connections,
		topology:     rabbitmq.NewTopologyManager(logger),
		depthWarning: 10000,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *QueueChecker) Name() string {
	return "queue:" + c.queue
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"queue_name": c.queue},
	}

	err := c.connections.Do(ctx, func(s *rabbitmq.Session) error {
		q, err := c.topology.InspectQueue(s.Channel(), c.queue, true)
		if err != nil {
			return err
		}
		result.Details["message_count"] = q.Messages
		result.Details["consumer_count"] = q.Consumers

		switch {
		case c.depthWarning > 0 && q.Messages > c.depthWarning:
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("queue %s has %d messages waiting", c.queue, q.Messages)
		case c.needConsumers && q.Consumers == 0:
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("queue %s has no consumers", c.queue)
		default:
			result.Status = StatusHealthy
			result.Message = fmt.Sprintf("queue %s is available", c.queue)
		}
		return nil
	})

	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		if errors.Is(err, rabbitmq.ErrNotFound) {
			result.Message = fmt.Sprintf("queue %s does not exist", c.queue)
		} else {
			result.Message = fmt.Sprintf("failed to inspect queue %s", c.queue)
		}
	}
	return result
}

// RuntimeChecker reports goroutine count and memory use. Delivery loops
// run one goroutine each, so a runaway count usually means leaked consumers.
type RuntimeChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds
func NewRuntimeChecker(warnGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warnGoroutines:     warnGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
			"gc_runs":        m.NumGC,
			"goroutines":     goroutines,
		},
	}

	switch {
	case c.criticalGoroutines > 0 && goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case c.warnGoroutines > 0 && goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
