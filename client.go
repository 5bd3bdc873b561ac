// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package patterns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-patterns/health"
	"github.com/glimte/mmate-patterns/internal/config"
	"github.com/glimte/mmate-patterns/internal/rabbitmq"
	"github.com/glimte/mmate-patterns/messaging"
	"github.com/glimte/mmate-patterns/metrics"
	"github.com/glimte/mmate-patterns/routing"
)

// ErrClientClosed is returned when starting a consumer on a closed client
var ErrClientClosed = errors.New("patterns: client is closed")

// Client provides the main entry point: publishing to exchanges and work
// queues, and starting consumers that run until they are stopped.
type Client struct {
	connections *rabbitmq.ConnectionManager
	router      *messaging.Router
	subscriber  *messaging.Subscriber
	workQueue   *messaging.WorkQueue
	logger      *slog.Logger

	mu      sync.Mutex
	handles map[*ConsumerHandle]struct{}
	closed  bool
}

// clientConfig holds client configuration
type clientConfig struct {
	logger            *slog.Logger
	metrics           *metrics.Metrics
	dialer            rabbitmq.Dialer
	confirms          bool
	prefetch          int
	defaultRoutingKey string
	connectionName    string
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithMetrics records publish and delivery metrics
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = m
	}
}

// WithDialer replaces the function used to open broker connections
func WithDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithConfirms waits for broker confirmation of every publish
func WithConfirms(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.confirms = enabled
	}
}

// WithPrefetch bounds unacknowledged deliveries for exchange consumers.
// Work queue consumers always use a prefetch of one.
func WithPrefetch(count int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.prefetch = count
	}
}

// WithDefaultRoutingKey is used for direct and topic publishes whose
// message has no routing key
func WithDefaultRoutingKey(key string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.defaultRoutingKey = key
	}
}

// WithConnectionName sets the connection name the broker shows for every
// connection the client opens
func WithConnectionName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionName = name
	}
}

// NewClient creates a client for the broker described by cfg. No
// connection is opened until the first operation.
func NewClient(cfg config.Config, options ...ClientOption) (*Client, error) {
	cc := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cc)
	}

	url := cfg.URL()
	if url == "" {
		return nil, fmt.Errorf("%w: empty broker URL", messaging.ErrInvalidConfiguration)
	}

	connOpts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(cc.logger)}
	if cc.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cc.dialer))
	}
	if cc.connectionName != "" {
		connOpts = append(connOpts, rabbitmq.WithConnectionName(cc.connectionName))
	}
	connections := rabbitmq.NewConnectionManager(url, connOpts...)

	return &Client{
		connections: connections,
		router: messaging.NewRouter(connections,
			messaging.WithRouterLogger(cc.logger),
			messaging.WithRouterMetrics(cc.metrics),
			messaging.WithPublisherConfirms(cc.confirms),
			messaging.WithDefaultRoutingKey(cc.defaultRoutingKey),
		),
		subscriber: messaging.NewSubscriber(connections,
			messaging.WithSubscriberLogger(cc.logger),
			messaging.WithSubscriberMetrics(cc.metrics),
			messaging.WithSubscriberPrefetch(cc.prefetch),
		),
		workQueue: messaging.NewWorkQueue(connections,
			messaging.WithWorkQueueLogger(cc.logger),
			messaging.WithWorkQueueMetrics(cc.metrics),
			messaging.WithWorkQueueConfirms(cc.confirms),
		),
		logger:  cc.logger,
		handles: make(map[*ConsumerHandle]struct{}),
	}, nil
}

// Publish sends msg to the exchange called name, or enqueues it on the
// work queue called name when topology is routing.Queue.
func (c *Client) Publish(ctx context.Context, topology routing.Topology, name string, msg messaging.Message) error {
	if topology == routing.Queue {
		return c.workQueue.Enqueue(ctx, name, msg)
	}
	return c.router.Publish(ctx, name, topology, msg)
}

// Enqueue adds a task to a durable work queue
func (c *Client) Enqueue(ctx context.Context, queue string, body []byte) error {
	return c.workQueue.Publish(ctx, queue, body)
}

// StartConsumer binds the consumer queue of consumerID to the exchange
// called name and processes deliveries on its own goroutine until the
// handle is stopped, ctx is cancelled or the connection is lost. With the
// routing.Queue topology it starts a work queue consumer instead and
// consumerID and criterion are ignored.
func (c *Client) StartConsumer(ctx context.Context, topology routing.Topology, name, consumerID string, criterion routing.Criterion, handler messaging.Handler) (*ConsumerHandle, error) {
	if topology == routing.Queue {
		return c.StartWorker(ctx, name, handler)
	}
	if name == "" {
		return nil, messaging.ErrNameRequired
	}
	if !topology.IsExchange() {
		return nil, fmt.Errorf("%w: %q", messaging.ErrUnknownTopology, topology)
	}
	if err := criterion.Validate(topology); err != nil {
		return nil, err
	}

	return c.start(ctx, func(ctx context.Context) error {
		return c.subscriber.Subscribe(ctx, name, topology, consumerID, criterion, handler)
	})
}

// StartWorker consumes the work queue one task at a time on its own goroutine
func (c *Client) StartWorker(ctx context.Context, queue string, handler messaging.Handler) (*ConsumerHandle, error) {
	if queue == "" {
		return nil, messaging.ErrNameRequired
	}

	return c.start(ctx, func(ctx context.Context) error {
		return c.workQueue.Consume(ctx, queue, handler)
	})
}

func (c *Client) start(ctx context.Context, loop func(context.Context) error) (*ConsumerHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h := &ConsumerHandle{cancel: cancel, done: make(chan struct{})}
	c.handles[h] = struct{}{}

	go func() {
		defer close(h.done)
		h.err = loop(loopCtx)
		cancel()

		c.mu.Lock()
		delete(c.handles, h)
		c.mu.Unlock()

		if h.err != nil {
			c.logger.Error("consumer stopped", "error", h.err)
		}
	}()

	return h, nil
}

// Inspect returns the ready message and consumer counts of a work queue
func (c *Client) Inspect(ctx context.Context, queue string) (messages, consumers int, err error) {
	return c.workQueue.Inspect(ctx, queue)
}

// Health returns a registry with a broker check and one check per queue
func (c *Client) Health(queues ...string) *health.Registry {
	registry := health.NewRegistry()
	registry.SetMetadata("broker", c.connections.URL())
	registry.Register(health.NewBrokerChecker(c.connections, c.logger))
	for _, queue := range queues {
		registry.Register(health.NewQueueChecker(queue, c.connections, c.logger))
	}
	return registry
}

// Close stops every consumer started by the client and waits for them.
// It returns the first loop error other than a clean stop.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	handles := make([]*ConsumerHandle, 0, len(c.handles))
	for h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	var g errgroup.Group
	for _, h := range handles {
		h := h
		g.Go(func() error {
			h.Stop()
			return h.Wait()
		})
	}
	return g.Wait()
}

// ConsumerHandle controls a consumer started by the client
type ConsumerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Stop asks the consumer to stop. Deliveries in progress are not
// acknowledged and return to the queue.
func (h *ConsumerHandle) Stop() {
	h.cancel()
}

// Done is closed when the consumer loop has exited
func (h *ConsumerHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the consumer exits and returns its error, which is
// nil after Stop or ctx cancellation.
func (h *ConsumerHandle) Wait() error {
	<-h.done
	return h.err
}
