package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	patterns "github.com/glimte/mmate-patterns"
	"github.com/glimte/mmate-patterns/health"
	"github.com/glimte/mmate-patterns/interceptors"
	"github.com/glimte/mmate-patterns/messaging"
	"github.com/glimte/mmate-patterns/routing"
)

const (
	demoWorkQueue   = "demo_queue"
	demoSingleQueue = "single_demo_queue"
)

// demoExchanges are the exchange names used when --exchange is not given
var demoExchanges = map[routing.Topology]string{
	routing.Fanout:  "demo_exchange",
	routing.Direct:  "demo_direct_exchange",
	routing.Topic:   "demo_topic_exchange",
	routing.Headers: "demo_headers_exchange",
}

// defaultRoutingKey returns the key used by publish when --key is empty
func defaultRoutingKey(t routing.Topology) string {
	switch t {
	case routing.Direct:
		return "info"
	case routing.Topic:
		return "general.info"
	}
	return ""
}

// defaultBindingKey returns the key used by subscribe when --key is empty
func defaultBindingKey(t routing.Topology) string {
	switch t {
	case routing.Direct:
		return "info"
	case routing.Topic:
		return "#"
	}
	return ""
}

func exchangeFor(t routing.Topology, name string) string {
	if name != "" {
		return name
	}
	return demoExchanges[t]
}

// buildCriterion turns subscribe flags into a binding criterion
func buildCriterion(t routing.Topology, key, attrs, match string) (routing.Criterion, error) {
	switch t {
	case routing.Fanout:
		return routing.All(), nil
	case routing.Direct, routing.Topic:
		if key == "" {
			key = defaultBindingKey(t)
		}
		c := routing.Key(key)
		return c, c.Validate(t)
	case routing.Headers:
		c := routing.Criterion{
			Headers: messaging.ParseAttributes(attrs),
			Mode:    routing.MatchMode(strings.ToLower(match)),
		}
		return c, c.Validate(t)
	}
	return routing.Criterion{}, fmt.Errorf("%w: %q", routing.ErrUnknownTopology, t)
}

func parseExchangeTopology(s string) (routing.Topology, error) {
	t, err := routing.ParseTopology(s)
	if err != nil {
		return "", err
	}
	if !t.IsExchange() {
		return "", fmt.Errorf("%w: %q is not an exchange topology", routing.ErrUnknownTopology, s)
	}
	return t, nil
}

// buildHandler wraps the log handler with panic recovery and timing logs.
// A non-empty filter drops deliveries whose routing key does not match it.
func (a *app) buildHandler(logger *slog.Logger, filter string, timeout time.Duration) (messaging.Handler, error) {
	chain := interceptors.NewChain(logger).
		Add(interceptors.NewRecoveryInterceptor(logger)).
		Add(interceptors.NewLoggingInterceptor(logger))
	if filter != "" {
		f, err := interceptors.NewRoutingKeyFilter(filter)
		if err != nil {
			return nil, err
		}
		chain.Add(interceptors.NewFilteringInterceptor(f, interceptors.SkipWithLog, logger))
	}
	if timeout > 0 {
		chain.Add(interceptors.NewTimeoutInterceptor(timeout))
	}
	return chain.Then(messaging.NewLogHandler(logger)), nil
}

func defaultMessage(kind string) string {
	return fmt.Sprintf("%s message from patterns at %s", kind, time.Now().Format(time.RFC3339))
}

func newPublishCommand(a *app) *cobra.Command {
	var (
		topology string
		exchange string
		key      string
		attrs    string
	)

	cmd := &cobra.Command{
		Use:   "publish [message]",
		Short: "Publish a message to an exchange",
		Long: `Publish a message to a fanout, direct, topic or headers exchange.

Direct messages default to routing key "info" and topic messages to
"general.info". Headers are given as a JSON object with --attrs; invalid
JSON is ignored and the message is sent without headers.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseExchangeTopology(topology)
			if err != nil {
				return err
			}

			body := defaultMessage(strings.ToUpper(t.String()[:1]) + t.String()[1:])
			if len(args) == 1 {
				body = args[0]
			}
			if key == "" {
				key = defaultRoutingKey(t)
			}

			msg := messaging.TextMessage(body).
				WithRoutingKey(key).
				WithAttributes(messaging.ParseAttributesWithLogger(attrs, a.logger))

			name := exchangeFor(t, exchange)
			if err := a.client.Publish(cmd.Context(), t, name, msg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published to %s exchange %q\n", t, name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&topology, "topology", "t", "fanout", "Exchange topology: fanout, direct, topic or headers")
	cmd.Flags().StringVarP(&exchange, "exchange", "e", "", "Exchange name (defaults to the demo exchange of the topology)")
	cmd.Flags().StringVarP(&key, "key", "k", "", "Routing key for direct and topic exchanges")
	cmd.Flags().StringVarP(&attrs, "attrs", "a", "", "Message attributes as a JSON object")
	return cmd
}

func newSubscribeCommand(a *app) *cobra.Command {
	var (
		topology   string
		exchange   string
		consumerID string
		key        string
		attrs      string
		match      string
		filter     string
	)

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Bind a consumer queue to an exchange and log every message",
		Long: `Bind the queue <exchange>.<consumer-id> to an exchange and log each
message until interrupted. The queue is removed when the subscriber stops.

Direct subscribers default to key "info" and topic subscribers to "#".
Headers subscribers bind with --attrs and --match all|any. Without --match
the mode comes from an "x-match" entry in --attrs, else "all".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseExchangeTopology(topology)
			if err != nil {
				return err
			}
			criterion, err := buildCriterion(t, key, attrs, match)
			if err != nil {
				return err
			}
			handler, err := a.buildHandler(a.logger, filter, 0)
			if err != nil {
				return err
			}
			if consumerID == "" {
				consumerID = messaging.GenerateConsumerID()
			}

			name := exchangeFor(t, exchange)
			a.logger.Info("starting subscriber",
				"exchange", name,
				"topology", t.String(),
				"queue", messaging.QueueName(name, consumerID),
			)

			return a.runUntilStopped(cmd.Context(), func(ctx context.Context) (*patterns.ConsumerHandle, error) {
				return a.client.StartConsumer(ctx, t, name, consumerID, criterion, handler)
			})
		},
	}

	cmd.Flags().StringVarP(&topology, "topology", "t", "fanout", "Exchange topology: fanout, direct, topic or headers")
	cmd.Flags().StringVarP(&exchange, "exchange", "e", "", "Exchange name (defaults to the demo exchange of the topology)")
	cmd.Flags().StringVar(&consumerID, "consumer-id", "", "Consumer id used in the queue name (generated when empty)")
	cmd.Flags().StringVarP(&key, "key", "k", "", "Binding key or topic pattern")
	cmd.Flags().StringVarP(&attrs, "attrs", "a", "", "Binding attributes for headers exchanges as a JSON object")
	cmd.Flags().StringVar(&match, "match", "", "Headers match mode: all or any (defaults to x-match in --attrs, then all)")
	cmd.Flags().StringVar(&filter, "filter", "", "Only log deliveries whose routing key matches this topic pattern")
	return cmd
}

func newEnqueueCommand(a *app) *cobra.Command {
	var (
		queue  string
		single bool
	)

	cmd := &cobra.Command{
		Use:   "enqueue [task...]",
		Short: "Add tasks to a durable work queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if queue == "" {
				queue = demoWorkQueue
				if single {
					queue = demoSingleQueue
				}
			}
			if len(args) == 0 {
				args = []string{defaultMessage("Work task")}
			}

			for _, task := range args {
				if err := a.client.Enqueue(cmd.Context(), queue, []byte(task)); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d task(s) on %q\n", len(args), queue)
			return nil
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Queue name (defaults to demo_queue)")
	cmd.Flags().BoolVar(&single, "single", false, "Use the single producer, single consumer demo queue")
	return cmd
}

func newWorkerCommand(a *app) *cobra.Command {
	var (
		queue   string
		count   int
		single  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process tasks from a work queue, one at a time per worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			if queue == "" {
				queue = demoWorkQueue
				if single {
					queue = demoSingleQueue
				}
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			for i := 0; i < count; i++ {
				worker := fmt.Sprintf("worker_%d", i+1)
				g.Go(func() error {
					handler, err := a.buildHandler(a.logger.With("worker", worker), "", timeout)
					if err != nil {
						return err
					}
					return a.runUntilStopped(ctx, func(ctx context.Context) (*patterns.ConsumerHandle, error) {
						return a.client.StartWorker(ctx, queue, handler)
					})
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Queue name (defaults to demo_queue)")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of concurrent workers")
	cmd.Flags().BoolVar(&single, "single", false, "Consume the single producer, single consumer demo queue")
	cmd.Flags().DurationVar(&timeout, "task-timeout", 0, "Fail and requeue a task that runs longer than this (0 disables)")
	return cmd
}

func newHealthCommand(a *app) *cobra.Command {
	var (
		queues  []string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check broker connectivity and queue state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := a.client.Health(queues...)
			registry.Register(health.NewRuntimeChecker(500, 1000))
			registry.SetMetadata("version", version)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			report := registry.Check(ctx)

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(report); err != nil {
				return err
			}
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("broker is %s", report.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&queues, "queue", nil, "Work queues to inspect (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Time allowed for all checks")
	return cmd
}

// runUntilStopped starts a consumer and restarts it with backoff after
// connection failures. It returns nil once ctx is cancelled and the loop
// error for anything that retrying cannot fix.
func (a *app) runUntilStopped(ctx context.Context, start func(context.Context) (*patterns.ConsumerHandle, error)) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		h, err := start(ctx)
		if err != nil {
			return err
		}
		err = h.Wait()
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if !messaging.IsRetryable(err) {
			return err
		}

		a.logger.Warn("consumer lost its connection, restarting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}
