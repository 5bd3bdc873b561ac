package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	patterns "github.com/glimte/mmate-patterns"
	"github.com/glimte/mmate-patterns/health"
	"github.com/glimte/mmate-patterns/internal/config"
	"github.com/glimte/mmate-patterns/internal/rabbitmqtest"
	"github.com/glimte/mmate-patterns/messaging"
	"github.com/glimte/mmate-patterns/routing"
)

func newTestApp(t *testing.T) (*rabbitmqtest.Broker, *app) {
	t.Helper()
	broker := rabbitmqtest.NewBroker()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	client, err := patterns.NewClient(config.Default(),
		patterns.WithDialer(broker.Dial),
		patterns.WithLogger(logger),
	)
	require.NoError(t, err)

	a := &app{cfg: config.Default(), logger: logger, client: client}
	t.Cleanup(func() { a.close() })
	return broker, a
}

func TestBuildCriterion(t *testing.T) {
	tests := []struct {
		name     string
		topology routing.Topology
		key      string
		attrs    string
		match    string
		want     routing.Criterion
		wantErr  error
	}{
		{name: "fanout ignores key", topology: routing.Fanout, key: "x", want: routing.All()},
		{name: "direct default", topology: routing.Direct, want: routing.Key("info")},
		{name: "topic default", topology: routing.Topic, want: routing.Key("#")},
		{name: "topic pattern", topology: routing.Topic, key: "logs.*", want: routing.Key("logs.*")},
		{name: "invalid topic pattern", topology: routing.Topic, key: "logs.#.x", wantErr: routing.ErrInvalidPattern},
		{
			name: "headers any", topology: routing.Headers, attrs: `{"type":"report"}`, match: "ANY",
			want: routing.HeadersAny(map[string]any{"type": "report"}),
		},
		{
			name: "malformed headers bind everything", topology: routing.Headers, attrs: `{broken`, match: "all",
			want: routing.Criterion{Headers: map[string]any{}, Mode: routing.MatchAll},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildCriterion(tt.topology, tt.key, tt.attrs, tt.match)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Key, got.Key)
			assert.Equal(t, tt.want.Mode, got.Mode)
			assert.Equal(t, len(tt.want.Headers), len(got.Headers))
			for k, v := range tt.want.Headers {
				assert.Equal(t, v, got.Headers[k])
			}
		})
	}

	_, err := buildCriterion(routing.Headers, "", "", "some")
	assert.Error(t, err)

	_, err = buildCriterion(routing.Direct, "", "", "")
	assert.NoError(t, err)
}

func TestBuildCriterion_MatchModeFromAttributes(t *testing.T) {
	inline, err := buildCriterion(routing.Headers, "", `{"x-match":"any","type":"report","format":"json"}`, "")
	require.NoError(t, err)
	assert.Equal(t, "any", inline.BindingArgs(routing.Headers)["x-match"])
	assert.True(t, routing.Matches(routing.Headers, inline, "", map[string]any{"format": "json"}))

	flagged, err := buildCriterion(routing.Headers, "", `{"x-match":"any","type":"report"}`, "all")
	require.NoError(t, err)
	assert.Equal(t, "all", flagged.BindingArgs(routing.Headers)["x-match"])

	plain, err := buildCriterion(routing.Headers, "", `{"type":"report"}`, "")
	require.NoError(t, err)
	assert.Equal(t, "all", plain.BindingArgs(routing.Headers)["x-match"])
}

// syncBuffer lets the command's goroutines log into one buffer
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSubscribeCommand(t *testing.T) {
	broker, a := newTestApp(t)
	logs := &syncBuffer{}
	a.logger = slog.New(slog.NewTextHandler(logs, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cmd := newSubscribeCommand(a)
	cmd.SetArgs([]string{"-t", "topic", "-e", "ex", "--consumer-id", "c1", "-k", "#", "--filter", "kern.*"})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool { return broker.ConsumerCount("ex.c1") == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.client.Publish(context.Background(), routing.Topic, "ex", messaging.TextMessage("login").WithRoutingKey("auth.info")))
	require.NoError(t, a.client.Publish(context.Background(), routing.Topic, "ex", messaging.TextMessage("disk full").WithRoutingKey("kern.critical")))
	require.Eventually(t, func() bool { return broker.Acks() == 2 }, 2*time.Second, 5*time.Millisecond)

	out := logs.String()
	assert.Contains(t, out, "skipped filtered message")
	assert.Contains(t, out, "routingKey=auth.info")
	assert.NotContains(t, out, "payload=login")
	assert.Contains(t, out, `payload="disk full"`)
	assert.Contains(t, out, "message processed successfully")
	assert.Equal(t, 0, broker.Nacks())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe command did not stop")
	}
}

func TestSubscribeCommand_RejectsInvalidFilter(t *testing.T) {
	broker, a := newTestApp(t)

	cmd := newSubscribeCommand(a)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"-t", "topic", "--filter", "kern.#.x"})

	assert.ErrorIs(t, cmd.ExecuteContext(context.Background()), routing.ErrInvalidPattern)
	assert.Equal(t, 0, broker.Dials())
}

func TestParseExchangeTopology(t *testing.T) {
	got, err := parseExchangeTopology("Topic")
	require.NoError(t, err)
	assert.Equal(t, routing.Topic, got)

	_, err = parseExchangeTopology("queue")
	assert.ErrorIs(t, err, routing.ErrUnknownTopology)

	_, err = parseExchangeTopology("x-delayed")
	assert.ErrorIs(t, err, routing.ErrUnknownTopology)
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, "demo_exchange", exchangeFor(routing.Fanout, ""))
	assert.Equal(t, "demo_direct_exchange", exchangeFor(routing.Direct, ""))
	assert.Equal(t, "demo_topic_exchange", exchangeFor(routing.Topic, ""))
	assert.Equal(t, "demo_headers_exchange", exchangeFor(routing.Headers, ""))
	assert.Equal(t, "custom", exchangeFor(routing.Headers, "custom"))

	assert.Equal(t, "info", defaultRoutingKey(routing.Direct))
	assert.Equal(t, "general.info", defaultRoutingKey(routing.Topic))
	assert.Empty(t, defaultRoutingKey(routing.Fanout))
}

func TestPublishCommand(t *testing.T) {
	broker, a := newTestApp(t)

	// bind a queue first so the published message has somewhere to go
	_, err := a.client.StartConsumer(context.Background(), routing.Direct, "demo_direct_exchange", "c1", routing.Key("info"),
		messaging.HandlerFunc(func(context.Context, messaging.Delivery) error { return errors.New("keep it") }))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return broker.ConsumerCount("demo_direct_exchange.c1") == 1 }, 2*time.Second, 5*time.Millisecond)

	var out bytes.Buffer
	cmd := newPublishCommand(a)
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--topology", "direct", "hello"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	assert.Contains(t, out.String(), `published to direct exchange "demo_direct_exchange"`)
	kind, ok := broker.ExchangeKind("demo_direct_exchange")
	assert.True(t, ok)
	assert.Equal(t, "direct", kind)
	require.Eventually(t, func() bool { return broker.Nacks() > 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestPublishCommand_RejectsQueueTopology(t *testing.T) {
	broker, a := newTestApp(t)

	cmd := newPublishCommand(a)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--topology", "queue"})

	assert.ErrorIs(t, cmd.ExecuteContext(context.Background()), routing.ErrUnknownTopology)
	assert.Equal(t, 0, broker.Dials())
}

func TestEnqueueCommand(t *testing.T) {
	broker, a := newTestApp(t)

	var out bytes.Buffer
	cmd := newEnqueueCommand(a)
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"task one", "task two"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	assert.Contains(t, out.String(), `enqueued 2 task(s) on "demo_queue"`)
	assert.Equal(t, 2, broker.QueueDepth("demo_queue"))

	cmd = newEnqueueCommand(a)
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"--single"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Equal(t, 1, broker.QueueDepth("single_demo_queue"))
}

func TestWorkerCommand_StopsOnCancel(t *testing.T) {
	broker, a := newTestApp(t)
	require.NoError(t, a.client.Enqueue(context.Background(), "demo_queue", []byte("task")))

	ctx, cancel := context.WithCancel(context.Background())
	cmd := newWorkerCommand(a)
	cmd.SetArgs([]string{"--count", "2"})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool { return broker.ConsumerCount("demo_queue") == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return broker.QueueDepth("demo_queue") == 0 && broker.Acks() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker command did not stop")
	}
}

func TestHealthCommand(t *testing.T) {
	_, a := newTestApp(t)
	require.NoError(t, a.client.Enqueue(context.Background(), "demo_queue", []byte("task")))

	var out bytes.Buffer
	cmd := newHealthCommand(a)
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--queue", "demo_queue"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var report health.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Contains(t, report.Checks, "rabbitmq")
	assert.Contains(t, report.Checks, "queue:demo_queue")
	assert.Contains(t, report.Checks, "runtime")

	cmd = newHealthCommand(a)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--queue", "missing"})
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}

func TestRunUntilStopped(t *testing.T) {
	t.Run("restarts after connection loss", func(t *testing.T) {
		broker, a := newTestApp(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		starts := make(chan struct{}, 10)
		done := make(chan error, 1)
		go func() {
			done <- a.runUntilStopped(ctx, func(ctx context.Context) (*patterns.ConsumerHandle, error) {
				starts <- struct{}{}
				return a.client.StartWorker(ctx, "demo_queue", nil)
			})
		}()

		<-starts
		require.Eventually(t, func() bool { return broker.ConsumerCount("demo_queue") == 1 }, 2*time.Second, 5*time.Millisecond)
		broker.DropConnections()

		select {
		case <-starts:
		case <-time.After(3 * time.Second):
			t.Fatal("consumer was not restarted")
		}
		require.Eventually(t, func() bool { return broker.ConsumerCount("demo_queue") == 1 }, 2*time.Second, 5*time.Millisecond)

		cancel()
		assert.NoError(t, <-done)
	})

	t.Run("returns errors retrying cannot fix", func(t *testing.T) {
		_, a := newTestApp(t)
		require.NoError(t, a.client.Publish(context.Background(), routing.Fanout, "demo", messaging.TextMessage("x")))

		err := a.runUntilStopped(context.Background(), func(ctx context.Context) (*patterns.ConsumerHandle, error) {
			return a.client.StartConsumer(ctx, routing.Topic, "demo", "c1", routing.Key("#"), nil)
		})

		assert.ErrorIs(t, err, messaging.ErrTopologyConflict)
	})
}

func TestBuildHandler(t *testing.T) {
	_, a := newTestApp(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	_, err := a.buildHandler(logger, "logs.#.x", 0)
	assert.ErrorIs(t, err, routing.ErrInvalidPattern)

	handler, err := a.buildHandler(logger, "kern.*", time.Second)
	require.NoError(t, err)

	require.NoError(t, handler.Handle(context.Background(), messaging.Delivery{Body: []byte("disk full"), RoutingKey: "kern.critical"}))
	assert.Contains(t, buf.String(), "payload=\"disk full\"")

	buf.Reset()
	require.NoError(t, handler.Handle(context.Background(), messaging.Delivery{Body: []byte("login"), RoutingKey: "auth.info"}))
	assert.NotContains(t, buf.String(), "payload=login")
	assert.Contains(t, buf.String(), "skipped filtered message")
}
