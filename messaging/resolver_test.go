package messaging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-patterns/routing"
)

func TestQueueName(t *testing.T) {
	assert.Equal(t, "demo_exchange.consumer1", QueueName("demo_exchange", "consumer1"))
}

func TestGenerateConsumerID(t *testing.T) {
	id := GenerateConsumerID()

	assert.True(t, strings.HasPrefix(id, ConsumerIDPrefix))
	assert.Len(t, id, len(ConsumerIDPrefix)+8)
	assert.NotEqual(t, id, GenerateConsumerID())
}

func TestResolverBind(t *testing.T) {
	tests := []struct {
		name       string
		topology   routing.Topology
		criterion  routing.Criterion
		bindingKey string
	}{
		{name: "fanout ignores key", topology: routing.Fanout, criterion: routing.Key("ignored"), bindingKey: ""},
		{name: "direct", topology: routing.Direct, criterion: routing.Key("error"), bindingKey: "error"},
		{name: "topic", topology: routing.Topic, criterion: routing.Key("logs.*"), bindingKey: "logs.*"},
		{name: "headers", topology: routing.Headers, criterion: routing.HeadersAll(map[string]any{"type": "report"}), bindingKey: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker, connections := newTestConnections(t)
			resolver := NewResolver(connections, testLogger())
			exchange := "bind_" + tt.topology.String()

			queue, err := resolver.Bind(context.Background(), exchange, tt.topology, "c1", tt.criterion)

			require.NoError(t, err)
			assert.Equal(t, exchange+".c1", queue.Name)
			assert.Equal(t, "c1", queue.ConsumerID)
			assert.Equal(t, tt.topology, queue.Topology)
			assert.True(t, broker.HasQueue(queue.Name))
			assert.False(t, broker.QueueDurable(queue.Name))
			assert.Equal(t, []string{tt.bindingKey}, broker.Bindings(exchange, queue.Name))
			assert.Equal(t, 0, broker.OpenConnections())
		})
	}
}

func TestResolverBind_GeneratesConsumerID(t *testing.T) {
	_, connections := newTestConnections(t)
	resolver := NewResolver(connections, testLogger())

	queue, err := resolver.Bind(context.Background(), "demo_exchange", routing.Fanout, "", routing.All())

	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(queue.ConsumerID, ConsumerIDPrefix))
	assert.Equal(t, QueueName("demo_exchange", queue.ConsumerID), queue.Name)
}

func TestResolverBind_IsIdempotent(t *testing.T) {
	broker, connections := newTestConnections(t)
	resolver := NewResolver(connections, testLogger())
	ctx := context.Background()

	_, err := resolver.Bind(ctx, "logs", routing.Topic, "c1", routing.Key("logs.*"))
	require.NoError(t, err)
	_, err = resolver.Bind(ctx, "logs", routing.Topic, "c1", routing.Key("logs.*"))
	require.NoError(t, err)

	assert.Equal(t, []string{"logs.*"}, broker.Bindings("logs", "logs.c1"))
}

func TestResolverBind_Errors(t *testing.T) {
	_, connections := newTestConnections(t)
	resolver := NewResolver(connections, testLogger())
	ctx := context.Background()

	_, err := resolver.Bind(ctx, "", routing.Fanout, "c1", routing.All())
	assert.ErrorIs(t, err, ErrNameRequired)

	_, err = resolver.Bind(ctx, "q", routing.Queue, "c1", routing.All())
	assert.ErrorIs(t, err, ErrUnknownTopology)

	for _, pattern := range []string{"", "logs..error", "#.error", "logs.err*"} {
		_, err = resolver.Bind(ctx, "logs", routing.Topic, "c1", routing.Key(pattern))
		assert.ErrorIs(t, err, ErrInvalidPattern, pattern)
	}

	_, err = resolver.Bind(ctx, "logs", routing.Direct, "c1", routing.Key(""))
	assert.ErrorIs(t, err, ErrBindingKeyRequired)

	_, err = resolver.Bind(ctx, "h", routing.Headers, "c1", routing.Criterion{Mode: "most"})
	assert.Error(t, err)
}

func TestResolverBind_TopologyConflict(t *testing.T) {
	_, connections := newTestConnections(t)
	resolver := NewResolver(connections, testLogger())
	ctx := context.Background()

	_, err := resolver.Bind(ctx, "events", routing.Direct, "c1", routing.Key("info"))
	require.NoError(t, err)

	_, err = resolver.Bind(ctx, "events", routing.Headers, "c2", routing.HeadersAll(nil))
	assert.ErrorIs(t, err, ErrTopologyConflict)
}
