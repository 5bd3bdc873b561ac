// Package rabbitmqtest provides an in-memory broker for unit tests.
//
// The broker implements the rabbitmq.Connection and rabbitmq.Channel
// interfaces with the AMQP 0-9-1 behaviour the library relies on:
// exchange routing for the four topologies, per-consumer prefetch,
// round-robin dispatch between competing consumers, manual
// acknowledgment, requeue of unacknowledged deliveries when a channel
// closes, auto-delete queues and channel-closing errors on conflicts.
package rabbitmqtest

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-patterns/internal/rabbitmq"
	"github.com/glimte/mmate-patterns/routing"
)

// Broker is an in-memory AMQP broker
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*Conn]struct{}
	dialErr   error
	dials     int
	acks      int
	nacks     int
	badAcks   int
}

type exchange struct {
	name     string
	kind     string
	durable  bool
	bindings []binding
}

type binding struct {
	queue string
	key   string
	args  amqp.Table
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	deleted    bool
	ready      []*message
	consumers  []*consumer
	next       int
}

type message struct {
	exchange    string
	routingKey  string
	publishing  amqp.Publishing
	redelivered bool
}

type pending struct {
	queue    *queue
	msg      *message
	consumer *consumer
}

// NewBroker creates an empty broker with the default and amq.* exchanges
func NewBroker() *Broker {
	b := &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*Conn]struct{}),
	}
	b.exchanges[""] = &exchange{name: "", kind: amqp.ExchangeDirect, durable: true}
	for _, kind := range []string{amqp.ExchangeDirect, amqp.ExchangeFanout, amqp.ExchangeTopic, amqp.ExchangeHeaders} {
		name := "amq." + kind
		b.exchanges[name] = &exchange{name: name, kind: kind, durable: true}
	}
	return b
}

// Dial opens a connection. It has the rabbitmq.Dialer signature.
func (b *Broker) Dial(ctx context.Context, _ string, _ amqp.Config) (rabbitmq.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}

	conn := &Conn{broker: b, channels: make(map[*Channel]struct{})}
	b.conns[conn] = struct{}{}
	return conn, nil
}

// FailDial makes subsequent dials fail with err; nil restores dialing
func (b *Broker) FailDial(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// DropConnections closes every open connection as a network failure would
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		conn.closeLocked()
	}
}

// Dials returns the number of dial attempts
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// OpenConnections returns the number of connections not yet closed
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// ExchangeKind returns the type of a declared exchange
func (b *Broker) ExchangeKind(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	if !ok {
		return "", false
	}
	return ex.kind, true
}

// HasQueue reports whether a queue exists
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueDurable reports whether an existing queue is durable
func (b *Broker) QueueDurable(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return ok && q.durable
}

// QueueDepth returns the number of ready messages in a queue
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked returns the number of delivered but unsettled messages of a queue
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for conn := range b.conns {
		for ch := range conn.channels {
			for _, p := range ch.unacked {
				if p.queue.name == name {
					n++
				}
			}
		}
	}
	return n
}

// ConsumerCount returns the number of consumers on a queue
func (b *Broker) ConsumerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// Bindings returns the binding keys of a queue on an exchange
func (b *Broker) Bindings(exchangeName, queueName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil
	}
	var keys []string
	for _, bd := range ex.bindings {
		if bd.queue == queueName {
			keys = append(keys, bd.key)
		}
	}
	return keys
}

// Acks returns the number of acknowledged deliveries
func (b *Broker) Acks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks
}

// Nacks returns the number of rejected deliveries
func (b *Broker) Nacks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nacks
}

// InvalidAcks returns the number of settlements for unknown delivery tags
func (b *Broker) InvalidAcks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.badAcks
}

func (b *Broker) route(ex *exchange, routingKey string, headers amqp.Table) []*queue {
	if ex.name == "" {
		if q, ok := b.queues[routingKey]; ok {
			return []*queue{q}
		}
		return nil
	}

	topology := routing.Topology(ex.kind)
	seen := make(map[string]bool)
	var targets []*queue
	for _, bd := range ex.bindings {
		if seen[bd.queue] {
			continue
		}
		criterion := routing.CriterionFromBinding(topology, bd.key, bd.args)
		if !routing.Matches(topology, criterion, routingKey, headers) {
			continue
		}
		if q, ok := b.queues[bd.queue]; ok {
			seen[bd.queue] = true
			targets = append(targets, q)
		}
	}
	return targets
}

// dispatch hands ready messages to consumers with spare prefetch capacity,
// rotating between consumers.
func (b *Broker) dispatch(q *queue) {
	for !q.deleted && len(q.ready) > 0 {
		cons := q.nextConsumer()
		if cons == nil {
			return
		}

		msg := q.ready[0]
		q.ready = q.ready[1:]

		ch := cons.ch
		ch.nextTag++
		tag := ch.nextTag
		if !cons.autoAck {
			ch.unacked[tag] = &pending{queue: q, msg: msg, consumer: cons}
			cons.inflight++
		}

		p := msg.publishing
		cons.push(amqp.Delivery{
			Acknowledger:    ch,
			Headers:         maps.Clone(p.Headers),
			ContentType:     p.ContentType,
			ContentEncoding: p.ContentEncoding,
			DeliveryMode:    p.DeliveryMode,
			Priority:        p.Priority,
			CorrelationId:   p.CorrelationId,
			ReplyTo:         p.ReplyTo,
			Expiration:      p.Expiration,
			MessageId:       p.MessageId,
			Timestamp:       p.Timestamp,
			Type:            p.Type,
			UserId:          p.UserId,
			AppId:           p.AppId,
			ConsumerTag:     cons.tag,
			DeliveryTag:     tag,
			Redelivered:     msg.redelivered,
			Exchange:        msg.exchange,
			RoutingKey:      msg.routingKey,
			Body:            bytes.Clone(p.Body),
		})
	}
}

func (b *Broker) removeConsumer(cons *consumer) {
	q := cons.queue
	for i, c := range q.consumers {
		if c == cons {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
	delete(cons.ch.consumers, cons.tag)
	cons.stop()

	if q.autoDelete && len(q.consumers) == 0 {
		b.deleteQueue(q)
	}
}

func (b *Broker) deleteQueue(q *queue) {
	q.deleted = true
	q.ready = nil
	delete(b.queues, q.name)
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != q.name {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}
}

func (q *queue) nextConsumer() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		idx := (q.next + i) % n
		cons := q.consumers[idx]
		if cons.hasCapacity() {
			q.next = (idx + 1) % n
			return cons
		}
	}
	return nil
}

func (q *queue) requeueFront(msgs []*message) {
	if q.deleted || len(msgs) == 0 {
		return
	}
	for _, m := range msgs {
		m.redelivered = true
	}
	q.ready = append(append([]*message{}, msgs...), q.ready...)
}

// Conn is an in-memory connection
type Conn struct {
	broker   *Broker
	channels map[*Channel]struct{}
	closed   bool
}

// Channel opens a channel on the connection
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		broker:    b,
		conn:      c,
		unacked:   make(map[uint64]*pending),
		consumers: make(map[string]*consumer),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// Close closes the connection and all its channels
func (c *Conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked()
	return nil
}

// IsClosed reports whether the connection is closed
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *Conn) closeLocked() {
	c.closed = true
	for ch := range c.channels {
		ch.closeLocked()
	}
	delete(c.broker.conns, c)
}

// Channel is an in-memory channel. It is also the Acknowledger of the
// deliveries it hands out.
type Channel struct {
	broker     *Broker
	conn       *Conn
	closed     bool
	prefetch   int
	nextTag    uint64
	unacked    map[uint64]*pending
	consumers  map[string]*consumer
	confirm    bool
	publishSeq uint64
	confirms   []chan amqp.Confirmation
}

var _ rabbitmq.Channel = (*Channel)(nil)

// fail closes the channel the way the broker does after a channel-level error
func (ch *Channel) fail(code int, format string, args ...any) error {
	err := &amqp.Error{Code: code, Reason: fmt.Sprintf(format, args...), Server: true}
	ch.closeLocked()
	return err
}

func (ch *Channel) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.broker

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	byQueue := make(map[*queue][]*message)
	var order []*queue
	for _, tag := range tags {
		p := ch.unacked[tag]
		if _, ok := byQueue[p.queue]; !ok {
			order = append(order, p.queue)
		}
		byQueue[p.queue] = append(byQueue[p.queue], p.msg)
	}
	ch.unacked = make(map[uint64]*pending)
	for _, q := range order {
		q.requeueFront(byQueue[q])
	}

	for _, cons := range ch.consumers {
		b.removeConsumer(cons)
	}
	delete(ch.conn.channels, ch)

	for _, q := range order {
		b.dispatch(q)
	}
}

// ExchangeDeclare declares an exchange, failing on a type or durability mismatch
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			return ch.fail(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s' in vhost '/': received '%s' but current is '%s'",
				name, kind, ex.kind)
		}
		if ex.durable != durable {
			return ch.fail(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg 'durable' for exchange '%s' in vhost '/'", name)
		}
		return nil
	}
	if name == "" || strings.HasPrefix(name, "amq.") {
		return ch.fail(amqp.AccessRefused, "ACCESS_REFUSED - exchange name '%s' contains reserved prefix 'amq.*'", name)
	}
	switch kind {
	case amqp.ExchangeDirect, amqp.ExchangeFanout, amqp.ExchangeTopic, amqp.ExchangeHeaders:
	default:
		return ch.fail(amqp.CommandInvalid, "COMMAND_INVALID - unknown exchange type '%s'", kind)
	}

	b.exchanges[name] = &exchange{name: name, kind: kind, durable: durable}
	return nil
}

// ExchangeDeclarePassive checks that an exchange exists
func (ch *Channel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[name]; !ok {
		return ch.fail(amqp.NotFound, "NOT_FOUND - no exchange '%s' in vhost '/'", name)
	}
	return nil
}

// QueueDeclare declares a queue; an empty name gets a generated one
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}
	if q, ok := b.queues[name]; ok {
		if q.durable != durable || q.autoDelete != autoDelete {
			return amqp.Queue{}, ch.fail(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s' in vhost '/'", name)
		}
		return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
	}

	b.queues[name] = &queue{name: name, durable: durable, autoDelete: autoDelete}
	return amqp.Queue{Name: name}, nil
}

// QueueDeclarePassive returns the state of an existing queue
func (ch *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return amqp.Queue{}, ch.fail(amqp.NotFound, "NOT_FOUND - no queue '%s' in vhost '/'", name)
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

// QueueBind binds a queue to an exchange
func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return ch.fail(amqp.NotFound, "NOT_FOUND - no exchange '%s' in vhost '/'", exchangeName)
	}
	if _, ok := b.queues[name]; !ok {
		return ch.fail(amqp.NotFound, "NOT_FOUND - no queue '%s' in vhost '/'", name)
	}
	for _, bd := range ex.bindings {
		if bd.queue == name && bd.key == key && reflect.DeepEqual(bd.args, args) {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key, args: maps.Clone(args)})
	return nil
}

// PublishWithContext routes a message to the queues bound to exchange
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return ch.fail(amqp.NotFound, "NOT_FOUND - no exchange '%s' in vhost '/'", exchangeName)
	}

	msg.Body = bytes.Clone(msg.Body)
	targets := b.route(ex, key, msg.Headers)
	for _, q := range targets {
		q.ready = append(q.ready, &message{exchange: exchangeName, routingKey: key, publishing: msg})
	}

	if ch.confirm {
		ch.publishSeq++
		confirmation := amqp.Confirmation{DeliveryTag: ch.publishSeq, Ack: true}
		listeners := append([]chan amqp.Confirmation(nil), ch.confirms...)
		go func() {
			for _, l := range listeners {
				l <- confirmation
			}
		}()
	}

	for _, q := range targets {
		b.dispatch(q)
	}
	return nil
}

// Qos sets the per-consumer prefetch limit
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Consume registers a consumer on a queue
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.fail(amqp.NotFound, "NOT_FOUND - no queue '%s' in vhost '/'", queueName)
	}
	if tag == "" {
		tag = "amq.ctag-" + uuid.NewString()
	}
	if _, dup := ch.consumers[tag]; dup {
		return nil, ch.fail(amqp.NotAllowed, "NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag)
	}

	cons := newConsumer(tag, ch, q, autoAck)
	q.consumers = append(q.consumers, cons)
	ch.consumers[tag] = cons
	go cons.run()

	b.dispatch(q)
	return cons.out, nil
}

// Cancel stops a consumer. Its unacknowledged deliveries stay with the channel.
func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if cons, ok := ch.consumers[tag]; ok {
		b.removeConsumer(cons)
	}
	return nil
}

// Confirm puts the channel in confirm mode
func (ch *Channel) Confirm(noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

// NotifyPublish registers a listener for publisher confirms
func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

// Close closes the channel, requeueing its unacknowledged deliveries
func (ch *Channel) Close() error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked()
	return nil
}

// IsClosed reports whether the channel is closed
func (ch *Channel) IsClosed() bool {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

// Ack acknowledges a delivery
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	settled, err := ch.settle(tag, multiple)
	if err != nil {
		return err
	}
	touched := make(map[*queue]bool)
	for _, p := range settled {
		b.acks++
		touched[p.queue] = true
	}
	for q := range touched {
		b.dispatch(q)
	}
	return nil
}

// Nack rejects one or more deliveries, optionally requeueing them
func (ch *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	settled, err := ch.settle(tag, multiple)
	if err != nil {
		return err
	}
	touched := make(map[*queue]bool)
	for i := len(settled) - 1; i >= 0; i-- {
		p := settled[i]
		b.nacks++
		if requeue {
			p.queue.requeueFront([]*message{p.msg})
		}
		touched[p.queue] = true
	}
	for q := range touched {
		b.dispatch(q)
	}
	return nil
}

// Reject rejects a single delivery
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

// settle removes tags from the unacked set. Settling an unknown tag is a
// channel error, as on a real broker.
func (ch *Channel) settle(tag uint64, multiple bool) ([]*pending, error) {
	if ch.closed {
		return nil, amqp.ErrClosed
	}

	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	} else if _, ok := ch.unacked[tag]; ok {
		tags = []uint64{tag}
	}

	if len(tags) == 0 {
		ch.broker.badAcks++
		return nil, ch.fail(amqp.PreconditionFailed, "PRECONDITION_FAILED - unknown delivery tag %d", tag)
	}

	settled := make([]*pending, 0, len(tags))
	for _, t := range tags {
		p := ch.unacked[t]
		delete(ch.unacked, t)
		p.consumer.inflight--
		settled = append(settled, p)
	}
	return settled, nil
}
