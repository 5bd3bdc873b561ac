package rabbitmqtest

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// consumer buffers dispatched deliveries and pumps them into an
// unbuffered channel so the broker lock is never held while a test
// handler runs.
type consumer struct {
	tag      string
	ch       *Channel
	queue    *queue
	autoAck  bool
	inflight int

	mu       sync.Mutex
	buf      []amqp.Delivery
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	out      chan amqp.Delivery
}

func newConsumer(tag string, ch *Channel, q *queue, autoAck bool) *consumer {
	return &consumer{
		tag:     tag,
		ch:      ch,
		queue:   q,
		autoAck: autoAck,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		out:     make(chan amqp.Delivery),
	}
}

// hasCapacity is called with the broker lock held
func (c *consumer) hasCapacity() bool {
	if c.autoAck || c.ch.prefetch <= 0 {
		return true
	}
	return c.inflight < c.ch.prefetch
}

func (c *consumer) push(d amqp.Delivery) {
	c.mu.Lock()
	c.buf = append(c.buf, d)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *consumer) pop() (amqp.Delivery, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) == 0 {
		return amqp.Delivery{}, false
	}
	d := c.buf[0]
	c.buf = c.buf[1:]
	return d, true
}

func (c *consumer) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *consumer) run() {
	defer close(c.out)
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		for {
			d, ok := c.pop()
			if !ok {
				break
			}
			select {
			case c.out <- d:
			case <-c.done:
				return
			}
		}
	}
}
