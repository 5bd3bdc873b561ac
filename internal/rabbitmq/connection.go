package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by this package
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	Close() error
	IsClosed() bool
}

// Connection is a broker connection able to open channels
type Connection interface {
	Channel() (Channel, error)
	Close() error
	IsClosed() bool
}

// Dialer opens a broker connection
type Dialer func(ctx context.Context, url string, config amqp.Config) (Connection, error)

// amqpConnection adapts *amqp.Connection to Connection
type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialAMQP dials a real broker. The dial runs in its own goroutine so
// that ctx cancellation is honoured even while the TCP handshake blocks.
func DialAMQP(ctx context.Context, url string, config amqp.Config) (Connection, error) {
	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.DialConfig(url, config)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return amqpConnection{Connection: conn}, nil
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		// Close the connection if the dial completes after we gave up
		go func() {
			if conn := <-connChan; conn != nil {
				conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// ConnectionManager opens one connection and channel per operation.
// Nothing is pooled: every Session is owned by the operation that opened
// it and must be closed by that operation.
type ConnectionManager struct {
	url            string
	dialer         Dialer
	dialTimeout    time.Duration
	connectionName string
	logger         *slog.Logger
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the function used to open connections
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = dialer
	}
}

// WithDialTimeout bounds how long opening a connection may take
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithConnectionName sets the client-provided connection name shown by the broker
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectionName = name
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dialer:         DialAMQP,
		dialTimeout:    30 * time.Second,
		connectionName: "mmate-patterns",
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// URL returns the sanitized broker URL
func (cm *ConnectionManager) URL() string {
	return SanitizeURL(cm.url)
}

// Open dials a new connection and opens a channel on it.
// The caller owns the returned session and must Close it.
func (cm *ConnectionManager) Open(ctx context.Context) (*Session, error) {
	if cm.url == "" {
		return nil, fmt.Errorf("%w: empty broker URL", ErrInvalidConfiguration)
	}

	dialCtx := ctx
	if cm.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cm.dialTimeout)
		defer cancel()
	}

	config := amqp.Config{
		Properties: amqp.NewConnectionProperties(),
	}
	config.Properties.SetClientConnectionName(cm.connectionName)

	conn, err := cm.dialer(dialCtx, cm.url, config)
	if err != nil {
		cause := fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		if dialCtx.Err() != nil && ctx.Err() == nil {
			cause = fmt.Errorf("%w: %w", ErrConnectionTimeout, err)
		}
		return nil, &ConnectionError{
			Op:        "dial",
			URL:       cm.URL(),
			Err:       cause,
			Timestamp: time.Now(),
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, &ConnectionError{
			Op:        "channel",
			URL:       cm.URL(),
			Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	cm.logger.Debug("opened broker session", "url", cm.URL())

	return &Session{conn: conn, ch: ch, logger: cm.logger}, nil
}

// Do opens a session, runs fn with it and always closes the session,
// including when fn fails or panics.
func (cm *ConnectionManager) Do(ctx context.Context, fn func(*Session) error) (err error) {
	session, err := cm.Open(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in broker session: %v", r)
		}
	}()

	return fn(session)
}

// Session is one connection with one channel on it
type Session struct {
	conn      Connection
	ch        Channel
	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

// Channel returns the session channel
func (s *Session) Channel() Channel {
	return s.ch
}

// IsClosed reports whether the channel or the connection has been closed
func (s *Session) IsClosed() bool {
	return s.ch.IsClosed() || s.conn.IsClosed()
}

// Close closes the channel and then the connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if !s.ch.IsClosed() {
			if err := s.ch.Close(); err != nil {
				s.logger.Debug("failed to close channel", "error", err)
			}
		}
		if !s.conn.IsClosed() {
			s.closeErr = s.conn.Close()
		}
	})
	return s.closeErr
}
