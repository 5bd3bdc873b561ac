package messaging

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-patterns/routing"
)

// DefaultContentType is used when a message does not set one
const DefaultContentType = "text/plain"

// Attributes are the message headers matched by headers exchanges
type Attributes map[string]any

// ParseAttributes decodes a JSON object into Attributes. Input that is not
// a JSON object is not an error: it is logged and yields an empty set so the
// caller can go on publishing or binding without attributes.
func ParseAttributes(raw string) Attributes {
	return ParseAttributesWithLogger(raw, slog.Default())
}

// ParseAttributesWithLogger is ParseAttributes with an explicit logger
func ParseAttributesWithLogger(raw string, logger *slog.Logger) Attributes {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Attributes{}
	}

	var attrs Attributes
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil || attrs == nil {
		logger.Warn("ignoring malformed attributes, using empty set",
			"input", raw,
			"error", err,
		)
		return Attributes{}
	}
	return attrs
}

// Table converts the attributes into AMQP headers
func (a Attributes) Table() amqp.Table {
	if len(a) == 0 {
		return nil
	}
	table := make(amqp.Table, len(a))
	for k, v := range a {
		table[k] = routing.TableValue(v)
	}
	return table
}

// Message is an opaque payload plus its addressing metadata
type Message struct {
	Body          []byte
	RoutingKey    string
	Attributes    Attributes
	ContentType   string
	MessageID     string
	CorrelationID string
}

// NewMessage creates a message carrying body
func NewMessage(body []byte) Message {
	return Message{Body: body}
}

// TextMessage creates a message carrying s
func TextMessage(s string) Message {
	return Message{Body: []byte(s)}
}

// WithRoutingKey returns a copy of m with the routing key set
func (m Message) WithRoutingKey(key string) Message {
	m.RoutingKey = key
	return m
}

// WithAttributes returns a copy of m with the attributes set
func (m Message) WithAttributes(attrs Attributes) Message {
	m.Attributes = attrs
	return m
}

func (m Message) publishing() amqp.Publishing {
	contentType := m.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	messageID := m.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	return amqp.Publishing{
		Headers:       m.Attributes.Table(),
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     messageID,
		CorrelationId: m.CorrelationID,
		Timestamp:     time.Now(),
		Body:          m.Body,
	}
}

// Delivery is a message handed to a consumer
type Delivery struct {
	Body        []byte
	RoutingKey  string
	Exchange    string
	Attributes  Attributes
	ContentType string
	MessageID   string
	Timestamp   time.Time
	DeliveryTag uint64
	Redelivered bool
	ConsumerTag string
}

func newDelivery(d amqp.Delivery) Delivery {
	var attrs Attributes
	if len(d.Headers) > 0 {
		attrs = make(Attributes, len(d.Headers))
		for k, v := range d.Headers {
			attrs[k] = v
		}
	}
	return Delivery{
		Body:        d.Body,
		RoutingKey:  d.RoutingKey,
		Exchange:    d.Exchange,
		Attributes:  attrs,
		ContentType: d.ContentType,
		MessageID:   d.MessageId,
		Timestamp:   d.Timestamp,
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
		ConsumerTag: d.ConsumerTag,
	}
}
