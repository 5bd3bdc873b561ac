package routing

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MatchMode selects how a headers binding compares attributes
type MatchMode string

const (
	// MatchAll requires every binding attribute to be present with an equal value
	MatchAll MatchMode = "all"
	// MatchAny requires at least one binding attribute to match
	MatchAny MatchMode = "any"
)

// HeaderMatchKey is the binding argument carrying the MatchMode
const HeaderMatchKey = "x-match"

// ErrBindingKeyRequired is returned when a direct binding has no key
var ErrBindingKeyRequired = errors.New("routing: binding key required")

// Criterion describes which messages a binding accepts.
// Fanout bindings ignore it, direct and topic bindings use Key,
// headers bindings use Headers and Mode.
type Criterion struct {
	Key     string
	Headers map[string]any
	Mode    MatchMode
}

// All matches every message on a fanout exchange, or every routing key
// on a topic exchange.
func All() Criterion {
	return Criterion{Key: "#"}
}

// Key returns a routing key (direct) or pattern (topic) criterion
func Key(key string) Criterion {
	return Criterion{Key: key}
}

// HeadersAll returns a headers criterion that needs every attribute to match
func HeadersAll(headers map[string]any) Criterion {
	return Criterion{Headers: headers, Mode: MatchAll}
}

// HeadersAny returns a headers criterion that needs one attribute to match
func HeadersAny(headers map[string]any) Criterion {
	return Criterion{Headers: headers, Mode: MatchAny}
}

// Validate checks that c can be used to bind on an exchange of topology t
func (c Criterion) Validate(t Topology) error {
	switch t {
	case Fanout:
		return nil
	case Direct:
		if c.Key == "" {
			return ErrBindingKeyRequired
		}
		return nil
	case Topic:
		return ValidatePattern(c.Key)
	case Headers:
		switch c.mode() {
		case MatchAll, MatchAny:
			return nil
		}
		return fmt.Errorf("routing: invalid match mode %q", c.Mode)
	}
	return fmt.Errorf("%w: %q", ErrUnknownTopology, t)
}

// BindingKey returns the AMQP binding key for topology t
func (c Criterion) BindingKey(t Topology) string {
	if t == Direct || t == Topic {
		return c.Key
	}
	return ""
}

// BindingArgs returns the AMQP binding arguments for topology t.
// Only headers bindings carry arguments.
func (c Criterion) BindingArgs(t Topology) amqp.Table {
	if t != Headers {
		return nil
	}
	args := make(amqp.Table, len(c.Headers)+1)
	for k, v := range c.Headers {
		args[k] = TableValue(v)
	}
	args[HeaderMatchKey] = string(c.mode())
	return args
}

// mode resolves the match mode. An explicit Mode wins, then an "x-match"
// entry in Headers, then MatchAll.
func (c Criterion) mode() MatchMode {
	mode := c.Mode
	if mode == "" {
		if s, ok := c.Headers[HeaderMatchKey].(string); ok {
			mode = MatchMode(s)
		}
	}
	if mode == "" {
		return MatchAll
	}
	return MatchMode(strings.ToLower(string(mode)))
}

// CriterionFromBinding rebuilds a Criterion from an AMQP binding key and arguments
func CriterionFromBinding(t Topology, key string, args amqp.Table) Criterion {
	if t != Headers {
		return Criterion{Key: key}
	}
	c := Criterion{Headers: make(map[string]any, len(args)), Mode: MatchAll}
	for k, v := range args {
		if k == HeaderMatchKey {
			if s, ok := v.(string); ok {
				c.Mode = MatchMode(s)
			}
			continue
		}
		c.Headers[k] = v
	}
	return c
}

// ValidatePattern checks a topic binding pattern. Segments are separated by
// dots and must not be empty; "#" is only accepted as the last segment.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	segments := strings.Split(pattern, ".")
	for i, seg := range segments {
		switch {
		case seg == "":
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidPattern, pattern)
		case seg == "#" && i != len(segments)-1:
			return fmt.Errorf("%w: '#' must be the last segment in %q", ErrInvalidPattern, pattern)
		case seg != "#" && seg != "*" && strings.ContainsAny(seg, "*#"):
			return fmt.Errorf("%w: wildcard inside segment %q", ErrInvalidPattern, seg)
		}
	}
	return nil
}

// TableValue converts a value into a type accepted in an amqp.Table.
// Nested maps become tables and ints become int64. Unsigned values that do
// not fit in an int64 are sent as decimal strings.
func TableValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		t := make(amqp.Table, len(val))
		for k, inner := range val {
			t[k] = TableValue(inner)
		}
		return t
	case amqp.Table:
		return val
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = TableValue(inner)
		}
		return out
	case int:
		return int64(val)
	case uint:
		return uint64Value(uint64(val))
	case uint32:
		return int64(val)
	case uint64:
		return uint64Value(val)
	}
	return v
}

func uint64Value(v uint64) any {
	if v > math.MaxInt64 {
		return strconv.FormatUint(v, 10)
	}
	return int64(v)
}
