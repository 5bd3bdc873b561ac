package routing

import (
	"reflect"
	"strings"
)

// Matches reports whether a message with the given routing key and headers
// is delivered through a binding of criterion c on an exchange of topology t.
// It follows broker semantics and is used by tests and the in-memory broker.
func Matches(t Topology, c Criterion, routingKey string, headers map[string]any) bool {
	switch t {
	case Fanout:
		return true
	case Direct:
		return c.Key == routingKey
	case Topic:
		return MatchTopic(c.Key, routingKey)
	case Headers:
		return MatchHeaders(c.Headers, c.mode(), headers)
	}
	return false
}

// MatchTopic matches a dot-separated routing key against a topic pattern.
// "*" matches exactly one segment and "#" matches zero or more segments.
func MatchTopic(pattern, routingKey string) bool {
	if pattern == "#" {
		return true
	}
	return matchSegments(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchSegments(pattern, key []string) bool {
	for len(pattern) > 0 {
		head := pattern[0]
		if head == "#" {
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchSegments(rest, key[i:]) {
					return true
				}
			}
			return false
		}
		if len(key) == 0 {
			return false
		}
		if head != "*" && head != key[0] {
			return false
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// MatchHeaders compares binding attributes with message headers.
// With MatchAll an empty binding matches every message; with MatchAny it
// matches nothing. Binding keys prefixed with "x-" are not compared.
func MatchHeaders(binding map[string]any, mode MatchMode, headers map[string]any) bool {
	matched, compared := 0, 0
	for k, want := range binding {
		if strings.HasPrefix(k, "x-") {
			continue
		}
		compared++
		got, ok := headers[k]
		if ok && valuesEqual(want, got) {
			matched++
			if mode == MatchAny {
				return true
			}
		} else if mode != MatchAny {
			return false
		}
	}
	if mode == MatchAny {
		return false
	}
	return matched == compared
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// normalize folds the numeric and byte types produced by JSON decoding and
// AMQP table decoding onto one representation.
func normalize(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int8:
		return float64(val)
	case int16:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint8:
		return float64(val)
	case uint16:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	case []byte:
		return string(val)
	}
	return v
}
