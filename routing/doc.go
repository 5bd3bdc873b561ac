// Package routing defines exchange topologies and binding criteria.
//
// It covers the four exchange types (fanout, direct, topic, headers) plus
// the work queue pseudo-topology, builds the AMQP binding key and arguments
// for a criterion, and reproduces the broker's matching rules so routing can
// be reasoned about and tested without a broker:
//   - fanout: every bound queue receives every message
//   - direct: the routing key must equal the binding key exactly
//   - topic: "*" matches one dot-separated segment, "#" zero or more
//   - headers: all (every attribute matches) or any (at least one matches)
package routing
