// Package rabbitmq provides the AMQP plumbing for the messaging package.
//
// This package includes:
//   - ConnectionManager: Opens one connection and channel per operation and guarantees release
//   - TopologyManager: Declares exchanges, queues and bindings, detecting topology conflicts
//   - Publisher: Publishes persistent messages, optionally waiting for confirms
//   - Consumer: Runs the manual-ack delivery loop (ack on success, requeue on failure)
//
// Connections are never pooled or shared between goroutines. The Dialer
// seam lets tests replace the broker with an in-memory implementation.
package rabbitmq
