// Package rabbitmq provides the RabbitMQ plumbing underneath the request/response helpers.
//
// This package includes:
//   - Channel: the subset of *amqp.Channel the helpers depend on
//   - Subscription: owns one bound, consuming queue and tracks whether it is still usable
//   - Publisher: publishes payloads with reply-to and correlation metadata
//   - Topology helpers: exchange, queue and binding declarations
//   - ConnectionManager: dials the broker and reports connection loss
//
// Nothing in this package reconnects. When the connection or channel shuts down,
// every Subscription built on it turns inactive for good and must be recreated.
package rabbitmq
