// Package rabbitmq holds the AMQP plumbing behind the RabbitMQ transport.
//
// This package includes:
//   - ConnectionManager: one connection, redialed with backoff when the broker drops it
//   - Publisher: serialized publishing with broker confirms and retry
//   - Consumer: one channel per consumed queue with manual acknowledgment
//   - TopologyManager: exchanges, queues, bindings and dead-letter setup
//
// Everything works against the Channel and ChannelSource interfaces so the
// transport can be tested without a broker.
package rabbitmq
