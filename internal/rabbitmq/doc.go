// Package rabbitmq is the broker layer under the food-saga bus.
//
// This package includes:
//   - ConnectionManager: one connection per service, reconnecting with jittered backoff
//   - ChannelPool: pooled channels for publishing and topology work
//   - Publisher: fire-and-forget persistent publishing to a topic exchange
//   - Consumer: manual-ack consumption, rejecting failures without requeue
//   - TopologyManager: the events exchange, service queues and their dead-letter queue
//
// Nothing here knows about envelopes; bodies are opaque bytes.
package rabbitmq
