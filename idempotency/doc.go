// Package idempotency gives consumers exactly-once effect on top of
// at-least-once delivery.
//
// A Guard owns one consumer namespace. Before running a side effect the
// consumer asks the guard whether its dedupe key was seen; after the effect
// commits it marks the key. Stores keep one marker collection per
// namespace:
//
//   - MemoryStore: process local, the single-instance default
//   - RedisStore: SET NX markers shared by every instance of a service
//   - PostgresStore: durable processed_events rows written with a
//     conditional insert
//
// ResponseCache replays HTTP responses for repeated idempotency keys.
package idempotency
