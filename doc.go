// Package eventbus is a small layer on top of Watermill that gives the
// MedTrack services one way to talk to each other: JSON envelopes published
// to a shared topic exchange, consumed from per-service durable queues bound
// with routing-key patterns.
//
// Every event travels as an Envelope carrying its event type (which doubles
// as the routing key), an open JSON payload, the producing service, a
// timestamp, and a schema version tag. Producers call Service.Publish;
// consumers register Handlers for exact event types on a HandlerRegistry and
// attach it to their queue with Service.ConsumeQueue. Delivery is
// at-least-once with prefetch 1, so handlers must be idempotent.
//
// # Transports
//
// Two transports ship out of the box:
//   - rabbitmq: a durable AMQP topic exchange, the production transport
//   - channel: an in-memory topic exchange for tests and local development
//
// Both support "*" and "#" routing-key patterns on queue bindings. Custom
// transports register through the transport package.
//
// # Failure handling
//
// The default middleware chain injects correlation IDs, logs and traces each
// delivery, counts attempts, retries transient handler errors in-process with
// exponential backoff, and nacks what is left so the broker redelivers it.
// Undecodable payloads and deliveries that exceed the attempt limit are
// published to the dead-letter topic and acked. Panics are recovered into
// errors.
//
// Services that must not lose events across a broker outage can write them to
// the transactional outbox in the same database transaction as their state
// change; an OutboxRelay drains the table onto the bus.
//
// A minimal setup fills Config, creates a Service, registers handlers, and
// calls Start; see the examples directory for runnable producer and consumer
// services.
package eventbus
