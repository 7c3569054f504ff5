/*
Package runtime provides the core event processing infrastructure of the bus.

# Architecture Overview

The runtime package wires a Watermill router, a transport-provided publisher
and subscriber, and a middleware chain into a Service: one bus endpoint for
one MedTrack service.

# Package Structure

## Core Service (service.go)

The Service struct is the central orchestrator that holds:
  - Message router (Watermill)
  - Publisher and subscriber from the configured transport
  - Middleware chain
  - HTTP servers for the Prometheus metrics endpoint

## Consuming (registry.go, consumer.go)

Handlers implement Handle(ctx, *envelope.Envelope) and are registered on a
HandlerRegistry keyed by exact event type. Service.ConsumeQueue freezes the
registry and attaches a dispatch function to the queue that decodes each
delivery, invokes the matching handler, and publishes any follow-up events
with the incoming correlation ID. Event types without a handler are logged
and acked.

## Middleware (middleware.go)

The middleware system provides composable processing stages:
  - CorrelationID: stamps a correlation identifier on each message
  - LogMessages: debug logging of payloads and metadata
  - Tracer: OpenTelemetry spans per delivery
  - Metrics: Prometheus counters and timers
  - DeadLetter: diverts poison and exhausted deliveries, then acks
  - Attempts: per-delivery attempt counting against the configured limit
  - Retry: in-process exponential backoff for transient errors
  - Recoverer: panic recovery

## Publishing (publisher.go)

Envelope encoding into Watermill messages with ULID identifiers and
correlation metadata, plus Service.Publish for building and emitting an
envelope in one call.

# Sub-packages

  - config/: service configuration with validation and defaults
  - envelope/: the wire format and the MedTrack event type catalog
  - errors/: sentinel errors and the error taxonomy
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
  - metadata/: message metadata keys and helpers
  - outbox/: transactional outbox store and relay worker
  - transport/: the factory over the modular transport registry
*/
package runtime
