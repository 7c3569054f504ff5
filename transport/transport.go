// Package transport defines the interfaces and registry for event bus
// transports. Each implementation lives in its own sub-package and registers
// itself under a name matching the PubSubSystem config value.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines the publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports. The
// interface keeps transports decoupled from the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// Broker connection.
	GetRabbitMQURL() string
	GetConnectRetries() int
	GetConnectRetryDelay() time.Duration

	// Topology: the topic exchange, this service's queue, and the
	// routing-key patterns bound to it.
	GetExchange() string
	GetQueue() string
	GetBindings() []string

	// GetPrefetchCount bounds in-flight deliveries per consumer.
	GetPrefetchCount() int
}

// CapabilitiesProvider is implemented by transports that can report their
// capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
