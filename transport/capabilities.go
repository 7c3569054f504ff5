package transport

// Capabilities describes the delivery features a transport backend supports.
// The consumer runtime uses this to decide how much reliability it has to
// emulate at the application level.
type Capabilities struct {
	// SupportsAck indicates explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates negative acknowledgment with redelivery.
	SupportsNack bool

	// SupportsOrdering indicates messages on one channel arrive in order.
	SupportsOrdering bool

	// SupportsNativeDLQ indicates the broker can dead-letter on its own.
	// When false, dead-letter routing happens in middleware.
	SupportsNativeDLQ bool

	// SupportsPatternBindings indicates broker-side routing-key patterns
	// ("*" and "#") on queue bindings.
	SupportsPatternBindings bool

	// Name is the human-readable transport name.
	Name string
}

// SupportsReliableDelivery reports whether the transport gives at-least-once
// semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	// RabbitMQCapabilities for the AMQP topic-exchange transport.
	RabbitMQCapabilities = Capabilities{
		Name:                    "rabbitmq",
		SupportsAck:             true,
		SupportsNack:            true,
		SupportsOrdering:        true,
		SupportsNativeDLQ:       true,
		SupportsPatternBindings: true,
	}

	// ChannelCapabilities for the in-memory topic exchange.
	ChannelCapabilities = Capabilities{
		Name:                    "channel",
		SupportsAck:             true,
		SupportsNack:            true,
		SupportsOrdering:        true,
		SupportsNativeDLQ:       false,
		SupportsPatternBindings: true,
	}
)
