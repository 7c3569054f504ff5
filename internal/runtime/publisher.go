package runtime

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/medtrack/eventbus/internal/runtime/envelope"
	errspkg "github.com/medtrack/eventbus/internal/runtime/errors"
	idspkg "github.com/medtrack/eventbus/internal/runtime/ids"
	metadatapkg "github.com/medtrack/eventbus/internal/runtime/metadata"
)

// Producer emits envelopes onto the configured transport.
type Producer interface {
	PublishEnvelope(ctx context.Context, event *envelope.Envelope, metadata metadatapkg.Metadata) error
}

// NewMessage encodes the envelope into a Watermill message with a fresh ULID
// and the standard metadata expected by the consume pipeline. The message
// topic is the envelope's event type; callers publish with
// publisher.Publish(event.EventType, msg).
func NewMessage(event *envelope.Envelope, metadata metadatapkg.Metadata) (*message.Message, error) {
	if event == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}

	payload, err := event.Encode()
	if err != nil {
		return nil, err
	}

	msg := message.NewMessage(idspkg.NewULID(), payload)
	msg.Metadata = metadatapkg.ToWatermill(metadata)
	if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
		msg.Metadata.Set(metadatapkg.KeyCorrelationID, idspkg.NewULID())
	}
	return msg, nil
}

// PublishEnvelope encodes and publishes the envelope, using its event type as
// the routing key.
func PublishEnvelope(ctx context.Context, publisher message.Publisher, event *envelope.Envelope, metadata metadatapkg.Metadata) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}

	msg, err := NewMessage(event, metadata)
	if err != nil {
		return err
	}

	if ctx != nil {
		msg.SetContext(ctx)
	}

	return publisher.Publish(event.EventType, msg)
}

// Publish builds an envelope from the event type and payload, stamping the
// service name and timestamp, and publishes it.
func (s *Service) Publish(ctx context.Context, eventType string, payload map[string]any) error {
	if s == nil {
		return errors.New("event service is nil")
	}

	event, err := envelope.New(eventType, payload, s.Conf.ServiceName)
	if err != nil {
		return err
	}

	return s.PublishEnvelope(ctx, event, nil)
}

// PublishEnvelope emits a pre-built envelope using the Service publisher so
// callers can publish events without touching the internal Watermill APIs.
func (s *Service) PublishEnvelope(ctx context.Context, event *envelope.Envelope, metadata metadatapkg.Metadata) error {
	if s == nil {
		return errors.New("event service is nil")
	}
	return PublishEnvelope(ctx, s.publisher, event, metadata)
}
