package runtime

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/medtrack/eventbus/internal/runtime/envelope"
	errspkg "github.com/medtrack/eventbus/internal/runtime/errors"
	loggingpkg "github.com/medtrack/eventbus/internal/runtime/logging"
	metadatapkg "github.com/medtrack/eventbus/internal/runtime/metadata"
)

// ConsumeQueue attaches a handler registry to a queue. Each delivery is
// decoded, dispatched to the handler registered for its event type, and acked
// or nacked depending on the outcome:
//
//   - undecodable payloads are dead-lettered and acked, a retry can never fix
//     them
//   - event types without a handler are logged and acked, queue bindings can
//     be broader than the handler set
//   - handler errors nack the delivery so the broker redelivers it, until the
//     attempt limit sends it to the dead-letter topic
//
// Follow-up events returned by the handler are published before the delivery
// is acked, carrying the incoming correlation ID.
//
// The registry freezes on the first ConsumeQueue call that uses it.
func (s *Service) ConsumeQueue(queue string, registry *HandlerRegistry) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	if queue == "" {
		return errspkg.ErrQueueRequired
	}
	if registry == nil {
		return errspkg.ErrRegistryRequired
	}

	registry.freeze()

	stats := newHandlerStats()
	info := &HandlerInfo{
		Name:         queue + "_consumer",
		ConsumeQueue: queue,
		EventTypes:   registry.EventTypes(),
		Stats:        stats,
	}

	s.handlersMu.Lock()
	s.handlers = append(s.handlers, info)
	s.handlersMu.Unlock()

	s.router.AddNoPublisherHandler(
		info.Name,
		queue,
		s.subscriber,
		wrapHandlerWithStats(s.dispatch(registry), stats),
	)

	return nil
}

// Handlers returns the consumers registered on this service.
func (s *Service) Handlers() []*HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()

	out := make([]*HandlerInfo, len(s.handlers))
	copy(out, s.handlers)
	return out
}

func (s *Service) dispatch(registry *HandlerRegistry) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		event, err := envelope.Decode(msg.Payload)
		if err != nil {
			return err
		}

		handler, ok := registry.Lookup(event.EventType)
		if !ok {
			s.Logger.Warn("No handler registered for event type", loggingpkg.LogFields{
				"event_type":   event.EventType,
				"message_uuid": msg.UUID,
				"service":      event.Service,
			})
			return nil
		}

		ctx := msg.Context()
		if s.Conf.HandlerTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.Conf.HandlerTimeout)
			defer cancel()
		}

		followUps, err := handler.Handle(ctx, event)
		if err != nil {
			return &errspkg.HandlerError{EventType: event.EventType, Err: err}
		}

		correlation := metadatapkg.New(
			metadatapkg.KeyCorrelationID, msg.Metadata.Get(metadatapkg.KeyCorrelationID),
		)
		for _, followUp := range followUps {
			if followUp == nil {
				continue
			}
			if followUp.Service == "" {
				followUp.Service = s.Conf.ServiceName
			}
			// A failed downstream publish fails the whole delivery. The
			// redelivery reruns the handler, which is why handlers must
			// be idempotent.
			if err := PublishEnvelope(ctx, s.publisher, followUp, correlation); err != nil {
				return &errspkg.HandlerError{EventType: event.EventType, Err: err}
			}
		}

		return nil
	}
}
