package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/medtrack/eventbus/internal/runtime/envelope"
	errspkg "github.com/medtrack/eventbus/internal/runtime/errors"
)

// Handler processes a decoded event. It may return follow-up events, which the
// consumer publishes with the incoming correlation ID, and an error when
// processing failed and the delivery should be retried. Handlers must be
// idempotent: at-least-once delivery means the same event can arrive twice.
type Handler interface {
	Handle(ctx context.Context, event *envelope.Envelope) ([]*envelope.Envelope, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event *envelope.Envelope) ([]*envelope.Envelope, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, event *envelope.Envelope) ([]*envelope.Envelope, error) {
	return f(ctx, event)
}

// HandlerRegistry maps exact event types to handlers. Routing patterns belong
// on the queue bindings; by the time a delivery reaches the registry its event
// type either has a handler or it does not.
//
// The registry freezes when consumption starts. Registration after that
// returns ErrRegistryFrozen.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	frozen   bool
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to an exact event type. The event type must be a
// valid dot-delimited type without wildcards, and each type can have at most
// one handler.
func (r *HandlerRegistry) Register(eventType string, handler Handler) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if err := envelope.ValidateEventType(eventType); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return errspkg.ErrRegistryFrozen
	}
	if _, exists := r.handlers[eventType]; exists {
		return fmt.Errorf("eventbus: handler already registered for %q", eventType)
	}

	r.handlers[eventType] = handler
	return nil
}

// RegisterFunc binds a handler function to an exact event type.
func (r *HandlerRegistry) RegisterFunc(eventType string, handler HandlerFunc) error {
	return r.Register(eventType, handler)
}

// Lookup returns the handler for an event type, if one is registered.
func (r *HandlerRegistry) Lookup(eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[eventType]
	return handler, ok
}

// EventTypes returns the registered event types in sorted order.
func (r *HandlerRegistry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for eventType := range r.handlers {
		types = append(types, eventType)
	}
	sort.Strings(types)
	return types
}

// freeze locks the registry against further registration.
func (r *HandlerRegistry) freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}
