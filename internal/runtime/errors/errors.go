// Package errors defines the error taxonomy of the event bus: sentinel errors
// for misuse of the API, and typed errors for connection, topology,
// serialization, and handler failures.
package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired   = sterrors.New("eventbus: event service is required")
	ErrHandlerRequired   = sterrors.New("eventbus: handler is required")
	ErrQueueRequired     = sterrors.New("eventbus: consume queue is required")
	ErrRegistryRequired  = sterrors.New("eventbus: handler registry is required")
	ErrEventTypeRequired = sterrors.New("eventbus: event type is required")
	ErrPublisherRequired = sterrors.New("eventbus: publisher is required")
	ErrPayloadRequired   = sterrors.New("eventbus: event payload is required")
	ErrConfigRequired    = sterrors.New("eventbus: configuration is required")
	ErrLoggerRequired    = sterrors.New("eventbus: logger is required")

	// ErrRegistryFrozen is returned by Register once consumption has started.
	// Handlers are fixed for the process lifetime.
	ErrRegistryFrozen = sterrors.New("eventbus: handler registry is frozen after consume start")

	// ErrConnection is the base error for broker connectivity failures after
	// the connection manager has exhausted its local retries.
	ErrConnection = sterrors.New("eventbus: broker connection failed")
)

// ConfigValidationError wraps the problems found while validating a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "eventbus: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, or returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// ConnectionError records a failed attempt to reach the broker, including how
// many connect attempts were made before giving up.
type ConnectionError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("eventbus: broker unreachable at %s after %d attempts: %v", e.Addr, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is lets callers match any ConnectionError against ErrConnection.
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// TopologyConflictError reports a declare or bind call whose parameters
// conflict with existing broker state. Fatal at startup, never retried.
type TopologyConflictError struct {
	Exchange string
	Queue    string
	Err      error
}

func (e *TopologyConflictError) Error() string {
	return fmt.Sprintf("eventbus: topology conflict on exchange %q queue %q: %v", e.Exchange, e.Queue, e.Err)
}

func (e *TopologyConflictError) Unwrap() error { return e.Err }

// SerializationError reports an envelope that could not be encoded or decoded.
// On the consume side it marks a poison message: never requeued.
type SerializationError struct {
	Op  string // "encode" or "decode"
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("eventbus: envelope %s failed: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// HandlerError wraps an error returned (or a panic recovered) from a
// registered handler. The delivery is requeued for redelivery.
type HandlerError struct {
	EventType string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("eventbus: handler for %q failed: %v", e.EventType, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// MaxAttemptsError marks a delivery that has been redelivered more times than
// the configured threshold. It is routed to the dead-letter topic and acked.
type MaxAttemptsError struct {
	Attempts int
	Max      int
	Err      error
}

func (e *MaxAttemptsError) Error() string {
	return fmt.Sprintf("eventbus: delivery exceeded %d of max %d attempts: %v", e.Attempts, e.Max, e.Err)
}

func (e *MaxAttemptsError) Unwrap() error { return e.Err }
