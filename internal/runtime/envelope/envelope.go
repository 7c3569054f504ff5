// Package envelope defines the unit of transmission on the bus: a typed event
// wrapper carrying an open payload, the producing service, a timestamp, and a
// schema version tag. Envelopes are immutable once published; corrections are
// expressed as new events.
package envelope

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	errspkg "github.com/medtrack/eventbus/internal/runtime/errors"
	"github.com/medtrack/eventbus/internal/runtime/jsoncodec"
)

// Version is the schema version stamped on every published envelope. It is
// informational; decoders only require it to be present.
const Version = "1.0"

// Envelope is the unit of transmission. EventType doubles as the routing key.
type Envelope struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Service   string         `json:"service"`
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version"`
}

// New builds an envelope for publishing, stamping the current version and a
// per-process monotonically non-decreasing timestamp.
func New(eventType string, payload map[string]any, service string) (*Envelope, error) {
	if err := ValidateEventType(eventType); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	if service == "" {
		return nil, errspkg.ErrServiceRequired
	}

	return &Envelope{
		EventType: eventType,
		Payload:   payload,
		Service:   service,
		Timestamp: now(),
		Version:   Version,
	}, nil
}

// ValidateEventType checks the dot-delimited entity.action form. Wildcard
// tokens are binding patterns, never event types.
func ValidateEventType(eventType string) error {
	if eventType == "" {
		return errspkg.ErrEventTypeRequired
	}
	segments := strings.Split(eventType, ".")
	if len(segments) < 2 {
		return fmt.Errorf("eventbus: event type %q must be dot-delimited entity.action", eventType)
	}
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("eventbus: event type %q has an empty segment", eventType)
		}
		if seg == "*" || seg == "#" {
			return fmt.Errorf("eventbus: event type %q contains a wildcard segment", eventType)
		}
	}
	return nil
}

// Validate checks the envelope invariant: event_type, payload, service, and
// timestamp must be set and version must be present. Version content is never
// interpreted.
func (e *Envelope) Validate() error {
	if err := ValidateEventType(e.EventType); err != nil {
		return err
	}
	if e.Payload == nil {
		return errspkg.ErrPayloadRequired
	}
	if e.Service == "" {
		return errors.New("eventbus: envelope is missing the producing service")
	}
	if e.Timestamp.IsZero() {
		return errors.New("eventbus: envelope is missing a timestamp")
	}
	if e.Version == "" {
		return errors.New("eventbus: envelope is missing a version tag")
	}
	return nil
}

// Encode serializes the envelope to its JSON wire form.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, &errspkg.SerializationError{Op: "encode", Err: err}
	}
	data, err := jsoncodec.Marshal(e)
	if err != nil {
		return nil, &errspkg.SerializationError{Op: "encode", Err: err}
	}
	return data, nil
}

// Decode parses and validates a wire envelope. A failure here marks the
// delivery as poison: the message can never become parseable by retrying.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := jsoncodec.Unmarshal(data, &env); err != nil {
		return nil, &errspkg.SerializationError{Op: "decode", Err: err}
	}
	if err := env.Validate(); err != nil {
		return nil, &errspkg.SerializationError{Op: "decode", Err: err}
	}
	return &env, nil
}

// wireEnvelope is the JSON shape with the timestamp as a string, so decoding
// can accept both RFC 3339 and the zone-less ISO-8601 form older producers
// emit.
type wireEnvelope struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Service   string         `json:"service"`
	Timestamp string         `json:"timestamp"`
	Version   string         `json:"version"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(wireEnvelope{
		EventType: e.EventType,
		Payload:   e.Payload,
		Service:   e.Service,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Version:   e.Version,
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire wireEnvelope
	if err := jsoncodec.Unmarshal(data, &wire); err != nil {
		return err
	}

	var ts time.Time
	if wire.Timestamp != "" {
		parsed, err := parseTimestamp(wire.Timestamp)
		if err != nil {
			return err
		}
		ts = parsed
	}

	e.EventType = wire.EventType
	e.Payload = wire.Payload
	e.Service = wire.Service
	e.Timestamp = ts
	e.Version = wire.Version
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999", // isoformat() without zone, assumed UTC
	"2006-01-02T15:04:05",
}

func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("eventbus: unparseable envelope timestamp %q", raw)
}

// producerClock hands out non-decreasing timestamps for this process. There is
// no ordering guarantee across producers.
var producerClock struct {
	mu   sync.Mutex
	last time.Time
}

func now() time.Time {
	producerClock.mu.Lock()
	defer producerClock.mu.Unlock()

	ts := time.Now().UTC()
	if !ts.After(producerClock.last) {
		ts = producerClock.last.Add(time.Nanosecond)
	}
	producerClock.last = ts
	return ts
}
