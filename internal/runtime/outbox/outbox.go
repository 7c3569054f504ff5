// Package outbox implements the transactional outbox pattern for the event
// bus. Services that must not lose events across a broker outage write them to
// a local table in the same transaction as their state change; a relay worker
// drains the table onto the bus afterwards.
package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/medtrack/eventbus/internal/runtime/envelope"
	errspkg "github.com/medtrack/eventbus/internal/runtime/errors"
)

// Event is one stored bus event awaiting publication.
type Event struct {
	ID        string
	EventType string
	Payload   []byte
	CreatedAt time.Time
	Published bool
}

// Store is the persistence contract the relay worker needs.
type Store interface {
	// Append stores a pending event.
	Append(ctx context.Context, event Event) error

	// FetchPending returns up to limit unpublished events in insertion order.
	FetchPending(ctx context.Context, limit int) ([]Event, error)

	// MarkPublished flags an event as delivered to the broker.
	MarkPublished(ctx context.Context, id string) error
}

// NewEvent encodes an envelope into a pending outbox event with a fresh ID.
func NewEvent(env *envelope.Envelope) (Event, error) {
	if env == nil {
		return Event{}, errspkg.ErrPayloadRequired
	}
	payload, err := env.Encode()
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.NewString(),
		EventType: env.EventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
