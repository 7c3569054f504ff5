package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const createTableStmt = `
CREATE TABLE IF NOT EXISTS outbox_events (
	id         TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	payload    BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL,
	published  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events (published, created_at);
`

// Open opens (and creates if needed) a SQLite-backed outbox database.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("outbox: open %s: %w", path, err)
	}
	return db, nil
}

// SQLiteStore persists outbox events in a SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the outbox table if missing and returns a store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(createTableStmt); err != nil {
		return nil, fmt.Errorf("outbox: create table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append stores a pending event.
func (s *SQLiteStore) Append(ctx context.Context, event Event) error {
	return appendEvent(ctx, s.db, event)
}

// AppendTx stores a pending event inside the caller's transaction, so the
// event and the state change it announces commit or roll back together.
func (s *SQLiteStore) AppendTx(ctx context.Context, tx *sql.Tx, event Event) error {
	return appendEvent(ctx, tx, event)
}

func appendEvent(ctx context.Context, ex execer, event Event) error {
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO outbox_events (id, event_type, payload, created_at, published)
		 VALUES (?, ?, ?, ?, 0)`,
		event.ID, event.EventType, event.Payload, createdAt,
	)
	if err != nil {
		return fmt.Errorf("outbox: append %s: %w", event.ID, err)
	}
	return nil
}

// FetchPending returns up to limit unpublished events in insertion order.
func (s *SQLiteStore) FetchPending(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, payload, created_at
		 FROM outbox_events
		 WHERE published = 0
		 ORDER BY created_at, id
		 LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: fetch pending: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		if err := rows.Scan(&event.ID, &event.EventType, &event.Payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan row: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// MarkPublished flags an event as delivered to the broker.
func (s *SQLiteStore) MarkPublished(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET published = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("outbox: mark published %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("outbox: mark published %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("outbox: event not found: %s", id)
	}
	return nil
}
