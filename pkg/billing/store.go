package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// EventStore records delivered webhook events for idempotency and audit
type EventStore interface {
	// Claim records the event unless it is already known. It reports whether
	// this call created the record.
	Claim(ctx context.Context, eventID, eventType string, payload []byte) (bool, error)
	MarkProcessed(ctx context.Context, eventID string, at time.Time) error
	// Release forgets an unprocessed claim so a redelivery can be handled again
	Release(ctx context.Context, eventID string) error
}

// PostgresEventStore implements EventStore on the stripe_events table
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a new PostgresEventStore
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (s *PostgresEventStore) Claim(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	query := `
		INSERT INTO stripe_events (event_id, event_type, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING id
	`
	var id int64
	err := s.db.QueryRowContext(ctx, query, eventID, eventType, payload).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	return true, nil
}

func (s *PostgresEventStore) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	query := `UPDATE stripe_events SET processed = $1 WHERE event_id = $2`
	if _, err := s.db.ExecContext(ctx, query, at, eventID); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

func (s *PostgresEventStore) Release(ctx context.Context, eventID string) error {
	query := `DELETE FROM stripe_events WHERE event_id = $1 AND processed IS NULL`
	if _, err := s.db.ExecContext(ctx, query, eventID); err != nil {
		return fmt.Errorf("failed to release event: %w", err)
	}
	return nil
}

// StoredEvent is a recorded delivery held by MemoryEventStore
type StoredEvent struct {
	EventID   string
	EventType string
	Payload   []byte
	Processed *time.Time
}

// MemoryEventStore is an in-process EventStore for tests and local runs
type MemoryEventStore struct {
	mu     sync.Mutex
	events map[string]*StoredEvent
}

// NewMemoryEventStore creates an empty MemoryEventStore
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]*StoredEvent)}
}

func (m *MemoryEventStore) Claim(_ context.Context, eventID, eventType string, payload []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventID]; ok {
		return false, nil
	}
	m.events[eventID] = &StoredEvent{
		EventID:   eventID,
		EventType: eventType,
		Payload:   append([]byte(nil), payload...),
	}
	return true, nil
}

func (m *MemoryEventStore) MarkProcessed(_ context.Context, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.events[eventID]; ok {
		t := at
		e.Processed = &t
	}
	return nil
}

func (m *MemoryEventStore) Release(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.events[eventID]; ok && e.Processed == nil {
		delete(m.events, eventID)
	}
	return nil
}

// Get returns a copy of a recorded event
func (m *MemoryEventStore) Get(eventID string) (StoredEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return StoredEvent{}, false
	}
	return *e, true
}
