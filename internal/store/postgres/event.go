package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/gullybot/internal/event"
)

const eventColumns = `id, aggregate_id, type, data, version, created_at`

// EventStore implements event.Store backed by Postgres.
type EventStore struct {
	db *sqlx.DB
}

// NewEventStore returns a new EventStore.
func NewEventStore(db *sqlx.DB) *EventStore {
	return &EventStore{db: db}
}

// Append writes all events in one transaction.
func (s *EventStore) Append(ctx context.Context, events ...event.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO events (aggregate_id, type, data, version) VALUES ($1, $2, $3::jsonb, $4)`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.AggregateID, e.Type, string(e.Data), e.Version); err != nil {
			return fmt.Errorf("appending %s event for %s: %w", e.Type, e.AggregateID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing events: %w", err)
	}
	return nil
}

func (s *EventStore) Load(ctx context.Context, aggregateID string) ([]event.Event, error) {
	var events []event.Event
	err := s.db.SelectContext(ctx, &events,
		`SELECT `+eventColumns+` FROM events WHERE aggregate_id = $1 ORDER BY version, id`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("loading events of %s: %w", aggregateID, err)
	}
	return events, nil
}

func (s *EventStore) LoadByType(ctx context.Context, eventType event.Type, since time.Time) ([]event.Event, error) {
	var events []event.Event
	err := s.db.SelectContext(ctx, &events,
		`SELECT `+eventColumns+` FROM events WHERE type = $1 AND created_at >= $2 ORDER BY created_at, id`,
		eventType, since)
	if err != nil {
		return nil, fmt.Errorf("loading %s events: %w", eventType, err)
	}
	return events, nil
}
