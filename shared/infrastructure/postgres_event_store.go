package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/autosalon/purchase-system/shared/events"
	"github.com/autosalon/purchase-system/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// PostgresEventStore implements events.EventStore using PostgreSQL.
// The event_stream table is the append-only audit record of everything the
// orchestrator published; entries are never rewritten.
type PostgresEventStore struct {
	db *sqlx.DB
}

// NewPostgresEventStore creates a new PostgresEventStore
func NewPostgresEventStore(db *sqlx.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

// postgresEvent represents event in database
type postgresEvent struct {
	ID            string    `db:"id"`
	AggregateID   string    `db:"aggregate_id"`
	Topic         string    `db:"topic"`
	Version       string    `db:"version"`
	Data          []byte    `db:"data"`
	Metadata      []byte    `db:"metadata"`
	Timestamp     time.Time `db:"timestamp"`
	CorrelationID string    `db:"correlation_id"`
	StreamVersion int       `db:"stream_version"`
}

// SaveEvents appends events to the store with optimistic stream versioning
func (es *PostgresEventStore) SaveEvents(ctx context.Context, aggregateID models.ID, evts []*events.Event, expectedVersion int) error {
	if len(evts) == 0 {
		return nil
	}

	tx, err := es.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var currentVersion int
	err = tx.GetContext(ctx, &currentVersion,
		"SELECT COALESCE(MAX(stream_version), 0) FROM event_stream WHERE aggregate_id = $1",
		aggregateID.String())
	if err != nil && err != sql.ErrNoRows {
		return errors.Wrap(err, "failed to get current version")
	}

	if currentVersion != expectedVersion {
		return errors.Errorf("concurrency conflict: expected version %d, got %d", expectedVersion, currentVersion)
	}

	for i, event := range evts {
		pgEvent, err := es.toPostgres(event, currentVersion+i+1)
		if err != nil {
			return errors.Wrap(err, "failed to convert event")
		}

		query := `
			INSERT INTO event_stream (
				id, aggregate_id, topic, version, data, metadata,
				timestamp, correlation_id, stream_version
			) VALUES (
				:id, :aggregate_id, :topic, :version, :data, :metadata,
				:timestamp, :correlation_id, :stream_version
			)`

		_, err = tx.NamedExecContext(ctx, query, pgEvent)
		if err != nil {
			return errors.Wrap(err, "failed to insert event")
		}
	}

	return tx.Commit()
}

// Append writes events at the tail of their aggregates' streams, computing
// the next stream version itself. Re-appending an already stored event is a
// no-op, so redeliveries never duplicate audit rows.
func (es *PostgresEventStore) Append(ctx context.Context, evts []*events.Event) error {
	if len(evts) == 0 {
		return nil
	}

	tx, err := es.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	next := make(map[string]int)
	for _, event := range evts {
		aggregateID := event.AggregateID.String()

		version, seen := next[aggregateID]
		if !seen {
			err = tx.GetContext(ctx, &version,
				"SELECT COALESCE(MAX(stream_version), 0) FROM event_stream WHERE aggregate_id = $1",
				aggregateID)
			if err != nil && err != sql.ErrNoRows {
				return errors.Wrap(err, "failed to get current version")
			}
		}
		version++
		next[aggregateID] = version

		pgEvent, err := es.toPostgres(event, version)
		if err != nil {
			return errors.Wrap(err, "failed to convert event")
		}

		query := `
			INSERT INTO event_stream (
				id, aggregate_id, topic, version, data, metadata,
				timestamp, correlation_id, stream_version
			) VALUES (
				:id, :aggregate_id, :topic, :version, :data, :metadata,
				:timestamp, :correlation_id, :stream_version
			) ON CONFLICT (id) DO NOTHING`

		if _, err := tx.NamedExecContext(ctx, query, pgEvent); err != nil {
			return errors.Wrap(err, "failed to append event")
		}
	}

	return tx.Commit()
}

// FindUnpublished returns events whose broker delivery has not been
// confirmed, oldest first. Only events recorded before the cutoff are
// returned, so an event in the middle of its first publish attempt is not
// swept up by the relay.
func (es *PostgresEventStore) FindUnpublished(ctx context.Context, recordedBefore time.Time, limit int) ([]*events.Event, error) {
	query := `
		SELECT id, aggregate_id, topic, version, data, metadata,
			   timestamp, correlation_id, stream_version
		FROM event_stream
		WHERE published_at IS NULL AND timestamp <= $1
		ORDER BY timestamp ASC
		LIMIT $2`

	var pgEvents []postgresEvent
	err := es.db.SelectContext(ctx, &pgEvents, query, recordedBefore, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find unpublished events")
	}

	return es.toDomainList(pgEvents)
}

// MarkPublished records the broker's acknowledgment of the given events.
func (es *PostgresEventStore) MarkPublished(ctx context.Context, ids []models.ID) error {
	if len(ids) == 0 {
		return nil
	}

	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}

	query, args, err := sqlx.In("UPDATE event_stream SET published_at = NOW() WHERE id IN (?)", raw)
	if err != nil {
		return errors.Wrap(err, "failed to build mark-published query")
	}

	if _, err := es.db.ExecContext(ctx, es.db.Rebind(query), args...); err != nil {
		return errors.Wrap(err, "failed to mark events published")
	}
	return nil
}

// GetEvents retrieves all events for an aggregate in stream order
func (es *PostgresEventStore) GetEvents(ctx context.Context, aggregateID models.ID) ([]*events.Event, error) {
	query := `
		SELECT id, aggregate_id, topic, version, data, metadata,
			   timestamp, correlation_id, stream_version
		FROM event_stream
		WHERE aggregate_id = $1
		ORDER BY stream_version ASC`

	var pgEvents []postgresEvent
	err := es.db.SelectContext(ctx, &pgEvents, query, aggregateID.String())
	if err != nil {
		return nil, errors.Wrap(err, "failed to get events")
	}

	return es.toDomainList(pgEvents)
}

// GetEventsByTopic retrieves events of one topic, newest first
func (es *PostgresEventStore) GetEventsByTopic(ctx context.Context, topic string, offset, limit int) ([]*events.Event, error) {
	query := `
		SELECT id, aggregate_id, topic, version, data, metadata,
			   timestamp, correlation_id, stream_version
		FROM event_stream
		WHERE topic = $1
		ORDER BY timestamp DESC
		OFFSET $2 LIMIT $3`

	var pgEvents []postgresEvent
	err := es.db.SelectContext(ctx, &pgEvents, query, topic, offset, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get events by topic")
	}

	return es.toDomainList(pgEvents)
}

func (es *PostgresEventStore) toPostgres(event *events.Event, streamVersion int) (*postgresEvent, error) {
	data, err := event.MarshalPayload()
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event data")
	}

	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event metadata")
	}

	return &postgresEvent{
		ID:            event.ID.String(),
		AggregateID:   event.AggregateID.String(),
		Topic:         event.Topic.String(),
		Version:       event.Version,
		Data:          data,
		Metadata:      metadata,
		Timestamp:     event.Timestamp,
		CorrelationID: event.CorrelationID.String(),
		StreamVersion: streamVersion,
	}, nil
}

func (es *PostgresEventStore) toDomainList(pgEvents []postgresEvent) ([]*events.Event, error) {
	result := make([]*events.Event, len(pgEvents))
	for i, pgEvent := range pgEvents {
		event, err := es.toDomain(&pgEvent)
		if err != nil {
			return nil, err
		}
		result[i] = event
	}
	return result, nil
}

func (es *PostgresEventStore) toDomain(pgEvent *postgresEvent) (*events.Event, error) {
	topic, err := events.NewTopic(pgEvent.Topic)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid topic on stored event %s", pgEvent.ID)
	}

	var metadata events.Metadata
	if len(pgEvent.Metadata) > 0 {
		if err := json.Unmarshal(pgEvent.Metadata, &metadata); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal event metadata")
		}
	}

	return &events.Event{
		ID:            models.ID(pgEvent.ID),
		AggregateID:   models.ID(pgEvent.AggregateID),
		Topic:         topic,
		Version:       pgEvent.Version,
		Data:          json.RawMessage(pgEvent.Data),
		Metadata:      metadata,
		Timestamp:     pgEvent.Timestamp,
		CorrelationID: models.ID(pgEvent.CorrelationID),
	}, nil
}
