package eventstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
)

// Store is the append-only per-aggregate event log.
type Store interface {
	// Append persists events atomically against expectedVersion, returning
	// the stream's new version. Fails with an OptimisticLockError if the
	// stored version does not match expectedVersion, or a DuplicateEventError
	// if any event_id already exists.
	Append(ctx context.Context, aggregateID uuid.UUID, aggregateType string, events []Event, expectedVersion int) (int, error)

	// Load returns every event for the stream ordered by aggregate_version
	// ascending, and the stream's current version (0 if empty).
	Load(ctx context.Context, aggregateID uuid.UUID, aggregateType string) ([]Event, int, error)

	// EventExists reports whether eventID has already been appended.
	EventExists(ctx context.Context, eventID uuid.UUID) (bool, error)

	// ReadFrom returns events ordered by global_position ascending, starting
	// strictly after fromPosition, capped at limit. Used by projections.
	ReadFrom(ctx context.Context, fromPosition int64, limit int) ([]Event, error)
}

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	DB *sql.DB
}

// NewPGStore constructs a PostgreSQL-backed event store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{DB: db}
}

// Append persists events in their own transaction. Callers that also need
// to write outbox rows in the same transaction should use AppendInTx from
// a transaction they manage themselves (see internal/aggregate).
func (s *PGStore) Append(ctx context.Context, aggregateID uuid.UUID, aggregateType string, events []Event, expectedVersion int) (int, error) {
	if len(events) == 0 {
		return expectedVersion, nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.TransientIO("event_store.append.begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	version, err := AppendInTx(ctx, tx, aggregateID, aggregateType, events, expectedVersion)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, apperrors.TransientIO("event_store.append.commit", err)
	}
	return version, nil
}

// AppendInTx runs the same append logic as Append within an
// already-open transaction, so a caller (the aggregate repository) can
// combine it with an outbox insert in a single commit.
func AppendInTx(ctx context.Context, tx *sql.Tx, aggregateID uuid.UUID, aggregateType string, events []Event, expectedVersion int) (int, error) {
	if len(events) == 0 {
		return expectedVersion, nil
	}

	var storedVersion int
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(aggregate_version), 0)
		FROM events
		WHERE aggregate_id = $1 AND aggregate_type = $2
	`, aggregateID, aggregateType).Scan(&storedVersion)
	if err != nil {
		return 0, apperrors.TransientIO("event_store.append.version_check", err)
	}

	if storedVersion != expectedVersion {
		return 0, (&apperrors.OptimisticLockError{
			AggregateID:   aggregateID.String(),
			AggregateType: aggregateType,
			Expected:      expectedVersion,
			Actual:        storedVersion,
		}).AsCoreError()
	}

	version := storedVersion
	for i, evt := range events {
		version = storedVersion + i + 1
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events
				(event_id, aggregate_id, aggregate_type, aggregate_version, event_type, tenant_id, actor_id, occurred_at, payload)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, evt.EventID, aggregateID, aggregateType, version, evt.EventType, evt.TenantID, evt.ActorID, evt.OccurredAt, []byte(evt.Payload))
		if err != nil {
			if isUniqueViolation(err, "events_pkey") {
				return 0, apperrors.Wrap(apperrors.KindIntegrity, "duplicate event_id", &apperrors.DuplicateEventError{EventID: evt.EventID.String()})
			}
			if isUniqueViolation(err, "events_aggregate_id_aggregate_type_aggregate_version_key") {
				return 0, (&apperrors.OptimisticLockError{
					AggregateID:   aggregateID.String(),
					AggregateType: aggregateType,
					Expected:      expectedVersion,
					Actual:        version - 1,
				}).AsCoreError()
			}
			return 0, apperrors.TransientIO("event_store.append.insert", err)
		}
	}
	return version, nil
}

func (s *PGStore) Load(ctx context.Context, aggregateID uuid.UUID, aggregateType string) ([]Event, int, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT event_id, global_position, aggregate_id, aggregate_type, aggregate_version,
		       event_type, tenant_id, actor_id, occurred_at, payload
		FROM events
		WHERE aggregate_id = $1 AND aggregate_type = $2
		ORDER BY aggregate_version ASC
	`, aggregateID, aggregateType)
	if err != nil {
		return nil, 0, apperrors.TransientIO("event_store.load", err)
	}
	defer rows.Close()

	var events []Event
	version := 0
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, 0, apperrors.TransientIO("event_store.load.scan", err)
		}
		version = evt.AggregateVersion
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperrors.TransientIO("event_store.load.rows", err)
	}
	return events, version, nil
}

func (s *PGStore) EventExists(ctx context.Context, eventID uuid.UUID) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, apperrors.TransientIO("event_store.event_exists", err)
	}
	return exists, nil
}

func (s *PGStore) ReadFrom(ctx context.Context, fromPosition int64, limit int) ([]Event, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT event_id, global_position, aggregate_id, aggregate_type, aggregate_version,
		       event_type, tenant_id, actor_id, occurred_at, payload
		FROM events
		WHERE global_position > $1
		ORDER BY global_position ASC
		LIMIT $2
	`, fromPosition, limit)
	if err != nil {
		return nil, apperrors.TransientIO("event_store.read_from", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, apperrors.TransientIO("event_store.read_from.scan", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.TransientIO("event_store.read_from.rows", err)
	}
	return events, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEvent(row scannable) (Event, error) {
	var evt Event
	var payload []byte
	if err := row.Scan(
		&evt.EventID, &evt.GlobalPosition, &evt.AggregateID, &evt.AggregateType, &evt.AggregateVersion,
		&evt.EventType, &evt.TenantID, &evt.ActorID, &evt.OccurredAt, &payload,
	); err != nil {
		return Event{}, err
	}
	evt.Payload = payload
	return evt, nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (error code 23505) on the named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23505" && pqErr.Constraint == constraint
}
