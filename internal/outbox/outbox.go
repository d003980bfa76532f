// Package outbox implements the transactional outbox: one row per event,
// inserted in the same transaction as the event append, drained by a
// single-writer publisher loop with exponential backoff.
package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/tyevans/knowledge-mapper/internal/eventstore"
	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
)

// Status is the lifecycle state of an outbox entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// Entry mirrors one appended event awaiting publication.
type Entry struct {
	ID            int64
	EventID       uuid.UUID
	EventType     string
	AggregateID   uuid.UUID
	AggregateType string
	TenantID      *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	RetryCount    int
	LastError     *string
	Status        Status
}

// MaxRetries is the retry_count above which a failed entry is considered
// permanently failed and surfaced operationally rather than retried again.
const MaxRetries = 10

// Store is the transactional-outbox persistence boundary.
type Store interface {
	// InsertInTx writes one outbox row per event within an
	// already-open transaction shared with the event append.
	InsertInTx(ctx context.Context, tx *sql.Tx, events []eventstore.Event) error

	// Poll returns up to limit pending rows ordered by created_at.
	Poll(ctx context.Context, limit int) ([]Entry, error)

	// MarkPublished marks an entry published at the current time.
	MarkPublished(ctx context.Context, id int64) error

	// MarkFailed records a failed publish attempt, incrementing
	// retry_count. Once retry_count exceeds MaxRetries the entry's status
	// becomes permanently "failed"; otherwise it stays "pending" for the
	// next poll.
	MarkFailed(ctx context.Context, id int64, publishErr error) error
}

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	DB *sql.DB
}

// NewPGStore constructs a PostgreSQL-backed outbox store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{DB: db}
}

func (s *PGStore) InsertInTx(ctx context.Context, tx *sql.Tx, events []eventstore.Event) error {
	for _, evt := range events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO event_outbox
				(event_id, event_type, aggregate_id, aggregate_type, tenant_id, payload, created_at, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, evt.EventID, evt.EventType, evt.AggregateID, evt.AggregateType, evt.TenantID, []byte(evt.Payload), evt.OccurredAt, StatusPending)
		if err != nil {
			return apperrors.TransientIO("outbox.insert", err)
		}
	}
	return nil
}

func (s *PGStore) Poll(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, event_id, event_type, aggregate_id, aggregate_type, tenant_id, payload,
		       created_at, published_at, retry_count, last_error, status
		FROM event_outbox
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, StatusPending, limit)
	if err != nil {
		return nil, apperrors.TransientIO("outbox.poll", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.AggregateID, &e.AggregateType, &e.TenantID,
			&payload, &e.CreatedAt, &e.PublishedAt, &e.RetryCount, &e.LastError, &e.Status); err != nil {
			return nil, apperrors.TransientIO("outbox.poll.scan", err)
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.TransientIO("outbox.poll.rows", err)
	}
	return entries, nil
}

func (s *PGStore) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE event_outbox SET status = $1, published_at = now() WHERE id = $2
	`, StatusPublished, id)
	if err != nil {
		return apperrors.TransientIO("outbox.mark_published", err)
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, id int64, publishErr error) error {
	msg := publishErr.Error()
	_, err := s.DB.ExecContext(ctx, `
		UPDATE event_outbox
		SET retry_count = retry_count + 1,
		    last_error = $1,
		    status = CASE WHEN retry_count + 1 > $2 THEN $3 ELSE $4 END
		WHERE id = $5
	`, msg, MaxRetries, StatusFailed, StatusPending, id)
	if err != nil {
		return apperrors.TransientIO("outbox.mark_failed", err)
	}
	return nil
}
