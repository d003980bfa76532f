package projection

import (
	"context"
	"database/sql"

	"github.com/tyevans/knowledge-mapper/internal/eventstore"
	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
)

// DeadLetterStore persists events whose handler exhausted its retries.
type DeadLetterStore interface {
	// InsertInTx records evt as dead-lettered within the same transaction
	// that advances the checkpoint past it.
	InsertInTx(ctx context.Context, tx *sql.Tx, projectionName string, evt eventstore.Event, handlerErr error) error
}

// PGDeadLetterStore implements DeadLetterStore on PostgreSQL.
type PGDeadLetterStore struct{}

// NewPGDeadLetterStore constructs a PostgreSQL-backed dead-letter store.
func NewPGDeadLetterStore() *PGDeadLetterStore {
	return &PGDeadLetterStore{}
}

func (s *PGDeadLetterStore) InsertInTx(ctx context.Context, tx *sql.Tx, projectionName string, evt eventstore.Event, handlerErr error) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letter_queue
			(projection_name, event_id, event_type, payload, error_message, retry_count, first_failed_at, last_failed_at, status)
		VALUES ($1,$2,$3,$4,$5,$6, now(), now(), $7)
		ON CONFLICT (event_id, projection_name) DO UPDATE
		SET retry_count = dead_letter_queue.retry_count + 1,
		    error_message = EXCLUDED.error_message,
		    last_failed_at = now()
	`, projectionName, evt.EventID, evt.EventType, []byte(evt.Payload), handlerErr.Error(), 1, "failed")
	if err != nil {
		return apperrors.TransientIO("dead_letter.insert", err)
	}
	return nil
}
