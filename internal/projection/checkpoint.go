package projection

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
)

// Checkpoint is a projection's replay progress marker.
type Checkpoint struct {
	ProjectionName      string
	LastGlobalPosition  int64
	LastEventID         *uuid.UUID
	EventsProcessed     int64
}

// CheckpointStore persists per-projection checkpoints.
type CheckpointStore interface {
	// Get returns name's checkpoint, or position 0 if none exists yet.
	Get(ctx context.Context, name string) (Checkpoint, error)
	// AdvanceInTx upserts the checkpoint within an already-open transaction
	// shared with the handler's read-model write, so the write and the
	// checkpoint advance commit atomically.
	AdvanceInTx(ctx context.Context, tx *sql.Tx, name string, position int64, eventID uuid.UUID) error
}

// PGCheckpointStore implements CheckpointStore on PostgreSQL.
type PGCheckpointStore struct {
	DB *sql.DB
}

// NewPGCheckpointStore constructs a PostgreSQL-backed checkpoint store.
func NewPGCheckpointStore(db *sql.DB) *PGCheckpointStore {
	return &PGCheckpointStore{DB: db}
}

func (s *PGCheckpointStore) Get(ctx context.Context, name string) (Checkpoint, error) {
	var cp Checkpoint
	cp.ProjectionName = name
	err := s.DB.QueryRowContext(ctx, `
		SELECT last_global_position, last_event_id, events_processed
		FROM projection_checkpoints
		WHERE projection_name = $1
	`, name).Scan(&cp.LastGlobalPosition, &cp.LastEventID, &cp.EventsProcessed)
	if err == sql.ErrNoRows {
		return Checkpoint{ProjectionName: name}, nil
	}
	if err != nil {
		return Checkpoint{}, apperrors.TransientIO("checkpoint.get", err)
	}
	return cp, nil
}

func (s *PGCheckpointStore) AdvanceInTx(ctx context.Context, tx *sql.Tx, name string, position int64, eventID uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projection_checkpoints (projection_name, last_global_position, last_event_id, events_processed, updated_at)
		VALUES ($1, $2, $3, 1, now())
		ON CONFLICT (projection_name) DO UPDATE
		SET last_global_position = EXCLUDED.last_global_position,
		    last_event_id = EXCLUDED.last_event_id,
		    events_processed = projection_checkpoints.events_processed + 1,
		    updated_at = now()
	`, name, position, eventID)
	if err != nil {
		return apperrors.TransientIO("checkpoint.advance", err)
	}
	return nil
}
