package projection

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyevans/knowledge-mapper/internal/eventstore"
	"github.com/tyevans/knowledge-mapper/internal/platform/logging"
)

func testEvent(position int64) eventstore.Event {
	evt := eventstore.NewEvent(uuid.New(), "ExtractionProcess", "EntityExtracted", nil, []byte(`{}`))
	evt.GlobalPosition = position
	return evt
}

func TestApplyOneCommitsHandlerAndCheckpointTogether(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	evt := testEvent(7)
	var handlerSawEvent bool

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO projection_checkpoints`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	r := NewRuntime(db, nil, &PGCheckpointStore{DB: db}, &PGDeadLetterStore{}, logging.New("test", "error", "text"))
	p := Projection{
		Name: "read_model",
		Handlers: map[string]Handler{
			"EntityExtracted": func(ctx context.Context, tx *sql.Tx, e eventstore.Event) error {
				handlerSawEvent = true
				return nil
			},
		},
	}

	err = r.applyOne(context.Background(), p, evt)
	require.NoError(t, err)
	assert.True(t, handlerSawEvent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyOneAdvancesCheckpointOnlyWhenNoHandlerRegistered(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	evt := testEvent(3)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO projection_checkpoints`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	r := NewRuntime(db, nil, &PGCheckpointStore{DB: db}, &PGDeadLetterStore{}, logging.New("test", "error", "text"))
	p := Projection{Name: "read_model", Handlers: map[string]Handler{}}

	err = r.applyOne(context.Background(), p, evt)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyOneDeadLettersAfterRetriesExhausted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	evt := testEvent(9)
	handlerErr := errors.New("boom")

	r := NewRuntime(db, nil, &PGCheckpointStore{DB: db}, &PGDeadLetterStore{}, logging.New("test", "error", "text"))

	attempts := 0
	p := Projection{
		Name: "read_model",
		Handlers: map[string]Handler{
			"EntityExtracted": func(ctx context.Context, tx *sql.Tx, e eventstore.Event) error {
				attempts++
				return handlerErr
			},
		},
	}

	retries := 5
	for i := 0; i < retries; i++ {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO dead_letter_queue`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO projection_checkpoints`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = r.applyOne(context.Background(), p, evt)
	require.NoError(t, err)
	assert.Equal(t, retries, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainOnceAppliesEventsFromCheckpoint(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT last_global_position`).
		WithArgs("read_model").
		WillReturnRows(sqlmock.NewRows([]string{"last_global_position", "last_event_id", "events_processed"}))

	evt := testEvent(1)
	rows := sqlmock.NewRows([]string{
		"event_id", "global_position", "aggregate_id", "aggregate_type", "aggregate_version",
		"event_type", "tenant_id", "actor_id", "occurred_at", "payload",
	}).AddRow(evt.EventID, evt.GlobalPosition, evt.AggregateID, evt.AggregateType, evt.AggregateVersion,
		evt.EventType, evt.TenantID, evt.ActorID, evt.OccurredAt, []byte(evt.Payload))
	mock.ExpectQuery(`SELECT event_id, global_position`).
		WithArgs(int64(0), 200).
		WillReturnRows(rows)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO projection_checkpoints`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	r := NewRuntime(db, eventstore.NewPGStore(db), &PGCheckpointStore{DB: db}, &PGDeadLetterStore{}, logging.New("test", "error", "text"))
	p := Projection{
		Name: "read_model",
		Handlers: map[string]Handler{
			"EntityExtracted": func(ctx context.Context, tx *sql.Tx, e eventstore.Event) error { return nil },
		},
	}

	err = r.drainOnce(context.Background(), p, 200)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
