package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
)

func TestAppendAssignsSequentialVersions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	aggID := uuid.New()
	evt1 := NewEvent(aggID, "ExtractionProcess", "ExtractionRequested", nil, []byte(`{}`))
	evt2 := NewEvent(aggID, "ExtractionProcess", "ExtractionStarted", nil, []byte(`{}`))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX`).
		WithArgs(aggID, "ExtractionProcess").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO events`).
		WithArgs(evt1.EventID, aggID, "ExtractionProcess", 1, "ExtractionRequested", evt1.TenantID, evt1.ActorID, evt1.OccurredAt, []byte(evt1.Payload)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO events`).
		WithArgs(evt2.EventID, aggID, "ExtractionProcess", 2, "ExtractionStarted", evt2.TenantID, evt2.ActorID, evt2.OccurredAt, []byte(evt2.Payload)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	store := NewPGStore(db)
	version, err := store.Append(context.Background(), aggID, "ExtractionProcess", []Event{evt1, evt2}, 0)

	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendRejectsStaleExpectedVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	aggID := uuid.New()
	evt := NewEvent(aggID, "ExtractionProcess", "EntityExtracted", nil, []byte(`{}`))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX`).
		WithArgs(aggID, "ExtractionProcess").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(4))
	mock.ExpectRollback()

	store := NewPGStore(db)
	_, err = store.Append(context.Background(), aggID, "ExtractionProcess", []Event{evt}, 3)

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindOptimisticLock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadOrdersByVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	aggID := uuid.New()
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"event_id", "global_position", "aggregate_id", "aggregate_type", "aggregate_version",
		"event_type", "tenant_id", "actor_id", "occurred_at", "payload",
	}).
		AddRow(uuid.New(), int64(10), aggID, "ExtractionProcess", 1, "ExtractionRequested", nil, nil, now, []byte(`{}`)).
		AddRow(uuid.New(), int64(11), aggID, "ExtractionProcess", 2, "ExtractionStarted", nil, nil, now, []byte(`{}`))

	mock.ExpectQuery(`SELECT event_id, global_position`).
		WithArgs(aggID, "ExtractionProcess").
		WillReturnRows(rows)

	store := NewPGStore(db)
	events, version, err := store.Load(context.Background(), aggID, "ExtractionProcess")

	require.NoError(t, err)
	assert.Equal(t, 2, version)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].AggregateVersion)
	assert.Equal(t, 2, events[1].AggregateVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadEmptyStreamReturnsVersionZero(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	aggID := uuid.New()
	mock.ExpectQuery(`SELECT event_id, global_position`).
		WithArgs(aggID, "ExtractionProcess").
		WillReturnRows(sqlmock.NewRows([]string{
			"event_id", "global_position", "aggregate_id", "aggregate_type", "aggregate_version",
			"event_type", "tenant_id", "actor_id", "occurred_at", "payload",
		}))

	store := NewPGStore(db)
	events, version, err := store.Load(context.Background(), aggID, "ExtractionProcess")

	require.NoError(t, err)
	assert.Equal(t, 0, version)
	assert.Empty(t, events)
}
