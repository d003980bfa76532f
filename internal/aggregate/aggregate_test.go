package aggregate

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyevans/knowledge-mapper/internal/eventstore"
	"github.com/tyevans/knowledge-mapper/internal/outbox"
	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
	"github.com/tyevans/knowledge-mapper/internal/platform/logging"
)

func TestLoadFailsNotFoundOnEmptyStream(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectQuery(`SELECT event_id, global_position`).
		WithArgs(id, "ExtractionProcess").
		WillReturnRows(sqlmock.NewRows([]string{
			"event_id", "global_position", "aggregate_id", "aggregate_type", "aggregate_version",
			"event_type", "tenant_id", "actor_id", "occurred_at", "payload",
		}))

	repo := NewRepository[*ExtractionProcess](db, eventstore.NewPGStore(db), outbox.NewPGStore(db), NewExtractionProcess, logging.New("test", "error", "text"))
	_, err = repo.Load(context.Background(), id)

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}

func TestSaveNoOpWhenNoUncommittedEvents(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository[*ExtractionProcess](db, eventstore.NewPGStore(db), outbox.NewPGStore(db), NewExtractionProcess, logging.New("test", "error", "text"))
	proc := NewExtractionProcess(uuid.New())

	require.NoError(t, repo.Save(context.Background(), proc))
}

func TestSaveAppendsEventsAndOutboxInSameTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	proc := NewExtractionProcess(uuid.New())
	require.NoError(t, proc.RequestExtraction(uuid.New(), "page-1", "https://x/a", "h1", nil))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX`).WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO events`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO event_outbox`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	repo := NewRepository[*ExtractionProcess](db, eventstore.NewPGStore(db), outbox.NewPGStore(db), NewExtractionProcess, logging.New("test", "error", "text"))
	require.NoError(t, repo.Save(context.Background(), proc))

	assert.Empty(t, proc.UncommittedEvents())
	assert.NoError(t, mock.ExpectationsWereMet())
}
