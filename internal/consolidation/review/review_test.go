package review

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyevans/knowledge-mapper/internal/consolidation/merge"
	"github.com/tyevans/knowledge-mapper/internal/eventstore"
	"github.com/tyevans/knowledge-mapper/internal/outbox"
	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
)

func newTestQueue(t *testing.T, withMerge bool) (*Queue, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	var ms *merge.Service
	if withMerge {
		ms = merge.New(db, eventstore.NewPGStore(db), outbox.NewPGStore(db))
	}
	return New(sqlxDB, ms), mock, func() { db.Close() }
}

func itemColumns() []string {
	return []string{
		"id", "tenant_id", "entity_a_id", "entity_b_id", "confidence", "review_priority",
		"similarity_scores", "status", "reviewed_by", "reviewed_at", "reviewer_notes", "created_at",
	}
}

func TestEnqueueCanonicalizesPairOrder(t *testing.T) {
	queue, mock, closeDB := newTestQueue(t, false)
	defer closeDB()

	tenant := uuid.New()
	high := uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff")
	low := uuid.MustParse("00000000-0000-0000-0000-000000000001")

	mock.ExpectQuery(`INSERT INTO merge_review_queue`).
		WithArgs(sqlmock.AnyArg(), tenant, low, high, 0.75, 0, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(itemColumns()).AddRow(
			uuid.New(), tenant, low, high, 0.75, 0, []byte(`{}`), "pending", nil, nil, nil, time.Now(),
		))

	item, err := queue.Enqueue(context.Background(), EnqueueRequest{
		TenantID: tenant, EntityAID: high, EntityBID: low, Confidence: 0.75,
	})
	require.NoError(t, err)
	assert.Equal(t, low, item.EntityAID)
	assert.Equal(t, high, item.EntityBID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueRejectsSamePair(t *testing.T) {
	queue, _, closeDB := newTestQueue(t, false)
	defer closeDB()

	id := uuid.New()
	_, err := queue.Enqueue(context.Background(), EnqueueRequest{TenantID: uuid.New(), EntityAID: id, EntityBID: id})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
}

func TestListDefaultsToPendingAndOrdersByPriorityThenConfidence(t *testing.T) {
	queue, mock, closeDB := newTestQueue(t, false)
	defer closeDB()

	tenant := uuid.New()
	mock.ExpectQuery(`SELECT .* FROM merge_review_queue q .*ORDER BY q\.review_priority DESC, q\.confidence DESC`).
		WithArgs(tenant, "pending", 50).
		WillReturnRows(sqlmock.NewRows(itemColumns()).
			AddRow(uuid.New(), tenant, uuid.New(), uuid.New(), 0.6, 1, []byte(`{}`), "pending", nil, nil, nil, time.Now()))

	items, err := queue.List(context.Background(), tenant, Filter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsAggregatesAcrossStatuses(t *testing.T) {
	queue, mock, closeDB := newTestQueue(t, false)
	defer closeDB()

	tenant := uuid.New()
	mock.ExpectQuery(`SELECT status, count\(\*\) FROM merge_review_queue`).
		WithArgs(tenant).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("pending", 3).AddRow("approved", 5))
	mock.ExpectQuery(`SELECT avg\(confidence\)`).
		WithArgs(tenant).
		WillReturnRows(sqlmock.NewRows([]string{"avg"}).AddRow(0.65))
	mock.ExpectQuery(`SELECT min\(created_at\)`).
		WithArgs(tenant).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(time.Now().Add(-2 * time.Hour)))

	stats, err := queue.Stats(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalByStatus["pending"])
	assert.Equal(t, 5, stats.TotalByStatus["approved"])
	assert.InDelta(t, 0.65, stats.AverageConfidence, 0.001)
	require.NotNil(t, stats.OldestPendingAge)
	assert.Greater(t, *stats.OldestPendingAge, time.Hour)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecideRejectsWhenItemAlreadyDecided(t *testing.T) {
	queue, mock, closeDB := newTestQueue(t, false)
	defer closeDB()

	tenant, itemID, a, b := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	mock.ExpectQuery(`SELECT id, tenant_id, entity_a_id, entity_b_id, confidence, review_priority, similarity_scores,\s*status, reviewed_by, reviewed_at, reviewer_notes, created_at\s*FROM merge_review_queue`).
		WithArgs(itemID, tenant).
		WillReturnRows(sqlmock.NewRows(itemColumns()).
			AddRow(itemID, tenant, a, b, 0.6, 0, []byte(`{}`), "approved", "someone", time.Now(), nil, time.Now()))

	_, err := queue.Decide(context.Background(), DecisionRequest{TenantID: tenant, ItemID: itemID, Decision: DecisionReject, ReviewerUserID: "reviewer-1"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecideRejectMarksStatusWithoutCallingMerge(t *testing.T) {
	queue, mock, closeDB := newTestQueue(t, false)
	defer closeDB()

	tenant, itemID, a, b := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	mock.ExpectQuery(`SELECT id, tenant_id, entity_a_id, entity_b_id, confidence, review_priority, similarity_scores,\s*status, reviewed_by, reviewed_at, reviewer_notes, created_at\s*FROM merge_review_queue`).
		WithArgs(itemID, tenant).
		WillReturnRows(sqlmock.NewRows(itemColumns()).
			AddRow(itemID, tenant, a, b, 0.6, 0, []byte(`{}`), "pending", nil, nil, nil, time.Now()))
	mock.ExpectExec(`UPDATE merge_review_queue`).
		WithArgs("rejected", "reviewer-1", sqlmock.AnyArg(), itemID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	item, err := queue.Decide(context.Background(), DecisionRequest{TenantID: tenant, ItemID: itemID, Decision: DecisionReject, ReviewerUserID: "reviewer-1"})
	require.NoError(t, err)
	assert.Equal(t, string(StatusRejected), item.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
