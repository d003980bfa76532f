// Package review is C18: the human-in-the-loop review queue for merge
// candidates that scored in the "review" band — too confident to discard,
// not confident enough to auto-merge. It reads and writes
// merge_review_queue directly via sqlx and, on an "approve" decision,
// hands off to the merge service to actually perform the merge.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tyevans/knowledge-mapper/internal/consolidation/merge"
	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
)

// Status is the lifecycle state of a review-queue entry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusDeferred Status = "deferred"
	StatusExpired  Status = "expired"
)

// Decision is what a reviewer chose to do with a pending item.
type Decision string

const (
	DecisionApprove       Decision = "approve"
	DecisionReject        Decision = "reject"
	DecisionDefer         Decision = "defer"
	DecisionMarkDifferent Decision = "mark_different"
)

// Item is one merge_review_queue row.
type Item struct {
	ID               uuid.UUID       `db:"id"`
	TenantID         uuid.UUID       `db:"tenant_id"`
	EntityAID        uuid.UUID       `db:"entity_a_id"`
	EntityBID        uuid.UUID       `db:"entity_b_id"`
	Confidence       float64         `db:"confidence"`
	ReviewPriority   int             `db:"review_priority"`
	SimilarityScores json.RawMessage `db:"similarity_scores"`
	Status           string          `db:"status"`
	ReviewedBy       *string         `db:"reviewed_by"`
	ReviewedAt       *time.Time      `db:"reviewed_at"`
	ReviewerNotes    *string         `db:"reviewer_notes"`
	CreatedAt        time.Time       `db:"created_at"`
}

// EnqueueRequest asks to add a new pair to a tenant's review queue.
// Pairs are canonicalized (EntityAID < EntityBID) before insertion to
// satisfy merge_review_queue's CHECK(entity_a_id < entity_b_id) and its
// (tenant_id, entity_a_id, entity_b_id) uniqueness constraint.
type EnqueueRequest struct {
	TenantID         uuid.UUID
	EntityAID        uuid.UUID
	EntityBID        uuid.UUID
	Confidence       float64
	ReviewPriority   int
	SimilarityScores map[string]any
}

// Filter narrows List's result set. Zero-valued fields are
// unconstrained.
type Filter struct {
	Status        Status
	MinConfidence *float64
	MaxConfidence *float64
	EntityType    string
	Limit         int
	Offset        int
}

// Stats summarizes the review queue for a tenant's operational dashboard.
type Stats struct {
	TotalByStatus     map[string]int
	AverageConfidence float64
	OldestPendingAge  *time.Duration
}

// DecisionRequest records a reviewer's disposition of a pending item.
type DecisionRequest struct {
	TenantID       uuid.UUID
	ItemID         uuid.UUID
	Decision       Decision
	ReviewerUserID string
	ReviewerNotes  *string
}

// Queue is the sqlx-backed persistence and workflow layer over
// merge_review_queue.
type Queue struct {
	db    *sqlx.DB
	merge *merge.Service
}

// New constructs a Queue. merge is used to actually perform the merge on
// an "approve" decision; it may be nil if the caller only needs read/enqueue
// operations (e.g. in a projection handler that never approves anything
// itself).
func New(db *sqlx.DB, mergeService *merge.Service) *Queue {
	return &Queue{db: db, merge: mergeService}
}

// Enqueue inserts a new pending review item, canonicalizing pair order.
// A duplicate (tenant, a, b) pair is not an error: it means the pair was
// already queued, so the existing row is left untouched.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (Item, error) {
	a, b := req.EntityAID, req.EntityBID
	if a == b {
		return Item{}, apperrors.Validation("review.enqueue: entity_a_id and entity_b_id must differ")
	}
	if a.String() > b.String() {
		a, b = b, a
	}

	scores, err := json.Marshal(req.SimilarityScores)
	if err != nil {
		return Item{}, apperrors.Decoding("review.enqueue.marshal_scores", err)
	}

	var item Item
	err = q.db.GetContext(ctx, &item, `
		INSERT INTO merge_review_queue
			(id, tenant_id, entity_a_id, entity_b_id, confidence, review_priority, similarity_scores, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',now())
		ON CONFLICT (tenant_id, entity_a_id, entity_b_id) DO UPDATE SET confidence = merge_review_queue.confidence
		RETURNING id, tenant_id, entity_a_id, entity_b_id, confidence, review_priority, similarity_scores,
		          status, reviewed_by, reviewed_at, reviewer_notes, created_at
	`, uuid.New(), req.TenantID, a, b, req.Confidence, req.ReviewPriority, scores)
	if err != nil {
		return Item{}, apperrors.TransientIO("review.enqueue", err)
	}
	return item, nil
}

// List returns pending (or filtered) items ordered by review_priority
// descending, then confidence descending — the same "most actionable
// first" ordering the original review queue surfaced to human reviewers.
func (q *Queue) List(ctx context.Context, tenantID uuid.UUID, filter Filter) ([]Item, error) {
	status := string(filter.Status)
	if status == "" {
		status = string(StatusPending)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT q.id, q.tenant_id, q.entity_a_id, q.entity_b_id, q.confidence, q.review_priority,
		       q.similarity_scores, q.status, q.reviewed_by, q.reviewed_at, q.reviewer_notes, q.created_at
		FROM merge_review_queue q
	`
	args := []any{tenantID, status}
	where := "WHERE q.tenant_id = $1 AND q.status = $2"
	n := 2

	if filter.EntityType != "" {
		query += ` JOIN extracted_entities ea ON ea.id = q.entity_a_id`
		n++
		where += fmt.Sprintf(" AND ea.entity_type = $%d", n)
		args = append(args, filter.EntityType)
	}
	if filter.MinConfidence != nil {
		n++
		where += fmt.Sprintf(" AND q.confidence >= $%d", n)
		args = append(args, *filter.MinConfidence)
	}
	if filter.MaxConfidence != nil {
		n++
		where += fmt.Sprintf(" AND q.confidence <= $%d", n)
		args = append(args, *filter.MaxConfidence)
	}

	query += " " + where + " ORDER BY q.review_priority DESC, q.confidence DESC"
	n++
	query += fmt.Sprintf(" LIMIT $%d", n)
	args = append(args, limit)
	if filter.Offset > 0 {
		n++
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, filter.Offset)
	}

	var items []Item
	if err := q.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, apperrors.TransientIO("review.list", err)
	}
	return items, nil
}

// Stats aggregates the queue for operational visibility: counts per
// status, average confidence of pending items, and the age of the
// oldest still-pending item (nil if the queue is empty).
func (q *Queue) Stats(ctx context.Context, tenantID uuid.UUID) (Stats, error) {
	stats := Stats{TotalByStatus: map[string]int{}}

	rows, err := q.db.QueryContext(ctx, `
		SELECT status, count(*) FROM merge_review_queue WHERE tenant_id = $1 GROUP BY status
	`, tenantID)
	if err != nil {
		return Stats{}, apperrors.TransientIO("review.stats.by_status", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, apperrors.TransientIO("review.stats.by_status.scan", err)
		}
		stats.TotalByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, apperrors.TransientIO("review.stats.by_status.rows", err)
	}

	var avgConfidence *float64
	if err := q.db.GetContext(ctx, &avgConfidence, `
		SELECT avg(confidence) FROM merge_review_queue WHERE tenant_id = $1 AND status = 'pending'
	`, tenantID); err != nil {
		return Stats{}, apperrors.TransientIO("review.stats.avg_confidence", err)
	}
	if avgConfidence != nil {
		stats.AverageConfidence = *avgConfidence
	}

	var oldestCreatedAt *time.Time
	if err := q.db.GetContext(ctx, &oldestCreatedAt, `
		SELECT min(created_at) FROM merge_review_queue WHERE tenant_id = $1 AND status = 'pending'
	`, tenantID); err != nil {
		return Stats{}, apperrors.TransientIO("review.stats.oldest_pending", err)
	}
	if oldestCreatedAt != nil {
		age := time.Since(*oldestCreatedAt)
		stats.OldestPendingAge = &age
	}

	return stats, nil
}

// Decide applies a reviewer's decision to a pending item. On approve, it
// calls through to the merge service with merge_reason "user_approved" so
// the resulting EntitiesMerged event carries that provenance; the review
// row is marked approved regardless of whether the merge call itself
// succeeds, since a reviewer's decision and the merge's mechanical
// execution are different facts — a failed merge can be retried without
// re-reviewing the pair.
func (q *Queue) Decide(ctx context.Context, req DecisionRequest) (Item, error) {
	var item Item
	err := q.db.GetContext(ctx, &item, `
		SELECT id, tenant_id, entity_a_id, entity_b_id, confidence, review_priority, similarity_scores,
		       status, reviewed_by, reviewed_at, reviewer_notes, created_at
		FROM merge_review_queue WHERE id = $1 AND tenant_id = $2
	`, req.ItemID, req.TenantID)
	if err != nil {
		return Item{}, apperrors.NotFound("merge_review_queue", req.ItemID.String())
	}
	if item.Status != string(StatusPending) {
		return Item{}, apperrors.Validation("review.decide: item is no longer pending")
	}

	newStatus := decisionStatus(req.Decision)
	_, err = q.db.ExecContext(ctx, `
		UPDATE merge_review_queue
		SET status = $1, reviewed_by = $2, reviewed_at = now(), reviewer_notes = $3
		WHERE id = $4
	`, newStatus, req.ReviewerUserID, req.ReviewerNotes, req.ItemID)
	if err != nil {
		return Item{}, apperrors.TransientIO("review.decide.update", err)
	}
	item.Status = string(newStatus)

	if req.Decision == DecisionApprove && q.merge != nil {
		if _, err := q.merge.Merge(ctx, merge.MergeRequest{
			TenantID:    req.TenantID,
			CanonicalID: item.EntityAID,
			MergedID:    item.EntityBID,
			MergeReason: "user_approved",
		}); err != nil {
			return item, apperrors.Wrap(apperrors.KindTransientIO, "review.decide.approve_merge_failed", err)
		}
	}

	return item, nil
}

func decisionStatus(d Decision) Status {
	switch d {
	case DecisionApprove:
		return StatusApproved
	case DecisionReject:
		return StatusRejected
	case DecisionDefer:
		return StatusDeferred
	default:
		return StatusRejected
	}
}
