// Package merge is C17: the transactional command side of entity
// consolidation. It validates preconditions against the relational read
// model, then appends the resulting domain event and its outbox row in
// one transaction — the same way the aggregate repository commits a
// command's events, except there is no replayable aggregate behind a
// merge/undo/split the way ExtractionProcess has one; this service
// itself is the sole guard of the invariants below.
package merge

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tyevans/knowledge-mapper/internal/aggregate"
	"github.com/tyevans/knowledge-mapper/internal/eventstore"
	"github.com/tyevans/knowledge-mapper/internal/outbox"
	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
)

// MergeRequest asks to fold entityB into entityA as the surviving
// canonical entity.
type MergeRequest struct {
	TenantID         uuid.UUID
	CanonicalID      uuid.UUID
	MergedID         uuid.UUID
	MergeReason      string
	SimilarityScores map[string]any
	MergedByUserID   *uuid.UUID
}

// UndoRequest asks to reverse a previously applied merge.
type UndoRequest struct {
	TenantID       uuid.UUID
	MergeHistoryID uuid.UUID
	UndoReason     string
	UndoneByUserID uuid.UUID
}

// SplitRequest asks to replace one entity with two or more new entities.
type SplitRequest struct {
	TenantID                uuid.UUID
	OriginalID              uuid.UUID
	NewEntityNames          []string
	RelationshipAssignments []aggregate.RelationshipAssignment
	PropertyAssignments     map[string]map[string]any
	SplitReason             string
	SplitByUserID           uuid.UUID
}

// entityRow is the subset of extracted_entities this service reads
// within its own transaction to validate preconditions — deliberately
// not readmodel.Reader, since these reads must run inside the same
// transaction as the event append and use SELECT ... FOR UPDATE to
// prevent a concurrent merge from racing the same entity.
type entityRow struct {
	ID          string
	IsCanonical bool
	IsAliasOf   *string
	Name        string
}

func lockEntity(ctx context.Context, tx *sql.Tx, tenantID, id uuid.UUID) (entityRow, error) {
	var row entityRow
	err := tx.QueryRowContext(ctx, `
		SELECT id, is_canonical, is_alias_of, name FROM extracted_entities
		WHERE tenant_id = $1 AND id = $2
		FOR UPDATE
	`, tenantID, id).Scan(&row.ID, &row.IsCanonical, &row.IsAliasOf, &row.Name)
	if err == sql.ErrNoRows {
		return entityRow{}, apperrors.NotFound("entity", id.String())
	}
	if err != nil {
		return entityRow{}, apperrors.TransientIO("merge.lock_entity", err)
	}
	return row, nil
}

// currentVersion returns the stream's current aggregate_version so the
// append that follows can pass the right expectedVersion — a
// ConsolidationProcess stream keyed by a given entity id may already
// carry earlier merge/undo/split events against it.
func currentVersion(ctx context.Context, tx *sql.Tx, aggregateID uuid.UUID, aggregateType string) (int, error) {
	var version int
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(aggregate_version), 0) FROM events
		WHERE aggregate_id = $1 AND aggregate_type = $2
	`, aggregateID, aggregateType).Scan(&version)
	if err != nil {
		return 0, apperrors.TransientIO("merge.current_version", err)
	}
	return version, nil
}

// Service is the command-side entry point for merge/undo/split.
type Service struct {
	db     *sql.DB
	events eventstore.Store
	outbox outbox.Store
}

// New constructs a Service.
func New(db *sql.DB, events eventstore.Store, ob outbox.Store) *Service {
	return &Service{db: db, events: events, outbox: ob}
}

// Result is what a merge/undo/split call returns: the event appended and
// any generated identifiers a caller might need (e.g. new split entity
// IDs).
type Result struct {
	EventID uuid.UUID
	IDs     []uuid.UUID
}

// Merge folds req.MergedID into req.CanonicalID. It rejects alias
// chains: neither entity may already be a non-canonical alias of
// something else, since merging an alias would make undo ambiguous
// about which original entity to restore. The merged entity is
// soft-demoted (is_canonical=false, is_alias_of=canonical), never
// deleted, by the read-model/graph projections once this event lands —
// this method only validates and appends.
func (s *Service) Merge(ctx context.Context, req MergeRequest) (Result, error) {
	if req.CanonicalID == req.MergedID {
		return Result{}, apperrors.Validation("merge: cannot merge an entity into itself")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, apperrors.TransientIO("merge.begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	canonical, err := lockEntity(ctx, tx, req.TenantID, req.CanonicalID)
	if err != nil {
		return Result{}, err
	}
	merged, err := lockEntity(ctx, tx, req.TenantID, req.MergedID)
	if err != nil {
		return Result{}, err
	}
	if !canonical.IsCanonical || canonical.IsAliasOf != nil {
		return Result{}, apperrors.Validation("merge: canonical entity is itself a non-canonical alias")
	}
	if !merged.IsCanonical || merged.IsAliasOf != nil {
		return Result{}, apperrors.Validation("merge: merged entity is already a non-canonical alias")
	}

	mergedPayload := aggregate.EntitiesMergedPayload{
		TenantID:          req.TenantID.String(),
		CanonicalEntityID: req.CanonicalID.String(),
		MergedEntityIDs:   []string{req.MergedID.String()},
		MergeReason:       req.MergeReason,
		SimilarityScores:  req.SimilarityScores,
	}
	if req.MergedByUserID != nil {
		id := req.MergedByUserID.String()
		mergedPayload.MergedByUserID = &id
	}
	mergedRaw, err := json.Marshal(mergedPayload)
	if err != nil {
		return Result{}, apperrors.Decoding("merge.entities_merged.marshal", err)
	}
	mergedEvent := eventstore.NewEvent(req.CanonicalID, "ConsolidationProcess", aggregate.EventEntitiesMerged, &req.TenantID, mergedRaw)

	aliasPayload := aggregate.AliasCreatedPayload{
		TenantID:          req.TenantID.String(),
		AliasID:           req.MergedID.String(),
		CanonicalEntityID: req.CanonicalID.String(),
		AliasName:         merged.Name,
		OriginalEntityID:  req.MergedID.String(),
		MergeEventID:      mergedEvent.EventID.String(),
	}
	aliasRaw, err := json.Marshal(aliasPayload)
	if err != nil {
		return Result{}, apperrors.Decoding("merge.alias_created.marshal", err)
	}
	aliasEvent := eventstore.NewEvent(req.CanonicalID, "ConsolidationProcess", aggregate.EventAliasCreated, &req.TenantID, aliasRaw)

	version, err := currentVersion(ctx, tx, req.CanonicalID, "ConsolidationProcess")
	if err != nil {
		return Result{}, err
	}
	events := []eventstore.Event{mergedEvent, aliasEvent}
	if _, err := eventstore.AppendInTx(ctx, tx, req.CanonicalID, "ConsolidationProcess", events, version); err != nil {
		return Result{}, err
	}
	if err := s.outbox.InsertInTx(ctx, tx, events); err != nil {
		return Result{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO merge_history (id, tenant_id, operation, canonical_id, affected_ids, reason, actor_id, can_undo, source_event_id, created_at)
		VALUES ($1,$2,'merge',$3,$4,$5,$6,true,$7,now())
	`, uuid.New(), req.TenantID, req.CanonicalID, pq.Array([]string{req.MergedID.String()}), req.MergeReason, req.MergedByUserID, mergedEvent.EventID); err != nil {
		return Result{}, apperrors.TransientIO("merge.history.insert", err)
	}

	if err := tx.Commit(); err != nil {
		return Result{}, apperrors.TransientIO("merge.commit", err)
	}
	return Result{EventID: mergedEvent.EventID, IDs: []uuid.UUID{req.CanonicalID, req.MergedID}}, nil
}

// Undo reverses a prior merge recorded in merge_history. Relationships
// are not automatically restored onto the revived entity: the original
// merge only soft-demoted the merged entity, and graphsync deleted its
// graph node and redirected its edges to the canonical node, so a clean
// "rewind" would require replaying every redirected edge's pre-merge
// state, which the event does not carry. Undo therefore only flips the
// entity back to canonical and records provenance; a caller that needs
// the relationships back re-runs extraction or re-links them by hand.
func (s *Service) Undo(ctx context.Context, req UndoRequest) (Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, apperrors.TransientIO("merge.undo.begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	var operation string
	var canonicalID uuid.UUID
	var affectedIDs []string
	var canUndo bool
	var sourceEventID uuid.UUID
	err = tx.QueryRowContext(ctx, `
		SELECT operation, canonical_id, affected_ids, can_undo, source_event_id
		FROM merge_history WHERE id = $1 AND tenant_id = $2
		FOR UPDATE
	`, req.MergeHistoryID, req.TenantID).Scan(&operation, &canonicalID, pq.Array(&affectedIDs), &canUndo, &sourceEventID)
	if err == sql.ErrNoRows {
		return Result{}, apperrors.NotFound("merge_history", req.MergeHistoryID.String())
	}
	if err != nil {
		return Result{}, apperrors.TransientIO("merge.undo.lookup", err)
	}
	if operation != "merge" {
		return Result{}, apperrors.Validation("merge.undo: referenced history entry is not a merge")
	}
	if !canUndo {
		return Result{}, apperrors.Validation("merge.undo: this merge has already been undone or cannot be undone")
	}

	restoredIDs := make([]uuid.UUID, 0, len(affectedIDs))
	for _, idStr := range affectedIDs {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		restoredIDs = append(restoredIDs, id)
		if _, err := tx.ExecContext(ctx, `
			UPDATE extracted_entities SET is_canonical = true, is_alias_of = NULL, updated_at = now()
			WHERE id = $1 AND tenant_id = $2
		`, id, req.TenantID); err != nil {
			return Result{}, apperrors.TransientIO("merge.undo.restore_entity", err)
		}
	}

	payload := aggregate.MergeUndonePayload{
		TenantID:             req.TenantID.String(),
		OriginalMergeEventID: sourceEventID.String(),
		CanonicalEntityID:    canonicalID.String(),
		RestoredEntityIDs:    stringsOf(restoredIDs),
		OriginalEntityIDs:    stringsOf(restoredIDs),
		UndoReason:           req.UndoReason,
		UndoneByUserID:       req.UndoneByUserID.String(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Result{}, apperrors.Decoding("merge.undo.marshal", err)
	}
	evt := eventstore.NewEvent(canonicalID, "ConsolidationProcess", aggregate.EventMergeUndone, &req.TenantID, raw)

	undoVersion, err := currentVersion(ctx, tx, canonicalID, "ConsolidationProcess")
	if err != nil {
		return Result{}, err
	}
	if _, err := eventstore.AppendInTx(ctx, tx, canonicalID, "ConsolidationProcess", []eventstore.Event{evt}, undoVersion); err != nil {
		return Result{}, err
	}
	if err := s.outbox.InsertInTx(ctx, tx, []eventstore.Event{evt}); err != nil {
		return Result{}, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE merge_history SET can_undo = false WHERE id = $1`, req.MergeHistoryID); err != nil {
		return Result{}, apperrors.TransientIO("merge.undo.mark_history", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO merge_history (id, tenant_id, operation, canonical_id, affected_ids, reason, actor_id, can_undo, source_event_id, created_at)
		VALUES ($1,$2,'undo',$3,$4,$5,$6,false,$7,now())
	`, uuid.New(), req.TenantID, canonicalID, pq.Array(stringsOf(restoredIDs)), req.UndoReason, req.UndoneByUserID, evt.EventID); err != nil {
		return Result{}, apperrors.TransientIO("merge.undo.history.insert", err)
	}

	if err := tx.Commit(); err != nil {
		return Result{}, apperrors.TransientIO("merge.undo.commit", err)
	}
	return Result{EventID: evt.EventID, IDs: restoredIDs}, nil
}

// Split replaces req.OriginalID with two or more new entities, each
// inheriting property assignments and relationship reassignments the
// caller specifies. A split into fewer than two entities is rejected:
// that would just be a no-op rename, not a split.
func (s *Service) Split(ctx context.Context, req SplitRequest) (Result, error) {
	if len(req.NewEntityNames) < 2 {
		return Result{}, apperrors.Validation("split: requires at least two new entities")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, apperrors.TransientIO("merge.split.begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	original, err := lockEntity(ctx, tx, req.TenantID, req.OriginalID)
	if err != nil {
		return Result{}, err
	}
	if !original.IsCanonical {
		return Result{}, apperrors.Validation("split: original entity is not canonical")
	}

	newIDs := make([]uuid.UUID, len(req.NewEntityNames))
	for i := range req.NewEntityNames {
		newIDs[i] = uuid.New()
	}

	payload := aggregate.EntitySplitPayload{
		TenantID:                req.TenantID.String(),
		OriginalEntityID:        req.OriginalID.String(),
		NewEntityIDs:            stringsOf(newIDs),
		NewEntityNames:          req.NewEntityNames,
		RelationshipAssignments: req.RelationshipAssignments,
		PropertyAssignments:     req.PropertyAssignments,
		SplitReason:             req.SplitReason,
		SplitByUserID:           req.SplitByUserID.String(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Result{}, apperrors.Decoding("merge.split.marshal", err)
	}
	evt := eventstore.NewEvent(req.OriginalID, "ConsolidationProcess", aggregate.EventEntitySplit, &req.TenantID, raw)

	splitVersion, err := currentVersion(ctx, tx, req.OriginalID, "ConsolidationProcess")
	if err != nil {
		return Result{}, err
	}
	if _, err := eventstore.AppendInTx(ctx, tx, req.OriginalID, "ConsolidationProcess", []eventstore.Event{evt}, splitVersion); err != nil {
		return Result{}, err
	}
	if err := s.outbox.InsertInTx(ctx, tx, []eventstore.Event{evt}); err != nil {
		return Result{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO merge_history (id, tenant_id, operation, canonical_id, affected_ids, reason, actor_id, can_undo, source_event_id, created_at)
		VALUES ($1,$2,'split',$3,$4,$5,$6,false,$7,now())
	`, uuid.New(), req.TenantID, req.OriginalID, pq.Array(stringsOf(newIDs)), req.SplitReason, req.SplitByUserID, evt.EventID); err != nil {
		return Result{}, apperrors.TransientIO("merge.split.history.insert", err)
	}

	if err := tx.Commit(); err != nil {
		return Result{}, apperrors.TransientIO("merge.split.commit", err)
	}
	return Result{EventID: evt.EventID, IDs: newIDs}, nil
}

func stringsOf(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
