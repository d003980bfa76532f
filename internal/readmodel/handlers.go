// Package readmodel is C6: projection handlers that upsert the relational
// read model (extracted_entities, entity_relationships, merge_review_queue)
// from extraction and consolidation domain events. merge_history rows are
// written by the merge service, not by these handlers.
package readmodel

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/tyevans/knowledge-mapper/internal/aggregate"
	"github.com/tyevans/knowledge-mapper/internal/eventstore"
	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
	"github.com/tyevans/knowledge-mapper/internal/projection"
)

// Handlers wires C6's event-type handlers against the relational store.
type Handlers struct{}

// New constructs the C6 handler set.
func New() *Handlers { return &Handlers{} }

// Register returns the projection.Handler map for this projection, keyed
// by event type.
func (h *Handlers) Register() map[string]projection.Handler {
	return map[string]projection.Handler{
		aggregate.EventEntityExtracted:        h.handleEntityExtracted,
		aggregate.EventRelationshipDiscovered: h.handleRelationshipDiscovered,
		aggregate.EventMergeQueuedForReview:   h.handleMergeQueuedForReview,
		aggregate.EventEntitiesMerged:         h.handleEntitiesMerged,
		aggregate.EventMergeUndone:            h.handleMergeUndone,
		aggregate.EventEntitySplit:            h.handleEntitySplit,
	}
}

func (h *Handlers) handleEntityExtracted(ctx context.Context, tx *sql.Tx, evt eventstore.Event) error {
	var p aggregate.EntityExtractedPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return apperrors.Decoding("readmodel.entity_extracted", err)
	}

	props, err := json.Marshal(p.Properties)
	if err != nil {
		return apperrors.Decoding("readmodel.entity_extracted.marshal", err)
	}

	sourcePageID, err := resolvePageID(ctx, tx, evt.AggregateID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO extracted_entities
			(id, tenant_id, source_page_id, entity_type, name, normalized_name, description,
			 properties, extraction_method, confidence, is_canonical, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, true, now(), now())
		ON CONFLICT (id) DO NOTHING
	`, p.EntityID, p.TenantID, sourcePageID, p.EntityType, p.Name, p.NormalizedName, p.Description,
		props, p.ExtractionMethod, p.Confidence)
	if err != nil {
		return apperrors.TransientIO("readmodel.entity_extracted.insert", err)
	}
	return nil
}

func (h *Handlers) handleRelationshipDiscovered(ctx context.Context, tx *sql.Tx, evt eventstore.Event) error {
	var p aggregate.RelationshipDiscoveredPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return apperrors.Decoding("readmodel.relationship_discovered", err)
	}

	var sourceID, targetID string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM extracted_entities WHERE tenant_id = $1 AND source_page_id = $2 AND name = $3 LIMIT 1
	`, p.TenantID, p.PageID, p.SourceEntityName).Scan(&sourceID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return apperrors.TransientIO("readmodel.relationship_discovered.resolve_source", err)
	}

	err = tx.QueryRowContext(ctx, `
		SELECT id FROM extracted_entities WHERE tenant_id = $1 AND source_page_id = $2 AND name = $3 LIMIT 1
	`, p.TenantID, p.PageID, p.TargetEntityName).Scan(&targetID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return apperrors.TransientIO("readmodel.relationship_discovered.resolve_target", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entity_relationships
			(id, tenant_id, source_entity_id, target_entity_id, relationship_type, confidence, created_at)
		VALUES ($1,$2,$3,$4,$5,$6, now())
		ON CONFLICT (id) DO NOTHING
	`, p.RelationshipID, p.TenantID, sourceID, targetID, p.RelationshipType, p.ConfidenceScore)
	if err != nil {
		return apperrors.TransientIO("readmodel.relationship_discovered.insert", err)
	}
	return nil
}

func (h *Handlers) handleMergeQueuedForReview(ctx context.Context, tx *sql.Tx, evt eventstore.Event) error {
	var p aggregate.MergeQueuedForReviewPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return apperrors.Decoding("readmodel.merge_queued_for_review", err)
	}

	scores, err := json.Marshal(p.SimilarityScores)
	if err != nil {
		return apperrors.Decoding("readmodel.merge_queued_for_review.marshal", err)
	}

	a, b := p.EntityAID, p.EntityBID
	if a > b {
		a, b = b, a
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO merge_review_queue
			(id, tenant_id, entity_a_id, entity_b_id, confidence, review_priority, similarity_scores, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7, 'pending', now())
		ON CONFLICT (tenant_id, entity_a_id, entity_b_id) DO NOTHING
	`, evt.EventID, p.TenantID, a, b, p.Confidence, p.ReviewPriority, scores)
	if err != nil {
		return apperrors.TransientIO("readmodel.merge_queued_for_review.insert", err)
	}
	return nil
}

// handleEntitiesMerged demotes every merged entity to a non-canonical
// alias of the canonical entity, annotates the canonical entity's
// properties with merge metadata, and expires any pending review items
// referencing an involved entity.
func (h *Handlers) handleEntitiesMerged(ctx context.Context, tx *sql.Tx, evt eventstore.Event) error {
	var p aggregate.EntitiesMergedPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return apperrors.Decoding("readmodel.entities_merged", err)
	}

	meta := map[string]any{
		"_merged_count":   len(p.MergedEntityIDs),
		"_last_merged_at": time.Now().UTC().Format(time.RFC3339),
		"_merge_event_id": evt.EventID.String(),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return apperrors.Decoding("readmodel.entities_merged.marshal", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE extracted_entities
		SET properties = properties || $2::jsonb, updated_at = now()
		WHERE id = $1 AND tenant_id = $3
	`, p.CanonicalEntityID, metaJSON, p.TenantID); err != nil {
		return apperrors.TransientIO("readmodel.entities_merged.update_canonical", err)
	}

	involved := append([]string{p.CanonicalEntityID}, p.MergedEntityIDs...)
	for _, mergedID := range p.MergedEntityIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE extracted_entities
			SET is_canonical = false, is_alias_of = $1, updated_at = now()
			WHERE id = $2 AND tenant_id = $3
		`, p.CanonicalEntityID, mergedID, p.TenantID); err != nil {
			return apperrors.TransientIO("readmodel.entities_merged.demote", err)
		}
	}

	if err := expireReviewItemsReferencing(ctx, tx, p.TenantID, involved); err != nil {
		return err
	}
	return nil
}

// handleMergeUndone only updates the canonical entity's undo metadata; the
// actual relational rows for restored entities are recreated by the merge
// service itself (see internal/consolidation/merge), since they were
// soft-demoted rather than deleted.
func (h *Handlers) handleMergeUndone(ctx context.Context, tx *sql.Tx, evt eventstore.Event) error {
	var p aggregate.MergeUndonePayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return apperrors.Decoding("readmodel.merge_undone", err)
	}

	meta := map[string]any{
		"_undo_reason":         p.UndoReason,
		"_undo_event_id":       evt.EventID.String(),
		"_undo_restored_ids":   p.RestoredEntityIDs,
		"_undo_at":             time.Now().UTC().Format(time.RFC3339),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return apperrors.Decoding("readmodel.merge_undone.marshal", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE extracted_entities
		SET properties = properties || $2::jsonb, updated_at = now()
		WHERE id = $1 AND tenant_id = $3
	`, p.CanonicalEntityID, metaJSON, p.TenantID)
	if err != nil {
		return apperrors.TransientIO("readmodel.merge_undone.update_canonical", err)
	}
	return nil
}

// handleEntitySplit marks the original entity non-canonical and annotates
// it with split provenance, then expires any related review-queue entries.
func (h *Handlers) handleEntitySplit(ctx context.Context, tx *sql.Tx, evt eventstore.Event) error {
	var p aggregate.EntitySplitPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return apperrors.Decoding("readmodel.entity_split", err)
	}

	meta := map[string]any{
		"_split_into":     p.NewEntityIDs,
		"_split_at":       time.Now().UTC().Format(time.RFC3339),
		"_split_event_id": evt.EventID.String(),
		"_split_reason":   p.SplitReason,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return apperrors.Decoding("readmodel.entity_split.marshal", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE extracted_entities
		SET is_canonical = false, properties = properties || $2::jsonb, updated_at = now()
		WHERE id = $1 AND tenant_id = $3
	`, p.OriginalEntityID, metaJSON, p.TenantID); err != nil {
		return apperrors.TransientIO("readmodel.entity_split.update_original", err)
	}

	return expireReviewItemsReferencing(ctx, tx, p.TenantID, []string{p.OriginalEntityID})
}

func expireReviewItemsReferencing(ctx context.Context, tx *sql.Tx, tenantID string, entityIDs []string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE merge_review_queue
		SET status = 'expired'
		WHERE tenant_id = $1 AND status = 'pending' AND (entity_a_id = ANY($2::uuid[]) OR entity_b_id = ANY($2::uuid[]))
	`, tenantID, pq.Array(entityIDs))
	if err != nil {
		return apperrors.TransientIO("readmodel.expire_review_items", err)
	}
	return nil
}

// resolvePageID looks up the page an entity was extracted from.
// EntityExtractedPayload does not itself carry a source_page_id; it is
// established once per stream by the ExtractionRequested event at the
// start of the ExtractionProcess aggregate, so handlers fetch it from
// there rather than duplicating it onto every EntityExtracted event.
func resolvePageID(ctx context.Context, tx *sql.Tx, aggregateID interface{ String() string }) (*string, error) {
	var payload []byte
	err := tx.QueryRowContext(ctx, `
		SELECT payload FROM events
		WHERE aggregate_id = $1 AND aggregate_type = 'ExtractionProcess' AND event_type = $2
		ORDER BY aggregate_version ASC LIMIT 1
	`, aggregateID.String(), aggregate.EventExtractionRequested).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.TransientIO("readmodel.resolve_page_id", err)
	}

	var requested aggregate.ExtractionRequestedPayload
	if err := json.Unmarshal(payload, &requested); err != nil {
		return nil, apperrors.Decoding("readmodel.resolve_page_id.unmarshal", err)
	}
	return &requested.PageID, nil
}
