package graphsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tyevans/knowledge-mapper/internal/aggregate"
	"github.com/tyevans/knowledge-mapper/internal/eventstore"
	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
	"github.com/tyevans/knowledge-mapper/internal/platform/logging"
	"github.com/tyevans/knowledge-mapper/internal/projection"
)

// Handlers wires C5's event-type handlers against one GraphStore, and also
// needs write access to the relational read model to persist graph_node_id
// back onto extracted_entities after a node sync.
type Handlers struct {
	graph GraphStore
	log   *logging.Logger
}

// New constructs the C5 handler set.
func New(graph GraphStore, log *logging.Logger) *Handlers {
	return &Handlers{graph: graph, log: log}
}

// Register returns the projection.Handler map for this projection, keyed
// by event type.
func (h *Handlers) Register() map[string]projection.Handler {
	return map[string]projection.Handler{
		aggregate.EventEntityExtracted:         h.handleEntityExtracted,
		aggregate.EventRelationshipDiscovered:  h.handleRelationshipDiscovered,
		aggregate.EventEntitiesMerged:          h.handleEntitiesMerged,
		aggregate.EventMergeUndone:             h.handleMergeUndone,
		aggregate.EventEntitySplit:             h.handleEntitySplit,
	}
}

func (h *Handlers) handleEntityExtracted(ctx context.Context, tx *sql.Tx, evt eventstore.Event) error {
	var p aggregate.EntityExtractedPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return apperrors.Decoding("graphsync.entity_extracted", err)
	}

	props := map[string]any{}
	for k, v := range p.Properties {
		props[k] = v
	}
	props["type"] = p.EntityType
	if p.Description != nil {
		props["description"] = *p.Description
	}

	node := Node{ID: p.EntityID, TenantID: p.TenantID, Name: p.Name, EntityType: p.EntityType, Properties: props}
	if err := h.graph.UpsertNodeInTx(ctx, tx, node); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE extracted_entities
		SET graph_node_id = $1, synced_to_graph = true, synced_at = now(), updated_at = now()
		WHERE id = $2 AND tenant_id = $3
	`, node.ID, p.EntityID, p.TenantID); err != nil {
		return apperrors.TransientIO("graphsync.entity_extracted.mark_synced", err)
	}
	return nil
}

func (h *Handlers) handleRelationshipDiscovered(ctx context.Context, tx *sql.Tx, evt eventstore.Event) error {
	var p aggregate.RelationshipDiscoveredPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return apperrors.Decoding("graphsync.relationship_discovered", err)
	}

	sourceID, ok, err := h.resolveEntityByPageAndName(ctx, tx, p.TenantID, p.PageID, p.SourceEntityName)
	if err != nil {
		return err
	}
	if !ok {
		h.log.WithContext(ctx).Warn("graphsync: relationship source entity unresolved, skipping")
		return nil
	}
	targetID, ok, err := h.resolveEntityByPageAndName(ctx, tx, p.TenantID, p.PageID, p.TargetEntityName)
	if err != nil {
		return err
	}
	if !ok {
		h.log.WithContext(ctx).Warn("graphsync: relationship target entity unresolved, skipping")
		return nil
	}

	edge := Edge{
		ID:               p.RelationshipID,
		TenantID:         p.TenantID,
		SourceNodeID:     sourceID,
		TargetNodeID:     targetID,
		RelationshipType: p.RelationshipType,
		Confidence:       p.ConfidenceScore,
		Properties:       map[string]any{},
	}
	if err := h.graph.CreateEdgeInTx(ctx, tx, edge); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE entity_relationships SET graph_relationship_id = $1, synced_to_graph = true
		WHERE id = $2 AND tenant_id = $3
	`, edge.ID, p.RelationshipID, p.TenantID); err != nil {
		return apperrors.TransientIO("graphsync.relationship_discovered.mark_synced", err)
	}
	return nil
}

func (h *Handlers) resolveEntityByPageAndName(ctx context.Context, tx *sql.Tx, tenantID, pageID, name string) (string, bool, error) {
	var id string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM extracted_entities
		WHERE tenant_id = $1 AND source_page_id = $2 AND name = $3
		LIMIT 1
	`, tenantID, pageID, name).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.TransientIO("graphsync.resolve_entity_by_page_and_name", err)
	}
	return id, true, nil
}

// handleEntitiesMerged redirects edges to the canonical node, drops
// self-loops introduced by redirection, dedupes parallel edges keeping the
// highest confidence, deletes merged nodes, and annotates the canonical
// node with merge metadata. Each sub-step logs and continues on failure:
// the projection only fails the whole handler if the canonical node's
// final state would be inconsistent, so a missing edge or an
// already-deleted node is tolerated.
func (h *Handlers) handleEntitiesMerged(ctx context.Context, tx *sql.Tx, evt eventstore.Event) error {
	var p aggregate.EntitiesMergedPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return apperrors.Decoding("graphsync.entities_merged", err)
	}

	for _, mergedID := range p.MergedEntityIDs {
		if err := h.redirectEdges(ctx, tx, p.TenantID, mergedID, p.CanonicalEntityID); err != nil {
			h.log.WithContext(ctx).WithField("merged_entity_id", mergedID).Warn("graphsync: redirect edges failed, continuing")
		}
		if err := h.graph.DeleteNodeInTx(ctx, tx, mergedID, p.TenantID); err != nil {
			h.log.WithContext(ctx).WithField("merged_entity_id", mergedID).Warn("graphsync: delete merged node failed, continuing")
		}
	}

	meta := map[string]any{
		"_merged_count":   len(p.MergedEntityIDs),
		"_last_merged_at": time.Now().UTC().Format(time.RFC3339),
		"_merge_event_id": evt.EventID.String(),
	}
	return h.graph.UpdateNodePropertiesInTx(ctx, tx, p.CanonicalEntityID, p.TenantID, meta)
}

func (h *Handlers) redirectEdges(ctx context.Context, tx *sql.Tx, tenantID, fromNodeID, toNodeID string) error {
	edges, err := h.graph.EdgesTouchingNode(ctx, tx, tenantID, fromNodeID)
	if err != nil {
		return err
	}

	bestByKey := map[string]Edge{}
	for _, e := range edges {
		redirected := e
		if e.SourceNodeID == fromNodeID {
			redirected.SourceNodeID = toNodeID
		}
		if e.TargetNodeID == fromNodeID {
			redirected.TargetNodeID = toNodeID
		}

		if redirected.SourceNodeID == redirected.TargetNodeID {
			if err := h.graph.DeleteEdgeInTx(ctx, tx, e.ID); err != nil {
				return err
			}
			continue
		}

		original := e.RelationshipType
		now := time.Now().UTC().Format(time.RFC3339)
		redirected.OriginalType = &original
		redirected.TransferredFrom = &fromNodeID
		if redirected.Properties == nil {
			redirected.Properties = map[string]any{}
		}
		redirected.Properties["transferred_at"] = now

		key := redirected.SourceNodeID + "|" + redirected.TargetNodeID + "|" + redirected.RelationshipType
		if existing, ok := bestByKey[key]; !ok || redirected.Confidence > existing.Confidence {
			bestByKey[key] = redirected
		}

		if err := h.graph.DeleteEdgeInTx(ctx, tx, e.ID); err != nil {
			return err
		}
	}

	for _, e := range bestByKey {
		e.ID = uuid.New().String()
		if err := h.graph.CreateEdgeInTx(ctx, tx, e); err != nil {
			return err
		}
	}
	return nil
}

// handleMergeUndone creates placeholder canonical nodes for every restored
// entity so a subsequent re-extraction can re-sync their full properties,
// and records undo metadata on the original canonical node.
func (h *Handlers) handleMergeUndone(ctx context.Context, tx *sql.Tx, evt eventstore.Event) error {
	var p aggregate.MergeUndonePayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return apperrors.Decoding("graphsync.merge_undone", err)
	}

	for i, restoredID := range p.RestoredEntityIDs {
		name := restoredID
		if i < len(p.OriginalEntityIDs) {
			name = p.OriginalEntityIDs[i]
		}
		placeholder := Node{
			ID:         restoredID,
			TenantID:   p.TenantID,
			Name:       name,
			EntityType: "unknown",
			Properties: map[string]any{"_restored_placeholder": true},
		}
		if err := h.graph.UpsertNodeInTx(ctx, tx, placeholder); err != nil {
			return err
		}
	}

	meta := map[string]any{
		"_undo_reason":     p.UndoReason,
		"_undo_event_id":   evt.EventID.String(),
		"_undone_entities": p.RestoredEntityIDs,
	}
	return h.graph.UpdateNodePropertiesInTx(ctx, tx, p.CanonicalEntityID, p.TenantID, meta)
}

// handleEntitySplit creates one new node per split entity with split_from
// provenance, reassigns edges per the event's explicit assignments or
// falls back to the first new entity, and marks the original node
// is_split so the graph records it was superseded (read-model demotion
// happens in C6).
func (h *Handlers) handleEntitySplit(ctx context.Context, tx *sql.Tx, evt eventstore.Event) error {
	var p aggregate.EntitySplitPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return apperrors.Decoding("graphsync.entity_split", err)
	}
	if len(p.NewEntityIDs) == 0 {
		return nil
	}

	for i, newID := range p.NewEntityIDs {
		name := newID
		if i < len(p.NewEntityNames) {
			name = p.NewEntityNames[i]
		}
		props := map[string]any{"split_from": p.OriginalEntityID}
		if propSet, ok := p.PropertyAssignments[newID]; ok {
			for k, v := range propSet {
				props[k] = v
			}
		}
		node := Node{ID: newID, TenantID: p.TenantID, Name: name, EntityType: "unknown", Properties: props}
		if err := h.graph.UpsertNodeInTx(ctx, tx, node); err != nil {
			return err
		}
	}

	originalMeta := map[string]any{
		"is_split":        true,
		"_split_into":     p.NewEntityIDs,
		"_split_event_id": evt.EventID.String(),
	}
	if err := h.graph.UpdateNodePropertiesInTx(ctx, tx, p.OriginalEntityID, p.TenantID, originalMeta); err != nil {
		return err
	}

	edges, err := h.graph.EdgesTouchingNode(ctx, tx, p.TenantID, p.OriginalEntityID)
	if err != nil {
		return err
	}

	assignment := map[string]string{}
	for _, a := range p.RelationshipAssignments {
		assignment[a.RelationshipID] = a.NewEntityID
	}
	fallback := p.NewEntityIDs[0]

	for _, e := range edges {
		target := assignment[e.ID]
		if target == "" {
			target = fallback
		}
		redirected := e
		if e.SourceNodeID == p.OriginalEntityID {
			redirected.SourceNodeID = target
		}
		if e.TargetNodeID == p.OriginalEntityID {
			redirected.TargetNodeID = target
		}
		original := e.RelationshipType
		redirected.OriginalType = &original
		redirected.SplitFrom = &p.OriginalEntityID
		redirected.ID = uuid.New().String()

		if err := h.graph.DeleteEdgeInTx(ctx, tx, e.ID); err != nil {
			return err
		}
		if err := h.graph.CreateEdgeInTx(ctx, tx, redirected); err != nil {
			return err
		}
	}
	return nil
}
