package readmodel

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
)

// Entity is the read-model row shape for extracted_entities, struct-tagged
// for sqlx.StructScan.
type Entity struct {
	ID               uuid.UUID  `db:"id"`
	TenantID         uuid.UUID  `db:"tenant_id"`
	SourcePageID     *uuid.UUID `db:"source_page_id"`
	EntityType       string     `db:"entity_type"`
	Name             string     `db:"name"`
	NormalizedName   string     `db:"normalized_name"`
	NormalizedSoundex string    `db:"normalized_name_soundex"`
	Description      *string    `db:"description"`
	ExtractionMethod string     `db:"extraction_method"`
	Confidence       float64    `db:"confidence"`
	IsCanonical      bool       `db:"is_canonical"`
	IsAliasOf        *uuid.UUID `db:"is_alias_of"`
	GraphNodeID      *string    `db:"graph_node_id"`
	SyncedToGraph    bool       `db:"synced_to_graph"`
}

// Reader is the sqlx-backed query side of the read model, used by C15
// blocking, C18 review, and C20 batch consolidation to stream canonical
// entities without routing through write-path transactions.
type Reader struct {
	db *sqlx.DB
}

// NewReader constructs a Reader over an already-open sqlx connection.
func NewReader(db *sqlx.DB) *Reader {
	return &Reader{db: db}
}

// GetEntity fetches one entity by id within a tenant.
func (r *Reader) GetEntity(ctx context.Context, tenantID, id uuid.UUID) (Entity, error) {
	var e Entity
	err := r.db.GetContext(ctx, &e, `
		SELECT id, tenant_id, source_page_id, entity_type, name, normalized_name,
		       normalized_name_soundex, description, extraction_method, confidence,
		       is_canonical, is_alias_of, graph_node_id, synced_to_graph
		FROM extracted_entities WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	if err != nil {
		return Entity{}, apperrors.NotFound("entity", id.String())
	}
	return e, nil
}

// StreamCanonicalEntities returns every canonical entity for a tenant,
// ordered by id for stable pagination by the batch consolidation job.
func (r *Reader) StreamCanonicalEntities(ctx context.Context, tenantID uuid.UUID, afterID uuid.UUID, limit int) ([]Entity, error) {
	var entities []Entity
	err := r.db.SelectContext(ctx, &entities, `
		SELECT id, tenant_id, source_page_id, entity_type, name, normalized_name,
		       normalized_name_soundex, description, extraction_method, confidence,
		       is_canonical, is_alias_of, graph_node_id, synced_to_graph
		FROM extracted_entities
		WHERE tenant_id = $1 AND is_canonical = true AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`, tenantID, afterID, limit)
	if err != nil {
		return nil, apperrors.TransientIO("readmodel.stream_canonical_entities", err)
	}
	return entities, nil
}

// CountCanonicalEntities reports how many canonical entities exist for a
// tenant, used by the batch job to size its progress reporting.
func (r *Reader) CountCanonicalEntities(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT count(*) FROM extracted_entities WHERE tenant_id = $1 AND is_canonical = true
	`, tenantID)
	if err != nil {
		return 0, apperrors.TransientIO("readmodel.count_canonical_entities", err)
	}
	return count, nil
}
