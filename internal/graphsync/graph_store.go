// Package graphsync maintains a labeled-property graph mirroring entity and
// relationship events, as C5 projection handlers. No graph-database client
// exists anywhere in the retrieval pack, so the graph is stored as Postgres
// adjacency tables (graph_nodes, graph_edges) behind a GraphStore interface
// shaped so a real graph driver could later replace PGGraphStore without
// touching handler code.
package graphsync

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
)

// Node is a graph-native vertex mirroring a canonical entity.
type Node struct {
	ID         string
	TenantID   string
	Name       string
	EntityType string
	Properties map[string]any
}

// Edge is a graph-native relationship between two nodes.
type Edge struct {
	ID               string
	TenantID         string
	SourceNodeID     string
	TargetNodeID     string
	RelationshipType string
	Confidence       float64
	OriginalType     *string
	TransferredFrom  *string
	SplitFrom        *string
	Properties       map[string]any
}

// GraphStore is the persistence boundary C5 handlers write through.
type GraphStore interface {
	UpsertNodeInTx(ctx context.Context, tx *sql.Tx, n Node) error
	DeleteNodeInTx(ctx context.Context, tx *sql.Tx, id, tenantID string) error
	FindNodeByName(ctx context.Context, tx *sql.Tx, tenantID, name string) (string, bool, error)
	CreateEdgeInTx(ctx context.Context, tx *sql.Tx, e Edge) error
	EdgesTouchingNode(ctx context.Context, tx *sql.Tx, tenantID, nodeID string) ([]Edge, error)
	DeleteEdgeInTx(ctx context.Context, tx *sql.Tx, id string) error
	UpdateNodePropertiesInTx(ctx context.Context, tx *sql.Tx, id, tenantID string, merge map[string]any) error
}

// PGGraphStore implements GraphStore on the graph_nodes/graph_edges tables.
type PGGraphStore struct{}

// NewPGGraphStore constructs a Postgres-adjacency-table graph store.
func NewPGGraphStore() *PGGraphStore { return &PGGraphStore{} }

func (s *PGGraphStore) UpsertNodeInTx(ctx context.Context, tx *sql.Tx, n Node) error {
	props, err := json.Marshal(n.Properties)
	if err != nil {
		return apperrors.Decoding("graph_store.upsert_node.marshal", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO graph_nodes (id, tenant_id, name, entity_type, properties, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (id, tenant_id) DO UPDATE
		SET name = EXCLUDED.name,
		    entity_type = EXCLUDED.entity_type,
		    properties = EXCLUDED.properties,
		    updated_at = now()
	`, n.ID, n.TenantID, n.Name, n.EntityType, props)
	if err != nil {
		return apperrors.TransientIO("graph_store.upsert_node", err)
	}
	return nil
}

func (s *PGGraphStore) DeleteNodeInTx(ctx context.Context, tx *sql.Tx, id, tenantID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM graph_nodes WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return apperrors.TransientIO("graph_store.delete_node", err)
	}
	return nil
}

func (s *PGGraphStore) FindNodeByName(ctx context.Context, tx *sql.Tx, tenantID, name string) (string, bool, error) {
	var id string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM graph_nodes WHERE tenant_id = $1 AND name = $2 LIMIT 1
	`, tenantID, name).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.TransientIO("graph_store.find_node_by_name", err)
	}
	return id, true, nil
}

func (s *PGGraphStore) CreateEdgeInTx(ctx context.Context, tx *sql.Tx, e Edge) error {
	props, err := json.Marshal(e.Properties)
	if err != nil {
		return apperrors.Decoding("graph_store.create_edge.marshal", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO graph_edges
			(id, tenant_id, source_node_id, target_node_id, relationship_type, confidence,
			 original_type, transferred_from, split_from, properties, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, now())
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.TenantID, e.SourceNodeID, e.TargetNodeID, e.RelationshipType, e.Confidence,
		e.OriginalType, e.TransferredFrom, e.SplitFrom, props)
	if err != nil {
		return apperrors.TransientIO("graph_store.create_edge", err)
	}
	return nil
}

func (s *PGGraphStore) EdgesTouchingNode(ctx context.Context, tx *sql.Tx, tenantID, nodeID string) ([]Edge, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, tenant_id, source_node_id, target_node_id, relationship_type, confidence,
		       original_type, transferred_from, split_from, properties
		FROM graph_edges
		WHERE tenant_id = $1 AND (source_node_id = $2 OR target_node_id = $2)
	`, tenantID, nodeID)
	if err != nil {
		return nil, apperrors.TransientIO("graph_store.edges_touching_node", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		var props []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.SourceNodeID, &e.TargetNodeID, &e.RelationshipType,
			&e.Confidence, &e.OriginalType, &e.TransferredFrom, &e.SplitFrom, &props); err != nil {
			return nil, apperrors.TransientIO("graph_store.edges_touching_node.scan", err)
		}
		if len(props) > 0 {
			_ = json.Unmarshal(props, &e.Properties)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.TransientIO("graph_store.edges_touching_node.rows", err)
	}
	return edges, nil
}

func (s *PGGraphStore) DeleteEdgeInTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM graph_edges WHERE id = $1`, id)
	if err != nil {
		return apperrors.TransientIO("graph_store.delete_edge", err)
	}
	return nil
}

func (s *PGGraphStore) UpdateNodePropertiesInTx(ctx context.Context, tx *sql.Tx, id, tenantID string, merge map[string]any) error {
	merged, err := json.Marshal(merge)
	if err != nil {
		return apperrors.Decoding("graph_store.update_node_properties.marshal", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE graph_nodes
		SET properties = properties || $3::jsonb, updated_at = now()
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID, merged)
	if err != nil {
		return apperrors.TransientIO("graph_store.update_node_properties", err)
	}
	return nil
}
