package similarity

import (
	"context"
	"database/sql"

	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
)

// PGGraphNeighborhoodProvider reads neighborhoods from the same
// graph_nodes/graph_edges adjacency tables C5 (graphsync) maintains —
// there is no graph-database client anywhere in the retrieval pack, so
// graph-neighborhood similarity queries the same Postgres tables C5
// writes to, rather than a second store.
type PGGraphNeighborhoodProvider struct {
	db *sql.DB
}

// NewPGGraphNeighborhoodProvider constructs a provider over an already
// open database handle.
func NewPGGraphNeighborhoodProvider(db *sql.DB) *PGGraphNeighborhoodProvider {
	return &PGGraphNeighborhoodProvider{db: db}
}

// Neighborhood retrieves graphNodeID's combined incoming+outgoing
// neighbors and the relationship types connecting them, each capped at
// maxNeighbors rows per direction.
func (p *PGGraphNeighborhoodProvider) Neighborhood(ctx context.Context, tenantID, graphNodeID string, maxNeighbors int) (Neighborhood, error) {
	n := Neighborhood{Neighbors: map[string]bool{}, RelationshipTypes: map[string]bool{}}
	if graphNodeID == "" {
		return n, nil
	}
	if maxNeighbors <= 0 {
		maxNeighbors = DefaultMaxNeighbors
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT target_node_id AS neighbor_id, relationship_type
		FROM graph_edges
		WHERE tenant_id = $1 AND source_node_id = $2
		LIMIT $3
	`, tenantID, graphNodeID, maxNeighbors)
	if err != nil {
		return Neighborhood{}, apperrors.TransientIO("similarity.neighborhood.outgoing", err)
	}
	if err := scanNeighborRows(rows, &n); err != nil {
		return Neighborhood{}, err
	}

	rows, err = p.db.QueryContext(ctx, `
		SELECT source_node_id AS neighbor_id, relationship_type
		FROM graph_edges
		WHERE tenant_id = $1 AND target_node_id = $2
		LIMIT $3
	`, tenantID, graphNodeID, maxNeighbors)
	if err != nil {
		return Neighborhood{}, apperrors.TransientIO("similarity.neighborhood.incoming", err)
	}
	if err := scanNeighborRows(rows, &n); err != nil {
		return Neighborhood{}, err
	}

	return n, nil
}

func scanNeighborRows(rows *sql.Rows, n *Neighborhood) error {
	defer rows.Close()
	for rows.Next() {
		var neighborID, relType string
		if err := rows.Scan(&neighborID, &relType); err != nil {
			return apperrors.TransientIO("similarity.neighborhood.scan", err)
		}
		n.Neighbors[neighborID] = true
		n.RelationshipTypes[relType] = true
	}
	if err := rows.Err(); err != nil {
		return apperrors.TransientIO("similarity.neighborhood.rows", err)
	}
	return nil
}
