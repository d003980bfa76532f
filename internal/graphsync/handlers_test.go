package graphsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyevans/knowledge-mapper/internal/aggregate"
	"github.com/tyevans/knowledge-mapper/internal/eventstore"
	"github.com/tyevans/knowledge-mapper/internal/platform/logging"
)

// fakeGraphStore is an in-memory GraphStore used to exercise handler logic
// without pinning down SQL call order across map iteration.
type fakeGraphStore struct {
	nodes map[string]Node
	edges map[string]Edge
}

func newFakeGraphStore() *fakeGraphStore {
	return &fakeGraphStore{nodes: map[string]Node{}, edges: map[string]Edge{}}
}

func (f *fakeGraphStore) UpsertNodeInTx(ctx context.Context, tx *sql.Tx, n Node) error {
	f.nodes[n.ID] = n
	return nil
}

func (f *fakeGraphStore) DeleteNodeInTx(ctx context.Context, tx *sql.Tx, id, tenantID string) error {
	delete(f.nodes, id)
	return nil
}

func (f *fakeGraphStore) FindNodeByName(ctx context.Context, tx *sql.Tx, tenantID, name string) (string, bool, error) {
	for id, n := range f.nodes {
		if n.TenantID == tenantID && n.Name == name {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (f *fakeGraphStore) CreateEdgeInTx(ctx context.Context, tx *sql.Tx, e Edge) error {
	f.edges[e.ID] = e
	return nil
}

func (f *fakeGraphStore) EdgesTouchingNode(ctx context.Context, tx *sql.Tx, tenantID, nodeID string) ([]Edge, error) {
	var out []Edge
	for _, e := range f.edges {
		if e.TenantID == tenantID && (e.SourceNodeID == nodeID || e.TargetNodeID == nodeID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeGraphStore) DeleteEdgeInTx(ctx context.Context, tx *sql.Tx, id string) error {
	delete(f.edges, id)
	return nil
}

func (f *fakeGraphStore) UpdateNodePropertiesInTx(ctx context.Context, tx *sql.Tx, id, tenantID string, merge map[string]any) error {
	n, ok := f.nodes[id]
	if !ok {
		n = Node{ID: id, TenantID: tenantID, Properties: map[string]any{}}
	}
	if n.Properties == nil {
		n.Properties = map[string]any{}
	}
	for k, v := range merge {
		n.Properties[k] = v
	}
	f.nodes[id] = n
	return nil
}

// noopTx returns a *sql.Tx backed by sqlmock for handler paths that only
// touch the GraphStore (itself faked in-memory) and never issue SQL
// directly against tx.
func noopTx(t *testing.T) *sql.Tx {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.ExpectBegin()
	mock.ExpectCommit()
	tx, err := db.Begin()
	require.NoError(t, err)
	return tx
}

func eventWith(t *testing.T, eventType string, payload any) eventstore.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return eventstore.NewEvent(uuid.New(), "ExtractionProcess", eventType, nil, raw)
}

func TestHandleEntityExtractedUpsertsNodeAndMarksSynced(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE extracted_entities`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	tx, err := db.Begin()
	require.NoError(t, err)

	graph := newFakeGraphStore()
	h := New(graph, logging.New("test", "error", "text"))

	evt := eventWith(t, aggregate.EventEntityExtracted, aggregate.EntityExtractedPayload{
		EntityID: "e1", TenantID: "t1", EntityType: "organization", Name: "ACME", NormalizedName: "acme", Confidence: 0.9, ExtractionMethod: "llm",
	})

	require.NoError(t, h.handleEntityExtracted(context.Background(), tx, evt))
	require.NoError(t, tx.Commit())

	node, ok := graph.nodes["e1"]
	require.True(t, ok)
	assert.Equal(t, "ACME", node.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleRelationshipDiscoveredSkipsWhenEntityUnresolved(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM extracted_entities`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()
	tx, err := db.Begin()
	require.NoError(t, err)

	graph := newFakeGraphStore()
	h := New(graph, logging.New("test", "error", "text"))

	evt := eventWith(t, aggregate.EventRelationshipDiscovered, aggregate.RelationshipDiscoveredPayload{
		RelationshipID: "r1", TenantID: "t1", PageID: "p1", SourceEntityName: "A", TargetEntityName: "B", RelationshipType: "RELATED_TO", ConfidenceScore: 0.8,
	})

	require.NoError(t, h.handleRelationshipDiscovered(context.Background(), tx, evt))
	require.NoError(t, tx.Commit())
	assert.Empty(t, graph.edges)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleEntitiesMergedRedirectsEdgesAndDeletesMergedNode(t *testing.T) {
	graph := newFakeGraphStore()
	graph.nodes["canonical"] = Node{ID: "canonical", TenantID: "t1", Name: "ACME"}
	graph.nodes["merged"] = Node{ID: "merged", TenantID: "t1", Name: "ACME Corp"}
	graph.nodes["other"] = Node{ID: "other", TenantID: "t1", Name: "Bob"}
	graph.edges["e1"] = Edge{ID: "e1", TenantID: "t1", SourceNodeID: "merged", TargetNodeID: "other", RelationshipType: "EMPLOYS", Confidence: 0.7}

	h := New(graph, logging.New("test", "error", "text"))
	tx := noopTx(t)

	evt := eventWith(t, aggregate.EventEntitiesMerged, aggregate.EntitiesMergedPayload{
		TenantID: "t1", CanonicalEntityID: "canonical", MergedEntityIDs: []string{"merged"}, MergeReason: "auto",
	})

	require.NoError(t, h.handleEntitiesMerged(context.Background(), tx, evt))
	require.NoError(t, tx.Commit())

	_, stillExists := graph.nodes["merged"]
	assert.False(t, stillExists)

	var redirected bool
	for _, e := range graph.edges {
		if e.SourceNodeID == "canonical" && e.TargetNodeID == "other" {
			redirected = true
		}
	}
	assert.True(t, redirected)

	canonical := graph.nodes["canonical"]
	assert.Equal(t, 1, canonical.Properties["_merged_count"])
}

func TestHandleEntitySplitCreatesNewNodesAndReassignsEdges(t *testing.T) {
	graph := newFakeGraphStore()
	graph.nodes["original"] = Node{ID: "original", TenantID: "t1", Name: "ACME Group"}
	graph.nodes["other"] = Node{ID: "other", TenantID: "t1", Name: "Bob"}
	graph.edges["e1"] = Edge{ID: "e1", TenantID: "t1", SourceNodeID: "original", TargetNodeID: "other", RelationshipType: "EMPLOYS", Confidence: 0.7}

	h := New(graph, logging.New("test", "error", "text"))
	tx := noopTx(t)

	evt := eventWith(t, aggregate.EventEntitySplit, aggregate.EntitySplitPayload{
		TenantID: "t1", OriginalEntityID: "original",
		NewEntityIDs: []string{"split-1", "split-2"}, NewEntityNames: []string{"ACME East", "ACME West"},
		SplitReason: "distinct subsidiaries",
	})

	require.NoError(t, h.handleEntitySplit(context.Background(), tx, evt))
	require.NoError(t, tx.Commit())

	_, ok1 := graph.nodes["split-1"]
	_, ok2 := graph.nodes["split-2"]
	assert.True(t, ok1)
	assert.True(t, ok2)

	var reassigned bool
	for _, e := range graph.edges {
		if e.SourceNodeID == "split-1" && e.TargetNodeID == "other" {
			reassigned = true
		}
	}
	assert.True(t, reassigned)

	original := graph.nodes["original"]
	assert.Equal(t, true, original.Properties["is_split"])
}
