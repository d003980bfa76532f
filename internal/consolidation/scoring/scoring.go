// Package scoring is C16: combines C14's independent similarity signals
// into one confidence score per tenant-configured weights, and routes
// that score to a merge decision.
package scoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tyevans/knowledge-mapper/internal/consolidation/similarity"
	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
)

// Feature names a scorable signal. Defined as constants so
// FeatureWeights.Normalize and Result's WeightsUsed map never drift on
// a typo'd string literal.
type Feature string

const (
	FeatureJaroWinkler       Feature = "jaro_winkler"
	FeatureNormalizedExact   Feature = "normalized_exact"
	FeatureTypeMatch         Feature = "type_match"
	FeatureEmbeddingCosine   Feature = "embedding_cosine"
	FeatureGraphNeighborhood Feature = "graph_neighborhood"
)

// FeatureWeights holds the configured (not yet normalized) weight per
// feature. Defaults match the original pipeline's DEFAULT_FEATURE_WEIGHTS.
type FeatureWeights struct {
	JaroWinkler       float64
	NormalizedExact   float64
	TypeMatch         float64
	EmbeddingCosine   float64
	GraphNeighborhood float64
}

// DefaultFeatureWeights returns the built-in weight configuration used
// when a tenant has not overridden any weight.
func DefaultFeatureWeights() FeatureWeights {
	return FeatureWeights{
		JaroWinkler:       0.15,
		NormalizedExact:   0.20,
		TypeMatch:         0.10,
		EmbeddingCosine:   0.35,
		GraphNeighborhood: 0.20,
	}
}

// FeatureWeightsFromJSON parses a tenant's feature_weights JSONB column,
// falling back to the built-in default for any feature the tenant left
// unset (or for the whole struct if raw is empty/invalid).
func FeatureWeightsFromJSON(raw []byte) FeatureWeights {
	w := DefaultFeatureWeights()
	if len(raw) == 0 {
		return w
	}
	var m map[string]float64
	if err := json.Unmarshal(raw, &m); err != nil {
		return w
	}
	if v, ok := m[string(FeatureJaroWinkler)]; ok {
		w.JaroWinkler = v
	}
	if v, ok := m[string(FeatureNormalizedExact)]; ok {
		w.NormalizedExact = v
	}
	if v, ok := m[string(FeatureTypeMatch)]; ok {
		w.TypeMatch = v
	}
	if v, ok := m[string(FeatureEmbeddingCosine)]; ok {
		w.EmbeddingCosine = v
	}
	if v, ok := m[string(FeatureGraphNeighborhood)]; ok {
		w.GraphNeighborhood = v
	}
	return w
}

func (w FeatureWeights) asMap() map[Feature]float64 {
	return map[Feature]float64{
		FeatureJaroWinkler:       w.JaroWinkler,
		FeatureNormalizedExact:   w.NormalizedExact,
		FeatureTypeMatch:         w.TypeMatch,
		FeatureEmbeddingCosine:   w.EmbeddingCosine,
		FeatureGraphNeighborhood: w.GraphNeighborhood,
	}
}

// Normalize redistributes weight across only the enabled features so
// they sum to 1.0. If every enabled weight is zero, features split the
// weight equally rather than scoring everything to zero.
func (w FeatureWeights) Normalize(enabled map[Feature]bool) map[Feature]float64 {
	all := w.asMap()
	out := make(map[Feature]float64, len(enabled))
	var total float64
	for f := range enabled {
		v := all[f]
		out[f] = v
		total += v
	}
	if len(out) == 0 {
		return out
	}
	if total == 0 {
		equal := 1.0 / float64(len(out))
		for f := range out {
			out[f] = equal
		}
		return out
	}
	for f, v := range out {
		out[f] = v / total
	}
	return out
}

// Config is a tenant's consolidation_config row: decision thresholds,
// per-feature weights, and whether the expensive Stage 3 signals run at
// all.
type Config struct {
	TenantID           uuid.UUID `db:"tenant_id"`
	AutoMergeThreshold float64   `db:"auto_merge_threshold"`
	ReviewThreshold    float64   `db:"review_threshold"`
	RejectThreshold    float64   `db:"reject_threshold"`
	FeatureWeightsRaw  []byte    `db:"feature_weights"`
	EmbeddingEnabled   bool      `db:"embedding_enabled"`
	GraphEnabled       bool      `db:"graph_enabled"`
	MaxBlockSize       int       `db:"max_block_size"`
}

// Weights parses the raw JSONB weight column.
func (c Config) Weights() FeatureWeights {
	return FeatureWeightsFromJSON(c.FeatureWeightsRaw)
}

// ConfigStore loads per-tenant consolidation configuration, falling back
// to defaults for tenants that have never customized it.
type ConfigStore struct {
	db *sqlx.DB
}

// NewConfigStore constructs a ConfigStore.
func NewConfigStore(db *sqlx.DB) *ConfigStore {
	return &ConfigStore{db: db}
}

// DefaultConfig returns the schema-level defaults for a tenant that has
// no consolidation_config row yet.
func DefaultConfig(tenantID uuid.UUID) Config {
	weights, _ := json.Marshal(map[string]float64{
		string(FeatureJaroWinkler):       0.15,
		string(FeatureNormalizedExact):   0.20,
		string(FeatureTypeMatch):         0.10,
		string(FeatureEmbeddingCosine):   0.35,
		string(FeatureGraphNeighborhood): 0.20,
	})
	return Config{
		TenantID:           tenantID,
		AutoMergeThreshold: 0.90,
		ReviewThreshold:    0.50,
		RejectThreshold:    0.20,
		FeatureWeightsRaw:  weights,
		EmbeddingEnabled:   true,
		GraphEnabled:       true,
		MaxBlockSize:       500,
	}
}

// Get loads a tenant's configuration, returning DefaultConfig when no row
// exists.
func (s *ConfigStore) Get(ctx context.Context, tenantID uuid.UUID) (Config, error) {
	var cfg Config
	err := s.db.GetContext(ctx, &cfg, `
		SELECT tenant_id, auto_merge_threshold, review_threshold, reject_threshold,
		       feature_weights, embedding_enabled, graph_enabled, max_block_size
		FROM consolidation_config WHERE tenant_id = $1
	`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultConfig(tenantID), nil
	}
	if err != nil {
		return Config{}, apperrors.TransientIO("consolidation_config.get", err)
	}
	return cfg, nil
}

// Result is one scored candidate pair: every computed raw signal, the
// weighted combination, and the resulting classification.
type Result struct {
	EntityAID uuid.UUID
	EntityBID uuid.UUID

	JaroWinkler       *float64
	NormalizedExact   *float64
	TypeMatch         *float64
	EmbeddingCosine   *float64
	GraphNeighborhood *float64

	CombinedScore  float64
	Classification string // "high", "medium", "low"
	WeightsUsed    map[Feature]float64
}

// Classification values.
const (
	ClassificationHigh   = "high"
	ClassificationMedium = "medium"
	ClassificationLow    = "low"
)

// Decision values, one per classification.
const (
	DecisionAutoMerge = "auto_merge"
	DecisionReview    = "review"
	DecisionReject    = "reject"
)

// Decision maps a classification to the action a caller should take.
func (r Result) Decision() string {
	switch r.Classification {
	case ClassificationHigh:
		return DecisionAutoMerge
	case ClassificationMedium:
		return DecisionReview
	default:
		return DecisionReject
	}
}

// Pipeline orchestrates string + optional embedding + optional graph
// scoring into one combined, classified Result per candidate pair.
type Pipeline struct {
	embedding *similarity.EmbeddingSimilarity
	graph     similarity.GraphNeighborhoodProvider
}

// NewPipeline constructs a Pipeline. embedding and graph may be nil; a
// nil component is simply treated as disabled regardless of config.
func NewPipeline(embedding *similarity.EmbeddingSimilarity, graph similarity.GraphNeighborhoodProvider) *Pipeline {
	return &Pipeline{embedding: embedding, graph: graph}
}

// ComputeCombinedScore scores one candidate pair against tenant cfg,
// running the optional embedding/graph signals only when both the
// config and the pipeline have them enabled/wired.
func (p *Pipeline) ComputeCombinedScore(ctx context.Context, tenantID uuid.UUID, a, b similarity.EntityFeatures, graphNodeA, graphNodeB string, stringScores similarity.StringScores, cfg Config) (Result, error) {
	aID, err := uuid.Parse(a.ID)
	if err != nil {
		return Result{}, apperrors.Validation("scoring.entity_a_id: not a uuid")
	}
	bID, err := uuid.Parse(b.ID)
	if err != nil {
		return Result{}, apperrors.Validation("scoring.entity_b_id: not a uuid")
	}

	result := Result{EntityAID: aID, EntityBID: bID}
	enabled := map[Feature]bool{}

	jw := stringScores.JaroWinkler
	result.JaroWinkler = &jw
	enabled[FeatureJaroWinkler] = true

	ne := stringScores.NormalizedExact
	result.NormalizedExact = &ne
	enabled[FeatureNormalizedExact] = true

	tm := stringScores.TypeMatch
	result.TypeMatch = &tm
	enabled[FeatureTypeMatch] = true

	if cfg.EmbeddingEnabled && p.embedding != nil {
		score, err := p.embedding.ComputeSimilarity(ctx, tenantID.String(), a, b)
		if err == nil {
			result.EmbeddingCosine = &score
			enabled[FeatureEmbeddingCosine] = true
		}
	}

	if cfg.GraphEnabled && p.graph != nil && graphNodeA != "" && graphNodeB != "" {
		nA, errA := p.graph.Neighborhood(ctx, tenantID.String(), graphNodeA, similarity.DefaultMaxNeighbors)
		nB, errB := p.graph.Neighborhood(ctx, tenantID.String(), graphNodeB, similarity.DefaultMaxNeighbors)
		if errA == nil && errB == nil {
			score := similarity.ComputeGraphScore(nA, nB)
			result.GraphNeighborhood = &score
			enabled[FeatureGraphNeighborhood] = true
		}
	}

	weights := cfg.Weights().Normalize(enabled)
	result.WeightsUsed = weights

	scores := map[Feature]*float64{
		FeatureJaroWinkler:       result.JaroWinkler,
		FeatureNormalizedExact:   result.NormalizedExact,
		FeatureTypeMatch:         result.TypeMatch,
		FeatureEmbeddingCosine:   result.EmbeddingCosine,
		FeatureGraphNeighborhood: result.GraphNeighborhood,
	}

	var combined float64
	for feature, weight := range weights {
		if v := scores[feature]; v != nil {
			combined += *v * weight
		}
	}
	result.CombinedScore = combined
	result.Classification = classify(combined, cfg)

	return result, nil
}

func classify(score float64, cfg Config) string {
	switch {
	case score >= cfg.AutoMergeThreshold:
		return ClassificationHigh
	case score >= cfg.ReviewThreshold:
		return ClassificationMedium
	default:
		return ClassificationLow
	}
}

// Candidate bundles one blocking candidate's pre-computed string scores
// and graph node id, the inputs ComputeBatchScores needs per row.
type Candidate struct {
	Entity      similarity.EntityFeatures
	GraphNodeID string
	StringScore similarity.StringScores
}

// ComputeBatchScores scores entity against every candidate, batching the
// embedding computation into one provider call (via
// similarity.EmbeddingSimilarity.ComputeSimilaritiesBatch) rather than
// one call per pair, then sorts the results by combined score
// descending — matching the original's compute_batch_scores.
func (p *Pipeline) ComputeBatchScores(ctx context.Context, tenantID uuid.UUID, entity similarity.EntityFeatures, entityGraphNodeID string, candidates []Candidate, cfg Config) ([]Result, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	embeddingScores := map[string]float64{}
	if cfg.EmbeddingEnabled && p.embedding != nil {
		features := make([]similarity.EntityFeatures, len(candidates))
		for i, c := range candidates {
			features[i] = c.Entity
		}
		scores, err := p.embedding.ComputeSimilaritiesBatch(ctx, tenantID.String(), entity, features)
		if err == nil {
			embeddingScores = scores
		}
	}

	graphScores := map[string]float64{}
	if cfg.GraphEnabled && p.graph != nil && entityGraphNodeID != "" {
		srcNeighborhood, err := p.graph.Neighborhood(ctx, tenantID.String(), entityGraphNodeID, similarity.DefaultMaxNeighbors)
		if err == nil {
			for _, c := range candidates {
				if c.GraphNodeID == "" {
					continue
				}
				n, err := p.graph.Neighborhood(ctx, tenantID.String(), c.GraphNodeID, similarity.DefaultMaxNeighbors)
				if err != nil {
					continue
				}
				graphScores[c.Entity.ID] = similarity.ComputeGraphScore(srcNeighborhood, n)
			}
		}
	}

	results := make([]Result, 0, len(candidates))
	weights := cfg.Weights()
	for _, c := range candidates {
		aID, err := uuid.Parse(entity.ID)
		if err != nil {
			return nil, apperrors.Validation("scoring.entity_id: not a uuid")
		}
		bID, err := uuid.Parse(c.Entity.ID)
		if err != nil {
			return nil, apperrors.Validation("scoring.candidate_id: not a uuid")
		}

		result := Result{EntityAID: aID, EntityBID: bID}
		enabled := map[Feature]bool{
			FeatureJaroWinkler:     true,
			FeatureNormalizedExact: true,
			FeatureTypeMatch:       true,
		}
		jw, ne, tm := c.StringScore.JaroWinkler, c.StringScore.NormalizedExact, c.StringScore.TypeMatch
		result.JaroWinkler, result.NormalizedExact, result.TypeMatch = &jw, &ne, &tm

		if score, ok := embeddingScores[c.Entity.ID]; ok {
			result.EmbeddingCosine = &score
			enabled[FeatureEmbeddingCosine] = true
		}
		if score, ok := graphScores[c.Entity.ID]; ok {
			result.GraphNeighborhood = &score
			enabled[FeatureGraphNeighborhood] = true
		}

		normalized := weights.Normalize(enabled)
		result.WeightsUsed = normalized

		scores := map[Feature]*float64{
			FeatureJaroWinkler:       result.JaroWinkler,
			FeatureNormalizedExact:   result.NormalizedExact,
			FeatureTypeMatch:         result.TypeMatch,
			FeatureEmbeddingCosine:   result.EmbeddingCosine,
			FeatureGraphNeighborhood: result.GraphNeighborhood,
		}
		var combined float64
		for feature, weight := range normalized {
			if v := scores[feature]; v != nil {
				combined += *v * weight
			}
		}
		result.CombinedScore = combined
		result.Classification = classify(combined, cfg)
		results = append(results, result)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].CombinedScore > results[j].CombinedScore })
	return results, nil
}
