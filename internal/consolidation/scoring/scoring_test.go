package scoring

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyevans/knowledge-mapper/internal/consolidation/similarity"
)

func TestFeatureWeightsFromJSONFallsBackToDefaults(t *testing.T) {
	w := FeatureWeightsFromJSON(nil)
	assert.Equal(t, DefaultFeatureWeights(), w)
}

func TestFeatureWeightsFromJSONOverridesSpecifiedKeys(t *testing.T) {
	w := FeatureWeightsFromJSON([]byte(`{"jaro_winkler": 0.5}`))
	assert.Equal(t, 0.5, w.JaroWinkler)
	assert.Equal(t, DefaultFeatureWeights().EmbeddingCosine, w.EmbeddingCosine)
}

func TestNormalizeRedistributesAcrossEnabledFeatures(t *testing.T) {
	w := DefaultFeatureWeights()
	normalized := w.Normalize(map[Feature]bool{FeatureJaroWinkler: true, FeatureNormalizedExact: true})
	var sum float64
	for _, v := range normalized {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 0.0001)
}

func TestNormalizeSplitsEquallyWhenAllWeightsZero(t *testing.T) {
	w := FeatureWeights{}
	normalized := w.Normalize(map[Feature]bool{FeatureJaroWinkler: true, FeatureTypeMatch: true})
	assert.InDelta(t, 0.5, normalized[FeatureJaroWinkler], 0.0001)
	assert.InDelta(t, 0.5, normalized[FeatureTypeMatch], 0.0001)
}

func TestNormalizeEmptyEnabledReturnsEmpty(t *testing.T) {
	w := DefaultFeatureWeights()
	assert.Empty(t, w.Normalize(map[Feature]bool{}))
}

func defaultTestConfig() Config {
	return DefaultConfig(uuid.New())
}

func TestComputeCombinedScoreStringOnlyClassifiesLow(t *testing.T) {
	pipeline := NewPipeline(nil, nil)
	cfg := defaultTestConfig()
	a := similarity.EntityFeatures{ID: uuid.New().String(), Name: "Jon Snow"}
	b := similarity.EntityFeatures{ID: uuid.New().String(), Name: "Someone Else"}

	result, err := pipeline.ComputeCombinedScore(context.Background(), cfg.TenantID, a, b, "", "",
		similarity.StringScores{JaroWinkler: 0.2, NormalizedExact: 0, TypeMatch: 0}, cfg)
	require.NoError(t, err)
	assert.Equal(t, ClassificationLow, result.Classification)
	assert.Equal(t, DecisionReject, result.Decision())
	assert.Nil(t, result.EmbeddingCosine)
	assert.Nil(t, result.GraphNeighborhood)
}

func TestComputeCombinedScoreHighStringMatchClassifiesHigh(t *testing.T) {
	pipeline := NewPipeline(nil, nil)
	cfg := defaultTestConfig()
	a := similarity.EntityFeatures{ID: uuid.New().String(), Name: "Jon Snow"}
	b := similarity.EntityFeatures{ID: uuid.New().String(), Name: "Jon Snow"}

	result, err := pipeline.ComputeCombinedScore(context.Background(), cfg.TenantID, a, b, "", "",
		similarity.StringScores{JaroWinkler: 1.0, NormalizedExact: 1.0, TypeMatch: 1.0}, cfg)
	require.NoError(t, err)
	assert.Equal(t, ClassificationHigh, result.Classification)
	assert.Equal(t, DecisionAutoMerge, result.Decision())
}

type fakeEmbeddingProvider struct{}

func (fakeEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func TestComputeCombinedScoreIncludesEmbeddingWhenWired(t *testing.T) {
	embedding := similarity.NewEmbeddingSimilarity(fakeEmbeddingProvider{}, nil)
	pipeline := NewPipeline(embedding, nil)
	cfg := defaultTestConfig()

	a := similarity.EntityFeatures{ID: uuid.New().String(), Name: "A"}
	b := similarity.EntityFeatures{ID: uuid.New().String(), Name: "B"}

	result, err := pipeline.ComputeCombinedScore(context.Background(), cfg.TenantID, a, b, "", "",
		similarity.StringScores{JaroWinkler: 0.5}, cfg)
	require.NoError(t, err)
	require.NotNil(t, result.EmbeddingCosine)
	assert.InDelta(t, 1.0, *result.EmbeddingCosine, 0.01)
	assert.Contains(t, result.WeightsUsed, FeatureEmbeddingCosine)
}

func TestComputeBatchScoresSortsDescending(t *testing.T) {
	pipeline := NewPipeline(nil, nil)
	cfg := defaultTestConfig()
	entity := similarity.EntityFeatures{ID: uuid.New().String(), Name: "Jon Snow"}

	candidates := []Candidate{
		{Entity: similarity.EntityFeatures{ID: uuid.New().String()}, StringScore: similarity.StringScores{JaroWinkler: 0.2}},
		{Entity: similarity.EntityFeatures{ID: uuid.New().String()}, StringScore: similarity.StringScores{JaroWinkler: 0.9, NormalizedExact: 1.0, TypeMatch: 1.0}},
	}

	results, err := pipeline.ComputeBatchScores(context.Background(), cfg.TenantID, entity, "", candidates, cfg)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.GreaterOrEqual(t, results[0].CombinedScore, results[1].CombinedScore)
}

func TestComputeBatchScoresEmptyCandidatesReturnsNil(t *testing.T) {
	pipeline := NewPipeline(nil, nil)
	cfg := defaultTestConfig()
	results, err := pipeline.ComputeBatchScores(context.Background(), cfg.TenantID, similarity.EntityFeatures{ID: uuid.New().String()}, "", nil, cfg)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestDefaultConfigMatchesSchemaDefaults(t *testing.T) {
	cfg := DefaultConfig(uuid.New())
	assert.Equal(t, 0.90, cfg.AutoMergeThreshold)
	assert.Equal(t, 0.50, cfg.ReviewThreshold)
	assert.Equal(t, 0.20, cfg.RejectThreshold)
	assert.True(t, cfg.EmbeddingEnabled)
	assert.True(t, cfg.GraphEnabled)
	assert.Equal(t, 500, cfg.MaxBlockSize)
}
