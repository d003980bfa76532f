package similarity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeStringScoresExactMatch(t *testing.T) {
	a := EntityFeatures{Name: "Jon Snow", NormalizedName: "jon snow", EntityType: "person", SourcePageID: "p1"}
	b := EntityFeatures{Name: "Jon Snow", NormalizedName: "jon snow", EntityType: "person", SourcePageID: "p1"}

	s := ComputeStringScores(a, b)
	assert.Equal(t, 1.0, s.NormalizedExact)
	assert.Equal(t, 1.0, s.TypeMatch)
	assert.Equal(t, 1.0, s.SamePage)
	assert.InDelta(t, 1.0, s.JaroWinkler, 0.01)
	assert.InDelta(t, 1.0, s.TrigramSimilarity, 0.01)
}

func TestComputeStringScoresDifferentNames(t *testing.T) {
	a := EntityFeatures{Name: "Jon Snow", NormalizedName: "jon snow", EntityType: "person"}
	b := EntityFeatures{Name: "Daenerys Targaryen", NormalizedName: "daenerys targaryen", EntityType: "person"}

	s := ComputeStringScores(a, b)
	assert.Zero(t, s.NormalizedExact)
	assert.Less(t, s.JaroWinkler, 0.6)
}

func TestComputeStringScoresSoundexCatchesSpellingVariant(t *testing.T) {
	a := EntityFeatures{Name: "Smith"}
	b := EntityFeatures{Name: "Smyth"}

	s := ComputeStringScores(a, b)
	assert.Equal(t, 1.0, s.SoundexMatch)
}

func TestTrigramSimilarityBothEmptyIsOne(t *testing.T) {
	assert.Equal(t, 1.0, trigramSimilarity("", ""))
}

func TestTrigramSimilarityOneEmptyIsZero(t *testing.T) {
	assert.Equal(t, 0.0, trigramSimilarity("abc", ""))
}

func TestComputeGraphScoreBothEmptyIsNeutral(t *testing.T) {
	a := Neighborhood{Neighbors: map[string]bool{}, RelationshipTypes: map[string]bool{}}
	b := Neighborhood{Neighbors: map[string]bool{}, RelationshipTypes: map[string]bool{}}
	assert.Equal(t, 0.5, ComputeGraphScore(a, b))
}

func TestComputeGraphScoreIdenticalNeighborhoodsIsOne(t *testing.T) {
	a := Neighborhood{
		Neighbors:         map[string]bool{"n1": true, "n2": true},
		RelationshipTypes: map[string]bool{"WORKS_AT": true},
	}
	b := Neighborhood{
		Neighbors:         map[string]bool{"n1": true, "n2": true},
		RelationshipTypes: map[string]bool{"WORKS_AT": true},
	}
	assert.Equal(t, 1.0, ComputeGraphScore(a, b))
}

func TestComputeGraphScorePartialOverlap(t *testing.T) {
	a := Neighborhood{
		Neighbors:         map[string]bool{"n1": true, "n2": true},
		RelationshipTypes: map[string]bool{"WORKS_AT": true},
	}
	b := Neighborhood{
		Neighbors:         map[string]bool{"n1": true, "n3": true},
		RelationshipTypes: map[string]bool{"WORKS_AT": true, "LIVES_IN": true},
	}
	score := ComputeGraphScore(a, b)
	assert.Greater(t, score, 0.0)
	assert.Less(t, score, 1.0)
}

func TestSortedKeysIsDeterministic(t *testing.T) {
	m := map[string]bool{"b": true, "a": true}
	assert.Equal(t, []string{"a", "b"}, sortedKeys(m))
}

type fakeEmbeddingProvider struct {
	calls  int
	vector func(text string) []float32
}

func (f *fakeEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func hashVector(text string) []float32 {
	var sum float32
	for _, r := range text {
		sum += float32(r)
	}
	return []float32{sum, 1, 0}
}

func TestEntityToTextTruncatesLongDescription(t *testing.T) {
	f := EntityFeatures{Name: "X", EntityType: "thing", Description: string(make([]byte, 600))}
	text := EntityToText(f)
	assert.Contains(t, text, "...")
}

func TestComputeSimilarityWithoutCacheCallsProviderEachTime(t *testing.T) {
	provider := &fakeEmbeddingProvider{vector: hashVector}
	sim := NewEmbeddingSimilarity(provider, nil)

	a := EntityFeatures{ID: "a", Name: "Jon Snow"}
	b := EntityFeatures{ID: "b", Name: "Jon Snow"}

	score, err := sim.ComputeSimilarity(context.Background(), "tenant1", a, b)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 0.01)
	assert.Equal(t, 2, provider.calls)
}

type fakeVectorCache struct {
	store map[string][]float32
}

func newFakeVectorCache() *fakeVectorCache {
	return &fakeVectorCache{store: map[string][]float32{}}
}

func (c *fakeVectorCache) cacheKey(tenantID, entityID, digest string) string {
	return tenantID + ":" + entityID + ":" + digest
}

func (c *fakeVectorCache) GetBatch(ctx context.Context, tenantID string, keys map[string]string) (map[string][]float32, error) {
	out := map[string][]float32{}
	for id, digest := range keys {
		if v, ok := c.store[c.cacheKey(tenantID, id, digest)]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (c *fakeVectorCache) SetBatch(ctx context.Context, tenantID string, vectors map[string][]float32, keys map[string]string, ttl time.Duration) error {
	for id, vec := range vectors {
		c.store[c.cacheKey(tenantID, id, keys[id])] = vec
	}
	return nil
}

func (c *fakeVectorCache) Invalidate(ctx context.Context, tenantID, entityID string) error {
	for k := range c.store {
		if len(k) >= len(tenantID+":"+entityID) && k[:len(tenantID+":"+entityID)] == tenantID+":"+entityID {
			delete(c.store, k)
		}
	}
	return nil
}

func TestComputeSimilarityUsesCacheOnSecondCall(t *testing.T) {
	provider := &fakeEmbeddingProvider{vector: hashVector}
	cache := newFakeVectorCache()
	sim := NewEmbeddingSimilarity(provider, cache)

	a := EntityFeatures{ID: "a", Name: "Jon Snow"}
	b := EntityFeatures{ID: "b", Name: "Jon Snow"}

	_, err := sim.ComputeSimilarity(context.Background(), "tenant1", a, b)
	require.NoError(t, err)
	callsAfterFirst := provider.calls

	_, err = sim.ComputeSimilarity(context.Background(), "tenant1", a, b)
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, provider.calls, "second call should hit the cache, not the provider")
}

func TestComputeSimilaritiesBatchComputesOnlyMisses(t *testing.T) {
	provider := &fakeEmbeddingProvider{vector: hashVector}
	sim := NewEmbeddingSimilarity(provider, nil)

	entity := EntityFeatures{ID: "src", Name: "Jon Snow"}
	candidates := []EntityFeatures{
		{ID: "c1", Name: "Jon Snow"},
		{ID: "c2", Name: "Someone Else"},
	}

	results, err := sim.ComputeSimilaritiesBatch(context.Background(), "tenant1", entity, candidates)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.InDelta(t, 1.0, results["c1"], 0.01)
}

func TestComputeSimilaritiesBatchEmptyCandidates(t *testing.T) {
	provider := &fakeEmbeddingProvider{vector: hashVector}
	sim := NewEmbeddingSimilarity(provider, nil)

	results, err := sim.ComputeSimilaritiesBatch(context.Background(), "tenant1", EntityFeatures{ID: "src"}, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestNormalizedCosineIdenticalVectors(t *testing.T) {
	v := []float32{1, 2, 3}
	assert.InDelta(t, 1.0, normalizedCosine(v, v), 0.0001)
}

func TestNormalizedCosineOrthogonalVectors(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	assert.InDelta(t, 0.5, normalizedCosine(a, b), 0.0001)
}

func TestDigestOfIsDeterministic(t *testing.T) {
	assert.Equal(t, DigestOf("hello"), DigestOf("hello"))
	assert.NotEqual(t, DigestOf("hello"), DigestOf("world"))
}
