package similarity

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/crypto/blake2b"

	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
)

// MaxDescriptionChars bounds how much of an entity's description feeds
// embedding text, matching entity_to_text's truncate-with-ellipsis shape.
const MaxDescriptionChars = 500

// DefaultEmbeddingTTL is how long a cached vector survives before the
// next lookup recomputes it.
const DefaultEmbeddingTTL = 24 * time.Hour

// EntityToText renders an entity as the text an embedding provider
// encodes: name, then bracketed type, then a truncated description.
func EntityToText(f EntityFeatures) string {
	parts := []string{f.Name}
	if f.EntityType != "" {
		parts = append(parts, fmt.Sprintf("[%s]", f.EntityType))
	}
	if f.Description != "" {
		desc := f.Description
		if len(desc) > MaxDescriptionChars {
			desc = desc[:MaxDescriptionChars] + "..."
		}
		parts = append(parts, desc)
	}
	return strings.Join(parts, " ")
}

// EmbeddingProvider is the subset of an embedding backend this package
// needs: batch-encode text into vectors.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorCache stores and retrieves embedding vectors keyed by tenant and
// entity, with bulk operations for the batch scoring path.
type VectorCache interface {
	GetBatch(ctx context.Context, tenantID string, keys map[string]string) (map[string][]float32, error)
	SetBatch(ctx context.Context, tenantID string, vectors map[string][]float32, keys map[string]string, ttl time.Duration) error
	Invalidate(ctx context.Context, tenantID, entityID string) error
}

// RedisVectorCache implements VectorCache over go-redis, storing each
// vector as a comma-joined float string under a key that folds in a
// blake2b digest of the entity's embedding text. Because the digest is
// part of the key, an entity whose name/type/description changes misses
// the old cache entry automatically instead of serving a stale vector —
// the original left this invalidation to the caller entirely; keying on
// content removes the need for an explicit invalidate call in the common
// case, while Invalidate still exists for callers who want it forced.
type RedisVectorCache struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisVectorCache wraps client for use as a VectorCache.
func NewRedisVectorCache(client *redis.Client) *RedisVectorCache {
	return &RedisVectorCache{client: client, keyPrefix: "embedding"}
}

func (c *RedisVectorCache) key(tenantID, entityID, textDigest string) string {
	return fmt.Sprintf("%s:%s:%s:%s", c.keyPrefix, tenantID, entityID, textDigest)
}

// DigestOf returns the short hex digest used as the content-addressed
// portion of a cache key for text.
func DigestOf(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}

func (c *RedisVectorCache) GetBatch(ctx context.Context, tenantID string, keys map[string]string) (map[string][]float32, error) {
	if len(keys) == 0 {
		return map[string][]float32{}, nil
	}

	entityIDs := make([]string, 0, len(keys))
	for id := range keys {
		entityIDs = append(entityIDs, id)
	}
	sort.Strings(entityIDs)

	redisKeys := make([]string, len(entityIDs))
	for i, id := range entityIDs {
		redisKeys[i] = c.key(tenantID, id, keys[id])
	}

	values, err := c.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, apperrors.TransientIO("embedding_cache.get_batch", err)
	}

	result := make(map[string][]float32, len(values))
	for i, v := range values {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		vec, err := decodeVector(str)
		if err != nil {
			continue
		}
		result[entityIDs[i]] = vec
	}
	return result, nil
}

func (c *RedisVectorCache) SetBatch(ctx context.Context, tenantID string, vectors map[string][]float32, keys map[string]string, ttl time.Duration) error {
	if len(vectors) == 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultEmbeddingTTL
	}

	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, vec := range vectors {
			pipe.Set(ctx, c.key(tenantID, id, keys[id]), encodeVector(vec), ttl)
		}
		return nil
	})
	if err != nil {
		return apperrors.TransientIO("embedding_cache.set_batch", err)
	}
	return nil
}

func (c *RedisVectorCache) Invalidate(ctx context.Context, tenantID, entityID string) error {
	pattern := fmt.Sprintf("%s:%s:%s:*", c.keyPrefix, tenantID, entityID)
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	var toDelete []string
	for iter.Next(ctx) {
		toDelete = append(toDelete, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return apperrors.TransientIO("embedding_cache.invalidate.scan", err)
	}
	if len(toDelete) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, toDelete...).Err(); err != nil {
		return apperrors.TransientIO("embedding_cache.invalidate.del", err)
	}
	return nil
}

func encodeVector(vec []float32) string {
	parts := make([]string, len(vec))
	for i, v := range vec {
		parts[i] = strconv.FormatFloat(float64(v), 'g', -1, 32)
	}
	return strings.Join(parts, ",")
}

func decodeVector(s string) ([]float32, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return nil, err
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

// EmbeddingSimilarity computes semantic similarity between entities,
// caching vectors by tenant+entity+content-digest.
type EmbeddingSimilarity struct {
	provider EmbeddingProvider
	cache    VectorCache
}

// NewEmbeddingSimilarity constructs an EmbeddingSimilarity. cache may be
// nil, in which case every lookup calls the provider.
func NewEmbeddingSimilarity(provider EmbeddingProvider, cache VectorCache) *EmbeddingSimilarity {
	return &EmbeddingSimilarity{provider: provider, cache: cache}
}

// GetEmbedding returns f's vector, using the cache when available.
func (s *EmbeddingSimilarity) GetEmbedding(ctx context.Context, tenantID string, f EntityFeatures) ([]float32, error) {
	text := EntityToText(f)
	digest := DigestOf(text)

	if s.cache != nil {
		cached, err := s.cache.GetBatch(ctx, tenantID, map[string]string{f.ID: digest})
		if err != nil {
			return nil, err
		}
		if vec, ok := cached[f.ID]; ok {
			return vec, nil
		}
	}

	vectors, err := s.provider.Embed(ctx, []string{text})
	if err != nil {
		return nil, apperrors.ProviderFailure("embedding", err)
	}
	if len(vectors) == 0 {
		return nil, apperrors.ProviderFailure("embedding", fmt.Errorf("provider returned no vectors"))
	}
	vec := vectors[0]

	if s.cache != nil {
		_ = s.cache.SetBatch(ctx, tenantID, map[string][]float32{f.ID: vec}, map[string]string{f.ID: digest}, DefaultEmbeddingTTL)
	}

	return vec, nil
}

// ComputeSimilarity returns the cosine similarity between a and b's
// embeddings, normalized from [-1,1] into [0,1].
func (s *EmbeddingSimilarity) ComputeSimilarity(ctx context.Context, tenantID string, a, b EntityFeatures) (float64, error) {
	embA, err := s.GetEmbedding(ctx, tenantID, a)
	if err != nil {
		return 0, err
	}
	embB, err := s.GetEmbedding(ctx, tenantID, b)
	if err != nil {
		return 0, err
	}
	return normalizedCosine(embA, embB), nil
}

// ComputeSimilaritiesBatch scores entity against every candidate, bulk
// loading cached vectors up front and encoding only the misses in one
// provider call, matching the original's batch shape.
func (s *EmbeddingSimilarity) ComputeSimilaritiesBatch(ctx context.Context, tenantID string, entity EntityFeatures, candidates []EntityFeatures) (map[string]float64, error) {
	if len(candidates) == 0 {
		return map[string]float64{}, nil
	}

	sourceEmb, err := s.GetEmbedding(ctx, tenantID, entity)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]string, len(candidates))
	byID := make(map[string]EntityFeatures, len(candidates))
	for _, c := range candidates {
		keys[c.ID] = DigestOf(EntityToText(c))
		byID[c.ID] = c
	}

	cached := map[string][]float32{}
	if s.cache != nil {
		cached, err = s.cache.GetBatch(ctx, tenantID, keys)
		if err != nil {
			return nil, err
		}
	}

	var toCompute []EntityFeatures
	for _, c := range candidates {
		if _, ok := cached[c.ID]; !ok {
			toCompute = append(toCompute, c)
		}
	}

	if len(toCompute) > 0 {
		texts := make([]string, len(toCompute))
		for i, c := range toCompute {
			texts[i] = EntityToText(c)
		}
		computed, err := s.provider.Embed(ctx, texts)
		if err != nil {
			return nil, apperrors.ProviderFailure("embedding", err)
		}
		toCache := make(map[string][]float32, len(toCompute))
		for i, c := range toCompute {
			if i >= len(computed) {
				break
			}
			cached[c.ID] = computed[i]
			toCache[c.ID] = computed[i]
		}
		if s.cache != nil && len(toCache) > 0 {
			_ = s.cache.SetBatch(ctx, tenantID, toCache, keys, DefaultEmbeddingTTL)
		}
	}

	results := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		vec, ok := cached[c.ID]
		if !ok {
			continue
		}
		results[c.ID] = normalizedCosine(sourceEmb, vec)
	}
	return results, nil
}

func normalizedCosine(a, b []float32) float64 {
	cos := cosineSimilarity(a, b)
	return (cos + 1) / 2
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
