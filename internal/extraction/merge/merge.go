// Package merge is C8: combines per-chunk entity and relationship lists
// produced by extraction into one deduplicated set per document.
package merge

import (
	"context"
	"sort"
	"strings"

	"github.com/xrash/smetrics"
)

// ChunkEntity is one entity as extracted from a single chunk, before
// cross-chunk merging. ChunkIndex and SourceText carry the chunk
// provenance used to disambiguate name collisions.
type ChunkEntity struct {
	ChunkIndex     int
	Name           string
	Type           string
	NormalizedName string
	Description    string
	Confidence     float64
	SourceText     string
	Properties     map[string]any
}

// ChunkRelationship is one relationship as extracted from a single chunk.
type ChunkRelationship struct {
	ChunkIndex       int
	SourceEntityName string
	TargetEntityName string
	RelationshipType string
	Confidence       float64
	Context          string
}

// Thresholds controls the two-pass merge: names scoring at or above High
// merge automatically; names scoring in [Low, High) are ambiguous and
// deferred to the Resolver.
type Thresholds struct {
	High float64
	Low  float64
}

// DefaultThresholds matches the teacher's conservative defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{High: 0.90, Low: 0.70}
}

// Decision is a tiebreaker verdict for one ambiguous candidate pair.
type Decision struct {
	ShouldMerge bool
	MergedName  string
	Confidence  float64
	Reasoning   string
}

// Candidate is an ambiguous entity pair handed to the Resolver.
type Candidate struct {
	A, B       ChunkEntity
	Similarity float64
}

// Resolver adjudicates ambiguous candidates the simple pass could not
// confidently decide, typically backed by an LLM call. Implementations
// must be conservative: an error or an unconfident response should resolve
// to ShouldMerge=false.
type Resolver interface {
	Resolve(ctx context.Context, candidates []Candidate) ([]Decision, error)
}

// Merger runs the two-pass cross-chunk merge.
type Merger struct {
	thresholds Thresholds
	resolver   Resolver
	batchSize  int
}

// New constructs a Merger. resolver may be nil, in which case ambiguous
// candidates are never merged (a conservative no-op tiebreaker).
func New(thresholds Thresholds, resolver Resolver) *Merger {
	return &Merger{thresholds: thresholds, resolver: resolver, batchSize: 10}
}

// Merge combines entities and relationships across chunks into a
// deduplicated set, running the LLM tiebreaker pass only over
// ambiguous-band candidates that survive the simple pass.
func (m *Merger) Merge(ctx context.Context, entities []ChunkEntity, relationships []ChunkRelationship) ([]ChunkEntity, []ChunkRelationship, error) {
	simpleMerged := m.simplePass(entities)

	if m.resolver != nil {
		candidates := m.findAmbiguousCandidates(simpleMerged)
		if len(candidates) > 0 {
			decisions, err := m.resolveInBatches(ctx, candidates)
			if err != nil {
				return nil, nil, err
			}
			simpleMerged = applyDecisions(simpleMerged, candidates, decisions)
		}
	}

	mergedRels := mergeRelationships(relationships, simpleMerged)
	return simpleMerged, mergedRels, nil
}

// simplePass merges entities whose normalized names score at or above the
// high threshold and whose types match, keeping the representative with
// the higher confidence, then the longer canonical name.
func (m *Merger) simplePass(entities []ChunkEntity) []ChunkEntity {
	var merged []ChunkEntity

	for _, e := range entities {
		placed := false
		for i, existing := range merged {
			if existing.Type != e.Type {
				continue
			}
			sim := smetrics.JaroWinkler(strings.ToLower(existing.NormalizedName), strings.ToLower(e.NormalizedName), 0.7, 4)
			if sim >= m.thresholds.High {
				merged[i] = pickRepresentative(existing, e)
				placed = true
				break
			}
		}
		if !placed {
			merged = append(merged, e)
		}
	}
	return merged
}

func pickRepresentative(a, b ChunkEntity) ChunkEntity {
	winner, loser := a, b
	if b.Confidence > a.Confidence || (b.Confidence == a.Confidence && len(b.Name) > len(a.Name)) {
		winner, loser = b, a
	}

	merged := winner
	if merged.Properties == nil {
		merged.Properties = map[string]any{}
	}
	for k, v := range loser.Properties {
		if _, exists := merged.Properties[k]; !exists {
			merged.Properties[k] = v
		}
	}
	if len(loser.Description) > len(merged.Description) {
		merged.Description = loser.Description
	}
	return merged
}

func (m *Merger) findAmbiguousCandidates(entities []ChunkEntity) []Candidate {
	var candidates []Candidate
	seen := map[string]bool{}

	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			a, b := entities[i], entities[j]
			nameA, nameB := strings.ToLower(a.Name), strings.ToLower(b.Name)
			key := nameA + "|" + nameB
			if nameA > nameB {
				key = nameB + "|" + nameA
			}
			if seen[key] {
				continue
			}
			seen[key] = true

			sim := smetrics.JaroWinkler(nameA, nameB, 0.7, 4)
			if sim >= m.thresholds.Low && sim < m.thresholds.High {
				candidates = append(candidates, Candidate{A: a, B: b, Similarity: sim})
			}
		}
	}
	return candidates
}

func (m *Merger) resolveInBatches(ctx context.Context, candidates []Candidate) ([]Decision, error) {
	var decisions []Decision
	for start := 0; start < len(candidates); start += m.batchSize {
		end := start + m.batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch, err := m.resolver.Resolve(ctx, candidates[start:end])
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, batch...)
	}
	return decisions, nil
}

// applyDecisions unions entities across should_merge decisions using a
// union-find over lowercased names, then rebuilds one merged entity per
// group using pickRepresentative, iterated across the whole group.
func applyDecisions(entities []ChunkEntity, candidates []Candidate, decisions []Decision) []ChunkEntity {
	parent := map[string]string{}
	var find func(string) string
	find = func(x string) string {
		if _, ok := parent[x]; !ok {
			parent[x] = x
		}
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(x, y string) {
		rx, ry := find(x), find(y)
		if rx != ry {
			parent[rx] = ry
		}
	}

	for i, d := range decisions {
		if i >= len(candidates) || !d.ShouldMerge {
			continue
		}
		union(strings.ToLower(candidates[i].A.Name), strings.ToLower(candidates[i].B.Name))
	}

	groups := map[string][]ChunkEntity{}
	order := map[string]int{}
	for idx, e := range entities {
		key := find(strings.ToLower(e.Name))
		if _, seen := order[key]; !seen {
			order[key] = idx
		}
		groups[key] = append(groups[key], e)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return order[keys[i]] < order[keys[j]] })

	var out []ChunkEntity
	for _, key := range keys {
		group := groups[key]
		merged := group[0]
		for _, e := range group[1:] {
			merged = pickRepresentative(merged, e)
		}
		out = append(out, merged)
	}
	return out
}

// mergeRelationships remaps relationship endpoints onto the merged entity
// set and deduplicates parallel relationships by (source, target, type),
// keeping the highest-confidence instance.
func mergeRelationships(relationships []ChunkRelationship, merged []ChunkEntity) []ChunkRelationship {
	canonicalName := map[string]string{}
	for _, e := range merged {
		canonicalName[strings.ToLower(e.Name)] = e.Name
	}

	best := map[string]ChunkRelationship{}
	var order []string
	for _, r := range relationships {
		src, srcOK := resolveCanonical(canonicalName, r.SourceEntityName)
		tgt, tgtOK := resolveCanonical(canonicalName, r.TargetEntityName)
		if !srcOK || !tgtOK {
			continue
		}
		key := src + "|" + tgt + "|" + r.RelationshipType
		r.SourceEntityName = src
		r.TargetEntityName = tgt
		if existing, ok := best[key]; !ok || r.Confidence > existing.Confidence {
			if !ok {
				order = append(order, key)
			}
			best[key] = r
		}
	}

	out := make([]ChunkRelationship, 0, len(order))
	for _, key := range order {
		out = append(out, best[key])
	}
	return out
}

func resolveCanonical(canonicalName map[string]string, name string) (string, bool) {
	canonical, ok := canonicalName[strings.ToLower(name)]
	return canonical, ok
}
