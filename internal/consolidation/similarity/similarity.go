// Package similarity is C14: pairwise scoring between two candidate
// entities along three independent signals — string/phonetic, embedding
// cosine, and graph-neighborhood overlap — that C16 later combines with
// per-tenant weights.
package similarity

import (
	"context"
	"sort"
	"strings"

	"github.com/xrash/smetrics"

	"github.com/tyevans/knowledge-mapper/internal/readmodel"
)

// EntityFeatures is the subset of an entity the string/phonetic scorers
// need, trimmed from readmodel.Entity so the scorers don't depend on the
// full read-model row shape.
type EntityFeatures struct {
	ID             string
	Name           string
	NormalizedName string
	EntityType     string
	Description    string
	SourcePageID   string
}

// FeaturesOf projects a readmodel.Entity into EntityFeatures.
func FeaturesOf(e readmodel.Entity) EntityFeatures {
	f := EntityFeatures{
		ID:             e.ID.String(),
		Name:           e.Name,
		NormalizedName: e.NormalizedName,
		EntityType:     e.EntityType,
	}
	if e.Description != nil {
		f.Description = *e.Description
	}
	if e.SourcePageID != nil {
		f.SourcePageID = e.SourcePageID.String()
	}
	return f
}

// StringScores bundles the string/phonetic/contextual scores for one
// candidate pair, each in [0,1].
type StringScores struct {
	JaroWinkler       float64
	NormalizedExact   float64
	SoundexMatch      float64
	TrigramSimilarity float64
	TypeMatch         float64
	SamePage          float64
}

// ComputeStringScores is pure: string/phonetic/contextual scoring never
// touches a cache or the network.
func ComputeStringScores(a, b EntityFeatures) StringScores {
	nameA, nameB := strings.ToLower(a.Name), strings.ToLower(b.Name)

	normalizedExact := 0.0
	if a.NormalizedName != "" && a.NormalizedName == b.NormalizedName {
		normalizedExact = 1.0
	}

	soundexMatch := 0.0
	if smetrics.Soundex(a.Name) == smetrics.Soundex(b.Name) {
		soundexMatch = 1.0
	}

	typeMatch := 0.0
	if a.EntityType != "" && a.EntityType == b.EntityType {
		typeMatch = 1.0
	}

	samePage := 0.0
	if a.SourcePageID != "" && a.SourcePageID == b.SourcePageID {
		samePage = 1.0
	}

	return StringScores{
		JaroWinkler:       smetrics.JaroWinkler(nameA, nameB, 0.7, 4),
		NormalizedExact:   normalizedExact,
		SoundexMatch:      soundexMatch,
		TrigramSimilarity: trigramSimilarity(a.NormalizedName, b.NormalizedName),
		TypeMatch:         typeMatch,
		SamePage:          samePage,
	}
}

// trigramSimilarity is the Dice coefficient over character trigram sets.
// No trigram library ships anywhere in the retrieval pack (the `%`
// operator C15 uses for blocking lives in Postgres's pg_trgm extension,
// not in a Go dependency), so this scorer is a small hand-rolled
// implementation rather than a borrowed one.
func trigramSimilarity(a, b string) float64 {
	ta, tb := trigramSet(a), trigramSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1.0
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}
	shared := 0
	for t := range ta {
		if tb[t] {
			shared++
		}
	}
	return 2.0 * float64(shared) / float64(len(ta)+len(tb))
}

func trigramSet(s string) map[string]bool {
	padded := "  " + s + "  "
	runes := []rune(padded)
	set := make(map[string]bool)
	for i := 0; i+3 <= len(runes); i++ {
		set[string(runes[i:i+3])] = true
	}
	return set
}

// Neighborhood is an entity's immediate graph connections, combined across
// incoming and outgoing edges.
type Neighborhood struct {
	Neighbors         map[string]bool
	RelationshipTypes map[string]bool
}

// GraphNeighborhoodProvider retrieves an entity's neighborhood from the
// graph store.
type GraphNeighborhoodProvider interface {
	Neighborhood(ctx context.Context, tenantID, graphNodeID string, maxNeighbors int) (Neighborhood, error)
}

// DefaultMaxNeighbors caps the neighborhood fetched per entity, matching
// the original's per-direction limit.
const DefaultMaxNeighbors = 100

// ComputeGraphScore combines neighbor-set Jaccard (weight 0.7) with
// relationship-type-set Jaccard (weight 0.3). Two entities with empty
// neighborhoods score the neutral 0.5 rather than 0, since "no graph
// context yet" should not be read as "structurally dissimilar".
func ComputeGraphScore(a, b Neighborhood) float64 {
	jaccardNeighbors := jaccard(a.Neighbors, b.Neighbors)
	jaccardTypes := jaccard(a.RelationshipTypes, b.RelationshipTypes)
	return 0.7*jaccardNeighbors + 0.3*jaccardTypes
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0.5
	}
	union := map[string]bool{}
	for k := range a {
		union[k] = true
	}
	for k := range b {
		union[k] = true
	}
	if len(union) == 0 {
		return 0.0
	}
	intersection := 0
	for k := range a {
		if b[k] {
			intersection++
		}
	}
	return float64(intersection) / float64(len(union))
}

// sortedKeys is used by tests to assert set contents deterministically.
func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
