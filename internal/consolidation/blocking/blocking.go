// Package blocking is C15: finds candidate entities worth scoring for
// consolidation against a given entity, without running a full O(n^2)
// pairwise comparison across a tenant's entity population. It combines
// several cheap index-backed SQL strategies behind one OR query.
package blocking

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
	"github.com/tyevans/knowledge-mapper/internal/readmodel"
)

// Strategy identifies one candidate-generation approach. Multiple
// strategies are OR-combined in a single query; a candidate may match
// more than one.
type Strategy string

const (
	StrategyPrefix     Strategy = "prefix"
	StrategyEntityType Strategy = "entity_type"
	StrategySoundex    Strategy = "soundex"
	StrategyTrigram    Strategy = "trigram"
)

// Config controls how FindCandidates builds its query.
type Config struct {
	MaxBlockSize    int
	MinPrefixLength int
	Strategies      []Strategy
}

// DefaultConfig mirrors the original engine's defaults: prefix, entity
// type, and soundex blocking enabled; trigram opt-in since pg_trgm scans
// are more expensive than the other three index lookups.
func DefaultConfig() Config {
	return Config{
		MaxBlockSize:    500,
		MinPrefixLength: 5,
		Strategies:      []Strategy{StrategyPrefix, StrategyEntityType, StrategySoundex},
	}
}

// Result is the candidate block found for one source entity.
type Result struct {
	Candidates      []readmodel.Entity
	StrategiesUsed  []Strategy
	TotalCandidates int
	Truncated       bool
	BlockSizes      map[Strategy]int
	MatchedKeys     map[string][]Strategy
}

// Engine runs blocking queries against the extracted_entities table.
type Engine struct {
	db  *sqlx.DB
	cfg Config
}

// New constructs an Engine. A zero-value Config is replaced with
// DefaultConfig.
func New(db *sqlx.DB, cfg Config) *Engine {
	if len(cfg.Strategies) == 0 {
		cfg = DefaultConfig()
	}
	if cfg.MaxBlockSize <= 0 {
		cfg.MaxBlockSize = DefaultConfig().MaxBlockSize
	}
	if cfg.MinPrefixLength <= 0 {
		cfg.MinPrefixLength = DefaultConfig().MinPrefixLength
	}
	return &Engine{db: db, cfg: cfg}
}

// candidateRow mirrors readmodel.Entity plus one match_<strategy> boolean
// per configured strategy, letting FindCandidates report which
// strategies matched each candidate without a second round trip.
type candidateRow struct {
	readmodel.Entity
	MatchPrefix     bool `db:"match_prefix"`
	MatchEntityType bool `db:"match_entity_type"`
	MatchSoundex    bool `db:"match_soundex"`
	MatchTrigram    bool `db:"match_trigram"`
}

// FindCandidates returns every candidate entity that shares a blocking
// key with entity, across the engine's configured strategies. The
// source entity itself is always excluded. A result larger than
// MaxBlockSize is truncated and Truncated is set so callers can log or
// widen the block.
func (e *Engine) FindCandidates(ctx context.Context, entity readmodel.Entity) (Result, error) {
	// args[0], args[1] are always tenant_id, self id. Each active
	// strategy appends exactly one bind value and contributes one WHERE
	// fragment plus one SELECT match_<strategy> column referencing the
	// same bind, so the two stay in lockstep by construction.
	args := []interface{}{entity.TenantID, entity.ID}
	var conditions []string
	matchCols := map[Strategy]string{
		StrategyPrefix:     "false AS match_prefix",
		StrategyEntityType: "false AS match_entity_type",
		StrategySoundex:    "false AS match_soundex",
		StrategyTrigram:    "false AS match_trigram",
	}

	addArg := func(v interface{}) int {
		args = append(args, v)
		return len(args)
	}

	for _, s := range e.cfg.Strategies {
		switch s {
		case StrategyPrefix:
			prefix := entity.NormalizedName
			if len(prefix) < e.cfg.MinPrefixLength {
				continue
			}
			prefix = prefix[:e.cfg.MinPrefixLength]
			n := addArg(prefix + "%")
			conditions = append(conditions, fmt.Sprintf("normalized_name LIKE $%d", n))
			matchCols[StrategyPrefix] = fmt.Sprintf("normalized_name LIKE $%d AS match_prefix", n)
		case StrategyEntityType:
			if entity.EntityType == "" {
				continue
			}
			n := addArg(entity.EntityType)
			conditions = append(conditions, fmt.Sprintf("entity_type = $%d", n))
			matchCols[StrategyEntityType] = fmt.Sprintf("entity_type = $%d AS match_entity_type", n)
		case StrategySoundex:
			if entity.NormalizedSoundex == "" {
				continue
			}
			n := addArg(entity.NormalizedSoundex)
			conditions = append(conditions, fmt.Sprintf("normalized_name_soundex = $%d", n))
			matchCols[StrategySoundex] = fmt.Sprintf("normalized_name_soundex = $%d AS match_soundex", n)
		case StrategyTrigram:
			if entity.NormalizedName == "" {
				continue
			}
			n := addArg(entity.NormalizedName)
			conditions = append(conditions, fmt.Sprintf("normalized_name %% $%d", n))
			matchCols[StrategyTrigram] = fmt.Sprintf("normalized_name %% $%d AS match_trigram", n)
		}
	}

	if len(conditions) == 0 {
		return Result{StrategiesUsed: e.cfg.Strategies, BlockSizes: map[Strategy]int{}, MatchedKeys: map[string][]Strategy{}}, nil
	}

	query := fmt.Sprintf(`
		SELECT id, tenant_id, source_page_id, entity_type, name, normalized_name,
		       normalized_name_soundex, description, extraction_method, confidence,
		       is_canonical, is_alias_of, graph_node_id, synced_to_graph,
		       %s, %s, %s, %s
		FROM extracted_entities
		WHERE tenant_id = $1 AND is_canonical = true AND id <> $2 AND (%s)
		LIMIT %d
	`,
		matchCols[StrategyPrefix], matchCols[StrategyEntityType], matchCols[StrategySoundex], matchCols[StrategyTrigram],
		strings.Join(conditions, " OR "),
		e.cfg.MaxBlockSize+1,
	)

	var rows []candidateRow
	if err := e.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return Result{}, apperrors.TransientIO("blocking.find_candidates", err)
	}

	truncated := len(rows) > e.cfg.MaxBlockSize
	if truncated {
		rows = rows[:e.cfg.MaxBlockSize]
	}

	result := Result{
		StrategiesUsed:  e.cfg.Strategies,
		Candidates:      make([]readmodel.Entity, 0, len(rows)),
		TotalCandidates: len(rows),
		Truncated:       truncated,
		BlockSizes:      map[Strategy]int{},
		MatchedKeys:     make(map[string][]Strategy, len(rows)),
	}
	for _, row := range rows {
		result.Candidates = append(result.Candidates, row.Entity)
		var keys []Strategy
		if row.MatchPrefix {
			keys = append(keys, StrategyPrefix)
			result.BlockSizes[StrategyPrefix]++
		}
		if row.MatchEntityType {
			keys = append(keys, StrategyEntityType)
			result.BlockSizes[StrategyEntityType]++
		}
		if row.MatchSoundex {
			keys = append(keys, StrategySoundex)
			result.BlockSizes[StrategySoundex]++
		}
		if row.MatchTrigram {
			keys = append(keys, StrategyTrigram)
			result.BlockSizes[StrategyTrigram]++
		}
		result.MatchedKeys[row.ID.String()] = keys
	}

	return result, nil
}

// Statistics summarizes a tenant's canonical-entity population for
// operator visibility into blocking effectiveness, mirroring the
// original's get_block_statistics.
type Statistics struct {
	TotalCanonical    int
	ByEntityType      map[string]int
	DistinctSoundexes int
}

// GetStatistics reports canonical entity counts by type and the number
// of distinct soundex codes in use, for tenants.
func (e *Engine) GetStatistics(ctx context.Context, tenantID uuid.UUID) (Statistics, error) {
	stats := Statistics{ByEntityType: map[string]int{}}

	var total int
	if err := e.db.GetContext(ctx, &total, `
		SELECT count(*) FROM extracted_entities WHERE tenant_id = $1 AND is_canonical = true
	`, tenantID); err != nil {
		return Statistics{}, apperrors.TransientIO("blocking.statistics.total", err)
	}
	stats.TotalCanonical = total

	rows, err := e.db.QueryContext(ctx, `
		SELECT entity_type, count(*) FROM extracted_entities
		WHERE tenant_id = $1 AND is_canonical = true GROUP BY entity_type
	`, tenantID)
	if err != nil {
		return Statistics{}, apperrors.TransientIO("blocking.statistics.by_type", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return Statistics{}, apperrors.TransientIO("blocking.statistics.scan", err)
		}
		stats.ByEntityType[t] = n
	}
	if err := rows.Err(); err != nil {
		return Statistics{}, apperrors.TransientIO("blocking.statistics.rows", err)
	}

	var distinct int
	if err := e.db.GetContext(ctx, &distinct, `
		SELECT count(DISTINCT normalized_name_soundex) FROM extracted_entities
		WHERE tenant_id = $1 AND is_canonical = true
	`, tenantID); err != nil {
		return Statistics{}, apperrors.TransientIO("blocking.statistics.distinct_soundex", err)
	}
	stats.DistinctSoundexes = distinct

	return stats, nil
}
