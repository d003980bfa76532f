// Package obslog provides zerolog-based structured logging for the
// extraction and consolidation pipelines (C7-C20), which log at a much
// higher per-chunk / per-pair volume than the event-sourcing core and
// benefit from zerolog's zero-allocation field chaining.
package obslog

import (
	"context"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with pipeline-shaped field helpers.
type Logger struct {
	zerolog.Logger
}

// New builds a Logger at the given level ("debug", "info", "warn", "error").
func New(component, level string) Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	base := zerolog.New(os.Stdout).With().Timestamp().Str("component", component).Logger().Level(lvl)
	return Logger{Logger: base}
}

// NewFromEnv builds a Logger from LOG_LEVEL, defaulting to info.
func NewFromEnv(component string) Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	return New(component, level)
}

// WithTenant returns a child logger carrying tenant_id.
func (l Logger) WithTenant(tenantID string) Logger {
	return Logger{Logger: l.Logger.With().Str("tenant_id", tenantID).Logger()}
}

// Chunk logs a chunking-pipeline event.
func (l Logger) Chunk(ctx context.Context, pageID string, index, total int, size int) {
	l.Logger.Debug().
		Str("page_id", pageID).
		Int("chunk_index", index).
		Int("chunk_count", total).
		Int("chunk_size", size).
		Msg("chunk produced")
}

// Classification logs a content-classifier decision.
func (l Logger) Classification(ctx context.Context, domain string, confidence float64, fellBack bool) {
	ev := l.Logger.Info()
	if fellBack {
		ev = l.Logger.Warn()
	}
	ev.Str("domain", domain).Float64("confidence", confidence).Bool("fallback", fellBack).Msg("classification")
}

// Candidate logs a blocking-engine candidate generation result.
func (l Logger) Candidate(ctx context.Context, sourceEntityID string, count int, truncated bool, strategies []string) {
	l.Logger.Debug().
		Str("source_entity_id", sourceEntityID).
		Int("candidate_count", count).
		Bool("truncated", truncated).
		Strs("strategies", strategies).
		Msg("blocking candidates")
}

// Score logs a combined-scoring decision for a candidate pair.
func (l Logger) Score(ctx context.Context, entityA, entityB string, combined float64, decision string) {
	l.Logger.Info().
		Str("entity_a_id", entityA).
		Str("entity_b_id", entityB).
		Float64("combined_score", combined).
		Str("decision", decision).
		Msg("consolidation decision")
}

// ProviderCall logs an outbound inference/embedding provider call outcome.
func (l Logger) ProviderCall(ctx context.Context, provider, operation string, durationMS int64, err error) {
	ev := l.Logger.Info()
	if err != nil {
		ev = l.Logger.Error().Err(err)
	}
	ev.Str("provider", provider).Str("operation", operation).Int64("duration_ms", durationMS).Msg("provider call")
}

// BatchProgress logs a batch-consolidation-job progress tick.
func (l Logger) BatchProgress(ctx context.Context, jobID string, processed, candidates, merges, reviews int) {
	l.Logger.Info().
		Str("job_id", jobID).
		Int("entities_processed", processed).
		Int("candidates_found", candidates).
		Int("merges_performed", merges).
		Int("reviews_queued", reviews).
		Msg("batch consolidation progress")
}
