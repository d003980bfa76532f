// Package strategy is C12: for each scraping job, decides which
// ExtractionStrategy to materialize (legacy, schema-free extraction, or a
// domain-driven strategy built from C9+C11), classifying content via C10
// when the job asks for auto-detection.
package strategy

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tyevans/knowledge-mapper/internal/extraction/classifier"
	"github.com/tyevans/knowledge-mapper/internal/extraction/promptgen"
	"github.com/tyevans/knowledge-mapper/internal/extraction/schema"
	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
	"github.com/tyevans/knowledge-mapper/internal/platform/logging"
)

// JobMode is the extraction_strategy field of a scraping job.
type JobMode string

const (
	ModeLegacy     JobMode = "legacy"
	ModeManual     JobMode = "manual"
	ModeAutoDetect JobMode = "auto_detect"
)

// Job is the subset of a scraping job the router needs.
type Job struct {
	ID            string
	Mode          JobMode
	ContentDomain string
}

// Snapshot is persisted on the job so re-running it after a schema edit is
// reproducible.
type Snapshot struct {
	DomainID                string
	Version                 string
	EntityTypeIDs           []string
	RelationshipTypeIDs     []string
	EntityConfidence        float64
	RelationshipConfidence  float64
}

// ExtractionStrategy is what the extractor actually consumes: either the
// legacy, schema-free prompt, or a domain-driven prompt + JSON schema.
type ExtractionStrategy struct {
	IsAdaptive   bool
	DomainID     string
	SystemPrompt string
	OutputSchema promptgen.JSONSchema
	Thresholds   schema.Thresholds
}

// Legacy returns the sentinel strategy telling the extractor to use its
// default, schema-free prompt.
func Legacy() ExtractionStrategy {
	return ExtractionStrategy{IsAdaptive: false}
}

// UpdateCallback persists classification results back onto the job. It is
// invoked only for auto_detect jobs whose domain was not yet resolved, and
// a callback failure never fails the route — the strategy it already
// built is still valid.
type UpdateCallback func(ctx context.Context, jobID string, domainID string, confidence float64, snapshot Snapshot) error

// Classifier is the subset of classifier.Classifier the router needs.
type Classifier interface {
	Classify(ctx context.Context, content string) classifier.Result
}

// Registry is the subset of schema.Registry the router needs.
type Registry interface {
	ByID(domainID string) (schema.DomainSchema, error)
}

// Router routes scraping jobs to an ExtractionStrategy.
type Router struct {
	registry   Registry
	classifier Classifier
	onUpdate   UpdateCallback
	log        *logging.Logger
}

// New constructs a Router. classifier and onUpdate may be nil; a nil
// classifier makes auto_detect routing fail for jobs with no resolved
// domain, and a nil onUpdate simply skips job persistence.
func New(registry Registry, clf Classifier, onUpdate UpdateCallback, log *logging.Logger) *Router {
	return &Router{registry: registry, classifier: clf, onUpdate: onUpdate, log: log}
}

// Route picks and materializes a strategy for job given its content.
func (r *Router) Route(ctx context.Context, job Job, content string) (ExtractionStrategy, error) {
	switch job.Mode {
	case ModeLegacy:
		return Legacy(), nil
	case ModeManual:
		return r.routeManual(job)
	case ModeAutoDetect:
		return r.routeAutoDetect(ctx, job, content)
	default:
		if r.log != nil {
			r.log.WithContext(ctx).WithFields(logrus.Fields{"job_id": job.ID, "mode": string(job.Mode)}).Warn("strategy_router.unknown_strategy")
		}
		return Legacy(), nil
	}
}

func (r *Router) routeManual(job Job) (ExtractionStrategy, error) {
	if job.ContentDomain == "" {
		return ExtractionStrategy{}, apperrors.Validation(fmt.Sprintf("manual strategy requires content_domain but job %s has none", job.ID))
	}
	return r.buildFromDomain(job.ContentDomain)
}

func (r *Router) routeAutoDetect(ctx context.Context, job Job, content string) (ExtractionStrategy, error) {
	if job.ContentDomain != "" {
		return r.buildFromDomain(job.ContentDomain)
	}

	if r.classifier == nil {
		return ExtractionStrategy{}, apperrors.Validation(fmt.Sprintf("auto_detect strategy requires a classifier but none is configured for job %s", job.ID))
	}

	result := r.classifier.Classify(ctx, content)

	strategyResult, err := r.buildFromDomain(result.Domain)
	if err != nil {
		return ExtractionStrategy{}, err
	}

	if r.onUpdate != nil {
		s, err := r.registry.ByID(result.Domain)
		if err == nil {
			snapshot := snapshotOf(s)
			if updateErr := r.onUpdate(ctx, job.ID, result.Domain, result.Confidence, snapshot); updateErr != nil && r.log != nil {
				r.log.WithContext(ctx).WithFields(logrus.Fields{"job_id": job.ID}).WithError(updateErr).Warn("strategy_router.job_update_failed")
			}
		}
	}

	return strategyResult, nil
}

func (r *Router) buildFromDomain(domainID string) (ExtractionStrategy, error) {
	s, err := r.registry.ByID(domainID)
	if err != nil {
		return ExtractionStrategy{}, err
	}

	generated := promptgen.Generate(s)

	return ExtractionStrategy{
		IsAdaptive:   true,
		DomainID:     s.DomainID,
		SystemPrompt: generated.SystemPrompt,
		OutputSchema: generated.OutputSchema,
		Thresholds:   s.Thresholds,
	}, nil
}

func snapshotOf(s schema.DomainSchema) Snapshot {
	entityIDs := make([]string, 0, len(s.EntityTypes))
	for _, et := range s.EntityTypes {
		entityIDs = append(entityIDs, et.ID)
	}
	relIDs := make([]string, 0, len(s.RelationshipTypes))
	for _, rt := range s.RelationshipTypes {
		relIDs = append(relIDs, rt.ID)
	}
	return Snapshot{
		DomainID:               s.DomainID,
		Version:                s.Version,
		EntityTypeIDs:          entityIDs,
		RelationshipTypeIDs:    relIDs,
		EntityConfidence:       s.Thresholds.EntityExtraction,
		RelationshipConfidence: s.Thresholds.RelationshipExtraction,
	}
}
