// Package batch is C20: the scheduled, tenant-wide consolidation sweep.
// It streams every canonical entity for a tenant through C15 blocking,
// C16 scoring, and C17 merge/C18 review, tolerating per-entity failures
// so one bad row never aborts the run, and reports progress via the same
// direct event-append idiom C17 uses (there is no stateful aggregate for
// a batch run either — only a running tally this package keeps in memory
// and periodically checkpoints as events).
package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/tyevans/knowledge-mapper/internal/aggregate"
	"github.com/tyevans/knowledge-mapper/internal/consolidation/blocking"
	"github.com/tyevans/knowledge-mapper/internal/consolidation/merge"
	"github.com/tyevans/knowledge-mapper/internal/consolidation/review"
	"github.com/tyevans/knowledge-mapper/internal/consolidation/scoring"
	"github.com/tyevans/knowledge-mapper/internal/consolidation/similarity"
	"github.com/tyevans/knowledge-mapper/internal/eventstore"
	"github.com/tyevans/knowledge-mapper/internal/outbox"
	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
	"github.com/tyevans/knowledge-mapper/internal/platform/logging"
	"github.com/tyevans/knowledge-mapper/internal/readmodel"
)

// PageSize is the default number of canonical entities streamed per
// StreamCanonicalEntities call.
const PageSize = 200

// Summary is what one tenant's run produced.
type Summary struct {
	BatchID         uuid.UUID
	EntitiesScanned int
	MergesApplied   int
	ReviewsQueued   int
	Failures        int
	Duration        time.Duration
}

// Service runs the scheduled consolidation sweep for one or more tenants.
type Service struct {
	reader   *readmodel.Reader
	blocking *blocking.Engine
	pipeline *scoring.Pipeline
	configs  *scoring.ConfigStore
	merge    *merge.Service
	review   *review.Queue
	events   eventstore.Store
	outbox   outbox.Store
	db       *sql.DB
	log      *logging.Logger

	// OnRunComplete, if set, is called once per Run with the final summary
	// and error (nil on success). Intended for metrics reporting; callers
	// must not block or panic in it.
	OnRunComplete func(Summary, error)
}

// New constructs a Service from its already-wired collaborators.
func New(
	reader *readmodel.Reader,
	blockingEngine *blocking.Engine,
	pipeline *scoring.Pipeline,
	configs *scoring.ConfigStore,
	mergeService *merge.Service,
	reviewQueue *review.Queue,
	events eventstore.Store,
	ob outbox.Store,
	db *sql.DB,
	log *logging.Logger,
) *Service {
	return &Service{
		reader: reader, blocking: blockingEngine, pipeline: pipeline, configs: configs,
		merge: mergeService, review: reviewQueue, events: events, outbox: ob, db: db, log: log,
	}
}

// Run sweeps every canonical entity belonging to tenantID once, scoring
// it against its blocking candidates and routing each pair to auto-merge,
// review, or rejection per the tenant's consolidation_config thresholds.
// A failure scoring or merging one entity is recorded and the sweep
// continues with the next; only a failure to count the tenant's entities,
// load its consolidation config, or stream entities at all (a database
// outage) aborts the run early.
func (s *Service) Run(ctx context.Context, tenantID uuid.UUID) (summary Summary, err error) {
	start := time.Now()
	batchID := uuid.New()
	summary = Summary{BatchID: batchID}

	if s.OnRunComplete != nil {
		defer func() { s.OnRunComplete(summary, err) }()
	}

	total, err := s.reader.CountCanonicalEntities(ctx, tenantID)
	if err != nil {
		return summary, err
	}
	s.appendBatchEvent(ctx, tenantID, batchID, aggregate.EventBatchConsolidationStarted, aggregate.BatchConsolidationStartedPayload{
		TenantID: tenantID.String(), BatchID: batchID.String(), TotalEntities: total, StartedAt: start.Format(time.RFC3339),
	})

	cfg, err := s.configs.Get(ctx, tenantID)
	if err != nil {
		return summary, err
	}

	afterID := uuid.Nil
	for {
		var page []readmodel.Entity
		page, err = s.reader.StreamCanonicalEntities(ctx, tenantID, afterID, PageSize)
		if err != nil {
			s.appendBatchEvent(ctx, tenantID, batchID, aggregate.EventBatchConsolidationFailed, aggregate.BatchConsolidationFailedPayload{
				TenantID: tenantID.String(), BatchID: batchID.String(), ErrorMessage: err.Error(),
			})
			return summary, err
		}
		if len(page) == 0 {
			break
		}

		for _, entity := range page {
			if err := s.processEntity(ctx, tenantID, entity, cfg, &summary); err != nil {
				summary.Failures++
				s.log.WithField("entity_id", entity.ID).WithError(err).Warn("consolidation: failed scoring entity")
			}
			summary.EntitiesScanned++
		}

		afterID = page[len(page)-1].ID
		s.appendBatchEvent(ctx, tenantID, batchID, aggregate.EventBatchConsolidationProgress, aggregate.BatchConsolidationProgressPayload{
			TenantID: tenantID.String(), BatchID: batchID.String(), EntitiesScanned: summary.EntitiesScanned,
			MergesApplied: summary.MergesApplied, ReviewsQueued: summary.ReviewsQueued, Failures: summary.Failures,
		})

		if len(page) < PageSize {
			break
		}
	}

	summary.Duration = time.Since(start)
	s.appendBatchEvent(ctx, tenantID, batchID, aggregate.EventBatchConsolidationCompleted, aggregate.BatchConsolidationCompletedPayload{
		TenantID: tenantID.String(), BatchID: batchID.String(), EntitiesScanned: summary.EntitiesScanned,
		MergesApplied: summary.MergesApplied, ReviewsQueued: summary.ReviewsQueued, Failures: summary.Failures,
		DurationMS: summary.Duration.Milliseconds(), CompletedAt: time.Now().Format(time.RFC3339),
	})
	return summary, nil
}

// RunAll sweeps every tenant in tenantIDs concurrently, bounded by
// concurrency, tolerating one tenant's failure without aborting the
// others — mirroring the projection runtime's one-worker-per-consumer
// errgroup fan-out.
func (s *Service) RunAll(ctx context.Context, tenantIDs []uuid.UUID, concurrency int) ([]Summary, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	summaries := make([]Summary, len(tenantIDs))
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, concurrency)

	for i, tenantID := range tenantIDs {
		i, tenantID := i, tenantID
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			summary, err := s.Run(gctx, tenantID)
			summaries[i] = summary
			if err != nil {
				s.log.WithField("tenant_id", tenantID).WithError(err).Error("consolidation: tenant sweep failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summaries, err
	}
	return summaries, nil
}

func (s *Service) processEntity(ctx context.Context, tenantID uuid.UUID, entity readmodel.Entity, cfg scoring.Config, summary *Summary) error {
	block, err := s.blocking.FindCandidates(ctx, entity)
	if err != nil {
		return err
	}
	if len(block.Candidates) == 0 {
		return nil
	}

	entityFeatures := similarity.FeaturesOf(entity)
	candidates := make([]scoring.Candidate, 0, len(block.Candidates))
	for _, c := range block.Candidates {
		candidateFeatures := similarity.FeaturesOf(c)
		graphNode := ""
		if c.GraphNodeID != nil {
			graphNode = *c.GraphNodeID
		}
		candidates = append(candidates, scoring.Candidate{
			Entity:      candidateFeatures,
			GraphNodeID: graphNode,
			StringScore: similarity.ComputeStringScores(entityFeatures, candidateFeatures),
		})
	}

	graphNode := ""
	if entity.GraphNodeID != nil {
		graphNode = *entity.GraphNodeID
	}
	results, err := s.pipeline.ComputeBatchScores(ctx, tenantID, entityFeatures, graphNode, candidates, cfg)
	if err != nil {
		return err
	}

	for _, result := range results {
		switch result.Decision() {
		case scoring.DecisionAutoMerge:
			if _, err := s.merge.Merge(ctx, merge.MergeRequest{
				TenantID:         tenantID,
				CanonicalID:      result.EntityAID,
				MergedID:         result.EntityBID,
				MergeReason:      "auto_merge_high_confidence",
				SimilarityScores: scoresMap(result),
			}); err != nil {
				return err
			}
			summary.MergesApplied++
		case scoring.DecisionReview:
			if _, err := s.review.Enqueue(ctx, review.EnqueueRequest{
				TenantID:         tenantID,
				EntityAID:        result.EntityAID,
				EntityBID:        result.EntityBID,
				Confidence:       result.CombinedScore,
				SimilarityScores: scoresMap(result),
			}); err != nil {
				return err
			}
			summary.ReviewsQueued++
		}
	}
	return nil
}

func scoresMap(r scoring.Result) map[string]any {
	m := map[string]any{"combined_score": r.CombinedScore, "classification": r.Classification}
	if r.JaroWinkler != nil {
		m["jaro_winkler"] = *r.JaroWinkler
	}
	if r.NormalizedExact != nil {
		m["normalized_exact"] = *r.NormalizedExact
	}
	if r.TypeMatch != nil {
		m["type_match"] = *r.TypeMatch
	}
	if r.EmbeddingCosine != nil {
		m["embedding_cosine"] = *r.EmbeddingCosine
	}
	if r.GraphNeighborhood != nil {
		m["graph_neighborhood"] = *r.GraphNeighborhood
	}
	return m
}

// appendBatchEvent appends one progress/lifecycle event in its own short
// transaction, keyed by batchID against aggregate_type
// "BatchConsolidationRun". A failure to record progress is logged, not
// returned: losing a progress checkpoint must never abort the sweep
// itself.
func (s *Service) appendBatchEvent(ctx context.Context, tenantID, batchID uuid.UUID, eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.log.WithError(err).Warn("consolidation: failed marshaling batch event payload")
		return
	}
	evt := eventstore.NewEvent(batchID, "BatchConsolidationRun", eventType, &tenantID, raw)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.log.WithError(err).Warn("consolidation: failed opening batch event transaction")
		return
	}
	defer func() { _ = tx.Rollback() }()

	var version int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE aggregate_id = $1 AND aggregate_type = $2
	`, batchID, "BatchConsolidationRun").Scan(&version); err != nil {
		s.log.WithError(err).Warn("consolidation: failed reading batch stream version")
		return
	}
	if _, err := eventstore.AppendInTx(ctx, tx, batchID, "BatchConsolidationRun", []eventstore.Event{evt}, version); err != nil {
		s.log.WithError(err).Warn("consolidation: failed appending batch event")
		return
	}
	if err := s.outbox.InsertInTx(ctx, tx, []eventstore.Event{evt}); err != nil {
		s.log.WithError(err).Warn("consolidation: failed writing batch event outbox row")
		return
	}
	if err := tx.Commit(); err != nil {
		s.log.WithError(err).Warn("consolidation: failed committing batch event")
	}
}

// TenantLister resolves which tenants a scheduled sweep should cover.
type TenantLister func(ctx context.Context) ([]uuid.UUID, error)

// Scheduler drives periodic Service.RunAll calls on a cron schedule,
// wrapping robfig/cron the way the teacher's automation trigger layer
// wraps scheduled work, minus the trigger-registry bookkeeping this
// domain has no use for.
type Scheduler struct {
	cron        *cron.Cron
	service     *Service
	listTenants TenantLister
	concurrency int
	log         *logging.Logger
}

// NewScheduler constructs a Scheduler. The schedule is passed later to
// Start as a standard 5-field cron expression (e.g. "0 */6 * * *" for
// every six hours).
func NewScheduler(service *Service, listTenants TenantLister, concurrency int, log *logging.Logger) *Scheduler {
	return &Scheduler{cron: cron.New(), service: service, listTenants: listTenants, concurrency: concurrency, log: log}
}

// Start schedules the recurring sweep and begins running it in the
// background. Call Stop to drain in-flight runs before shutdown.
func (s *Scheduler) Start(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx := context.Background()
		tenantIDs, err := s.listTenants(ctx)
		if err != nil {
			s.log.WithError(err).Error("consolidation: failed listing tenants for scheduled sweep")
			return
		}
		if _, err := s.service.RunAll(ctx, tenantIDs, s.concurrency); err != nil {
			s.log.WithError(err).Error("consolidation: scheduled sweep failed")
		}
	})
	if err != nil {
		return apperrors.Validation("batch.scheduler: invalid cron expression: " + err.Error())
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
