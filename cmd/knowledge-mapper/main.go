// Command knowledge-mapper runs the event-sourced knowledge-mapping core:
// the projection runtime (graph sync + read model), the transactional
// outbox publisher, and the scheduled consolidation sweep, behind a thin
// ops HTTP surface. It has no job-intake API of its own — scraping jobs
// and extraction commands are submitted by an application service that
// links this core in as a library; this binary only drives its
// background processes and exposes operational visibility into them.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tyevans/knowledge-mapper/internal/consolidation/batch"
	"github.com/tyevans/knowledge-mapper/internal/consolidation/blocking"
	"github.com/tyevans/knowledge-mapper/internal/consolidation/merge"
	"github.com/tyevans/knowledge-mapper/internal/consolidation/review"
	"github.com/tyevans/knowledge-mapper/internal/consolidation/scoring"
	"github.com/tyevans/knowledge-mapper/internal/consolidation/similarity"
	"github.com/tyevans/knowledge-mapper/internal/eventstore"
	"github.com/tyevans/knowledge-mapper/internal/graphsync"
	"github.com/tyevans/knowledge-mapper/internal/llm/breaker"
	"github.com/tyevans/knowledge-mapper/internal/llm/provider"
	"github.com/tyevans/knowledge-mapper/internal/metrics"
	"github.com/tyevans/knowledge-mapper/internal/outbox"
	"github.com/tyevans/knowledge-mapper/internal/platform/config"
	"github.com/tyevans/knowledge-mapper/internal/platform/database"
	"github.com/tyevans/knowledge-mapper/internal/platform/logging"
	"github.com/tyevans/knowledge-mapper/internal/platform/migrations"
	"github.com/tyevans/knowledge-mapper/internal/projection"
	"github.com/tyevans/knowledge-mapper/internal/readmodel"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"
)

func main() {
	log := logging.NewFromEnv("knowledge-mapper")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("main.config_load_failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Postgres)
	if err != nil {
		log.WithError(err).Fatal("main.database_open_failed")
	}
	defer db.Close()

	if err := migrations.Apply(db); err != nil {
		log.WithError(err).Fatal("main.migrations_failed")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	sqlxDB := sqlx.NewDb(db, "postgres")

	metricsReg := metrics.New()
	promReg := prometheus.NewRegistry()
	if err := metricsReg.Register(promReg); err != nil {
		log.WithError(err).Fatal("main.metrics_register_failed")
	}

	events := eventstore.NewPGStore(db)
	outboxStore := outbox.NewPGStore(db)
	hub := newOpsHub(log)

	publisher := func(ctx context.Context, entry outbox.Entry) error {
		switch entry.EventType {
		case "BatchConsolidationStarted", "BatchConsolidationProgress", "BatchConsolidationCompleted", "BatchConsolidationFailed":
			hub.broadcast(map[string]any{
				"event_type":   entry.EventType,
				"aggregate_id": entry.AggregateID,
				"tenant_id":    entry.TenantID,
				"payload":      string(entry.Payload),
				"published_at": time.Now().UTC(),
			})
		}
		metricsReg.OutboxPublished.WithLabelValues("ok").Inc()
		return nil
	}
	outboxLoop := outbox.NewLoop(outboxStore, publisher, log, 100, time.Second)

	graphHandlers := graphsync.New(graphsync.NewPGGraphStore(), log)
	readModelHandlers := readmodel.New()
	checkpoints := projection.NewPGCheckpointStore(db)
	dlq := projection.NewPGDeadLetterStore()
	runtime := projection.NewRuntime(db, events, checkpoints, dlq, log)

	breakerStore := breaker.NewRedisStore(redisClient)
	breakerCfg := breaker.Config{
		FailureThreshold: cfg.Provider.BreakerFailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.Provider.BreakerRecoverySeconds) * time.Second,
		HalfOpenMaxCalls: int64(cfg.Provider.BreakerHalfOpenMax),
		KeyPrefix:        "inference_breaker",
	}
	inferenceBreaker := breaker.New(breakerStore, breakerCfg, log)

	embeddingProvider := provider.NewVoyageEmbeddingProvider(cfg.Provider.VoyageAPIKey, cfg.Provider.EmbeddingModel, inferenceBreaker)
	vectorCache := similarity.NewRedisVectorCache(redisClient)
	embeddingSimilarity := similarity.NewEmbeddingSimilarity(embeddingProvider, vectorCache)
	graphNeighborhoods := similarity.NewPGGraphNeighborhoodProvider(db)

	blockingEngine := blocking.New(sqlxDB, blocking.DefaultConfig())
	scoringPipeline := scoring.NewPipeline(embeddingSimilarity, graphNeighborhoods)
	configStore := scoring.NewConfigStore(sqlxDB)
	mergeService := merge.New(db, events, outboxStore)
	reviewQueue := review.New(sqlxDB, mergeService)
	reader := readmodel.NewReader(sqlxDB)

	batchService := batch.New(reader, blockingEngine, scoringPipeline, configStore, mergeService, reviewQueue, events, outboxStore, db, log)
	batchService.OnRunComplete = func(summary batch.Summary, err error) {
		result := "ok"
		if err != nil {
			result = "failed"
		}
		metricsReg.BatchRunsTotal.WithLabelValues(result).Inc()
		metricsReg.BatchEntitiesScanned.Add(float64(summary.EntitiesScanned))
		metricsReg.BatchMergesApplied.Add(float64(summary.MergesApplied))
		metricsReg.BatchReviewsQueued.Add(float64(summary.ReviewsQueued))
		metricsReg.BatchRunDuration.Observe(summary.Duration.Seconds())
	}
	scheduler := batch.NewScheduler(batchService, listConsolidationTenants(db), cfg.Batch.Concurrency, log)
	if err := scheduler.Start(cfg.Batch.CronSchedule); err != nil {
		log.WithError(err).Fatal("main.scheduler_start_failed")
	}
	defer scheduler.Stop()

	router := buildRouter(db, hub, promReg)
	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runtime.Run(ctx, []projection.Projection{
			{Name: "graphsync", Handlers: graphHandlers.Register(), BatchSize: 100},
			{Name: "readmodel", Handlers: readModelHandlers.Register(), BatchSize: 100},
		})
	})
	g.Go(func() error {
		return outboxLoop.Run(ctx)
	})
	g.Go(func() error {
		log.WithField("addr", cfg.HTTP.Addr).Info("main.http_listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		pollBreakerState(ctx, inferenceBreaker, metricsReg)
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("main.fatal_error")
	}
	log.Info("main.shutdown_complete")
}

// listConsolidationTenants returns a batch.TenantLister that discovers
// every tenant with at least one canonical entity, since no tenant
// registry exists in this core's own storage (tenant resolution happens
// upstream of it).
func listConsolidationTenants(db *sql.DB) batch.TenantLister {
	return func(ctx context.Context) ([]uuid.UUID, error) {
		rows, err := db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM extracted_entities WHERE is_canonical = true`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var tenants []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			tenants = append(tenants, id)
		}
		return tenants, rows.Err()
	}
}

// pollBreakerState periodically samples the inference breaker's state into
// the breaker_state gauge, since the breaker itself has no publish hook.
func pollBreakerState(ctx context.Context, brk *breaker.Breaker, reg *metrics.Registry) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, err := brk.GetState(ctx)
			if err != nil {
				continue
			}
			reg.BreakerState.WithLabelValues("inference").Set(breakerStateValue(state))
		}
	}
}

func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func buildRouter(db *sql.DB, hub *opsHub, promReg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	r.Get("/ops/consolidation/stream", hub.ServeHTTP)

	return r
}
