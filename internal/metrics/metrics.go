// Package metrics registers the Prometheus collectors this core exposes
// at /metrics, grounded on the teacher's infrastructure/metrics package
// shape (one struct of pre-registered collectors, constructed once at
// startup and passed down to the components that increment them).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every collector this core exposes. Construct one with
// New and register it with a prometheus.Registerer at startup.
type Registry struct {
	OutboxPublished      *prometheus.CounterVec
	BatchRunsTotal       *prometheus.CounterVec
	BatchEntitiesScanned prometheus.Counter
	BatchMergesApplied   prometheus.Counter
	BatchReviewsQueued   prometheus.Counter
	BatchRunDuration     prometheus.Histogram
	BreakerState         *prometheus.GaugeVec
}

// New constructs a Registry. Collectors are unregistered until Register
// is called.
func New() *Registry {
	return &Registry{
		OutboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "knowledge_mapper_outbox_published_total",
			Help: "Outbox entries published, by result (ok/failed).",
		}, []string{"result"}),
		BatchRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "knowledge_mapper_batch_runs_total",
			Help: "Batch consolidation runs, by result (ok/failed).",
		}, []string{"result"}),
		BatchEntitiesScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "knowledge_mapper_batch_entities_scanned_total",
			Help: "Canonical entities scanned across all batch consolidation runs.",
		}),
		BatchMergesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "knowledge_mapper_batch_merges_applied_total",
			Help: "Auto-merges applied across all batch consolidation runs.",
		}),
		BatchReviewsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "knowledge_mapper_batch_reviews_queued_total",
			Help: "Review-queue items enqueued across all batch consolidation runs.",
		}),
		BatchRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "knowledge_mapper_batch_run_duration_seconds",
			Help:    "Wall-clock duration of a single tenant's batch consolidation run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "knowledge_mapper_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open), by breaker name.",
		}, []string{"breaker"}),
	}
}

// Register adds every collector in r to reg.
func (r *Registry) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		r.OutboxPublished, r.BatchRunsTotal,
		r.BatchEntitiesScanned, r.BatchMergesApplied, r.BatchReviewsQueued,
		r.BatchRunDuration, r.BreakerState,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
