// Package projection is the read-side runtime: one cooperative worker per
// projection, replaying the event store from its checkpoint, applying
// registered handlers transactionally with the checkpoint advance, and
// dead-lettering events whose handler exhausts its retries.
package projection

import (
	"context"
	"database/sql"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tyevans/knowledge-mapper/internal/eventstore"
	"github.com/tyevans/knowledge-mapper/internal/platform/logging"
	"github.com/tyevans/knowledge-mapper/internal/platform/resilience"
)

// Handler applies one event to a projection's read model within tx. It
// must be idempotent: redelivery of the same event (via retry or DLQ
// replay) must leave the read model unchanged from a single application.
type Handler func(ctx context.Context, tx *sql.Tx, evt eventstore.Event) error

// Projection is one named read-side consumer and its event-type handlers.
type Projection struct {
	Name      string
	Handlers  map[string]Handler
	BatchSize int
}

// Runtime drives a set of Projections against a shared event store.
type Runtime struct {
	db          *sql.DB
	events      eventstore.Store
	checkpoints CheckpointStore
	dlq         DeadLetterStore
	log         *logging.Logger
	pollEvery   time.Duration
}

// NewRuntime constructs a Runtime.
func NewRuntime(db *sql.DB, events eventstore.Store, checkpoints CheckpointStore, dlq DeadLetterStore, log *logging.Logger) *Runtime {
	return &Runtime{db: db, events: events, checkpoints: checkpoints, dlq: dlq, log: log, pollEvery: 500 * time.Millisecond}
}

// Run drives every projection concurrently until ctx is cancelled or one
// worker returns a non-cancellation error.
func (r *Runtime) Run(ctx context.Context, projections []Projection) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range projections {
		p := p
		g.Go(func() error { return r.runWorker(ctx, p) })
	}
	return g.Wait()
}

func (r *Runtime) runWorker(ctx context.Context, p Projection) error {
	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}

	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.drainOnce(ctx, p, batchSize); err != nil {
				return err
			}
		}
	}
}

func (r *Runtime) drainOnce(ctx context.Context, p Projection, batchSize int) error {
	cp, err := r.checkpoints.Get(ctx, p.Name)
	if err != nil {
		return err
	}

	events, err := r.events.ReadFrom(ctx, cp.LastGlobalPosition, batchSize)
	if err != nil {
		return err
	}

	for _, evt := range events {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := r.applyOne(ctx, p, evt); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) applyOne(ctx context.Context, p Projection, evt eventstore.Event) error {
	handler, ok := p.Handlers[evt.EventType]
	if !ok {
		return r.advanceCheckpointOnly(ctx, p.Name, evt)
	}

	retryErr := resilience.Retry(ctx, resilience.ProjectionRetryConfig(), func() error {
		return r.applyInTx(ctx, p.Name, evt, handler)
	})
	if retryErr == nil {
		return nil
	}

	r.log.LogDeadLetter(ctx, p.Name, evt.EventType, evt.EventID.String(), retryErr)
	return r.deadLetterAndAdvance(ctx, p.Name, evt, retryErr)
}

func (r *Runtime) applyInTx(ctx context.Context, projectionName string, evt eventstore.Event, handler Handler) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := handler(ctx, tx, evt); err != nil {
		return err
	}
	if err := r.checkpoints.AdvanceInTx(ctx, tx, projectionName, evt.GlobalPosition, evt.EventID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.log.LogCheckpoint(ctx, projectionName, evt.GlobalPosition, 1)
	return nil
}

func (r *Runtime) advanceCheckpointOnly(ctx context.Context, projectionName string, evt eventstore.Event) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := r.checkpoints.AdvanceInTx(ctx, tx, projectionName, evt.GlobalPosition, evt.EventID); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Runtime) deadLetterAndAdvance(ctx context.Context, projectionName string, evt eventstore.Event, handlerErr error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := r.dlq.InsertInTx(ctx, tx, projectionName, evt, handlerErr); err != nil {
		return err
	}
	if err := r.checkpoints.AdvanceInTx(ctx, tx, projectionName, evt.GlobalPosition, evt.EventID); err != nil {
		return err
	}
	return tx.Commit()
}
