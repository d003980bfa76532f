// Package aggregate provides the generic event-sourced aggregate
// repository (C3): load/load_or_create/save/exists/get_version, replaying
// a stream through a type-indexed apply dispatch and committing commands'
// emitted events transactionally alongside their outbox rows.
package aggregate

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/tyevans/knowledge-mapper/internal/eventstore"
	"github.com/tyevans/knowledge-mapper/internal/outbox"
	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
	"github.com/tyevans/knowledge-mapper/internal/platform/logging"
)

// Aggregate is the shape every event-sourced aggregate must implement so
// the generic Repository can replay and persist it.
type Aggregate interface {
	// AggregateID returns the aggregate's identity.
	AggregateID() uuid.UUID
	// AggregateType returns the stream's discriminator, e.g. "ExtractionProcess".
	AggregateType() string
	// Version returns the number of events folded into the aggregate so far.
	Version() int
	// Apply folds a single historical or just-emitted event into state. It
	// must fail loudly on an unrecognized event_type rather than skip it.
	Apply(evt eventstore.Event) error
	// UncommittedEvents returns events emitted by commands since the last
	// save, in emission order.
	UncommittedEvents() []eventstore.Event
	// ClearUncommitted resets the uncommitted-events buffer after a
	// successful save.
	ClearUncommitted()
}

// Factory constructs a zero-version aggregate with the given identity,
// ready to have historical events applied or commands invoked.
type Factory[T Aggregate] func(id uuid.UUID) T

// Repository is the generic event-sourced aggregate repository.
type Repository[T Aggregate] struct {
	db      *sql.DB
	events  eventstore.Store
	outbox  outbox.Store
	newZero Factory[T]
	log     *logging.Logger
}

// NewRepository constructs a Repository for aggregate type T.
func NewRepository[T Aggregate](db *sql.DB, events eventstore.Store, ob outbox.Store, newZero Factory[T], log *logging.Logger) *Repository[T] {
	return &Repository[T]{db: db, events: events, outbox: ob, newZero: newZero, log: log}
}

// Load replays id's full stream. It fails with apperrors.NotFound if the
// stream is empty.
func (r *Repository[T]) Load(ctx context.Context, id uuid.UUID) (T, error) {
	agg, version, err := r.load(ctx, id)
	if err != nil {
		var zero T
		return zero, err
	}
	if version == 0 {
		var zero T
		return zero, apperrors.NotFound(agg.AggregateType(), id.String())
	}
	return agg, nil
}

// LoadOrCreate replays id's stream if present, or returns a fresh
// zero-version aggregate otherwise.
func (r *Repository[T]) LoadOrCreate(ctx context.Context, id uuid.UUID) (T, error) {
	return r.load(ctx, id)
}

func (r *Repository[T]) load(ctx context.Context, id uuid.UUID) (T, int, error) {
	agg := r.newZero(id)
	events, version, err := r.events.Load(ctx, id, agg.AggregateType())
	if err != nil {
		var zero T
		return zero, 0, err
	}
	for _, evt := range events {
		if err := agg.Apply(evt); err != nil {
			var zero T
			return zero, 0, apperrors.Wrap(apperrors.KindIntegrity, "replay failed on unknown or invalid event", err)
		}
	}
	return agg, version, nil
}

// Exists reports whether id has any events at all.
func (r *Repository[T]) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	_, version, err := r.load(ctx, id)
	if err != nil {
		return false, err
	}
	return version > 0, nil
}

// GetVersion returns id's current stream version (0 if absent).
func (r *Repository[T]) GetVersion(ctx context.Context, id uuid.UUID) (int, error) {
	_, version, err := r.load(ctx, id)
	return version, err
}

// Save appends agg's uncommitted events with
// expected_version = agg.Version() - len(uncommitted), in the same
// transaction as their outbox rows. On success it clears the uncommitted
// buffer.
func (r *Repository[T]) Save(ctx context.Context, agg T) error {
	pending := agg.UncommittedEvents()
	if len(pending) == 0 {
		return nil
	}
	expectedVersion := agg.Version() - len(pending)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.TransientIO("aggregate.save.begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := eventstore.AppendInTx(ctx, tx, agg.AggregateID(), agg.AggregateType(), pending, expectedVersion); err != nil {
		return err
	}
	if err := r.outbox.InsertInTx(ctx, tx, pending); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.TransientIO("aggregate.save.commit", err)
	}

	r.log.LogAppend(ctx, agg.AggregateType(), expectedVersion, agg.Version(), len(pending))
	agg.ClearUncommitted()
	return nil
}
