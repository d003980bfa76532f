package outbox

import (
	"context"
	"time"

	"github.com/tyevans/knowledge-mapper/internal/platform/logging"
	"github.com/tyevans/knowledge-mapper/internal/platform/resilience"
)

// Publisher is the transport an entry is handed to once claimed from the
// outbox (a projection dispatch, a queue fanout, or both).
type Publisher func(ctx context.Context, entry Entry) error

// Loop is the single-writer outbox drain: poll, attempt to publish each
// pending row, mark it published or failed.
type Loop struct {
	store     Store
	publish   Publisher
	log       *logging.Logger
	batchSize int
	interval  time.Duration
}

// NewLoop constructs a Loop polling batchSize rows every interval.
func NewLoop(store Store, publish Publisher, log *logging.Logger, batchSize int, interval time.Duration) *Loop {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Loop{store: store, publish: publish, log: log, batchSize: batchSize, interval: interval}
}

// Run drains the outbox until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.drainOnce(ctx); err != nil {
				return err
			}
		}
	}
}

func (l *Loop) drainOnce(ctx context.Context) error {
	entries, err := l.store.Poll(ctx, l.batchSize)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		publishErr := resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
			return l.publish(ctx, entry)
		})

		if publishErr != nil {
			l.log.LogOutboxPublish(ctx, entry.EventID.String(), publishErr)
			if err := l.store.MarkFailed(ctx, entry.ID, publishErr); err != nil {
				return err
			}
			continue
		}

		l.log.LogOutboxPublish(ctx, entry.EventID.String(), nil)
		if err := l.store.MarkPublished(ctx, entry.ID); err != nil {
			return err
		}
	}
	return nil
}
