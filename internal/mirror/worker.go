package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog/log"

	"github.com/pixelmint/generation-engine/internal/history"
	"github.com/pixelmint/generation-engine/internal/metrics"
)

// Queue is the worker-side view of the mirror work queue.
type Queue interface {
	Peek(ctx context.Context, limit int) ([]Entry, error)
	Delete(ctx context.Context, entryID string) error
	BumpAttempts(ctx context.Context, entryID string) error
}

// Applier is the worker-side view of the mirror store.
type Applier interface {
	UpsertFromHistory(ctx context.Context, uid, historyID string, item *history.HistoryItem, creator CreatorInfo) error
	ApplyUpdate(ctx context.Context, historyID string, fields map[string]interface{}) error
	Remove(ctx context.Context, historyID string) error
}

// WorkerConfig tunes the queue consumer. Zero values fall back to defaults.
type WorkerConfig struct {
	// BatchSize is the maximum entries fetched per poll (default 25).
	BatchSize int
	// PollInterval is the sleep between polls in Run (default 5s).
	PollInterval time.Duration
	// RetryAttempts is the in-process retry budget per entry (default 4).
	RetryAttempts int
	// RetryDelay is the initial backoff delay, doubled per attempt (default 200ms).
	RetryDelay time.Duration
	// MaxEntryAttempts is the cross-poll failure budget before an entry is
	// dropped as poison (default 3).
	MaxEntryAttempts int
	// Clock drives backoff and poll timing; defaults to the wall clock.
	Clock clock.Clock
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 4
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	if c.MaxEntryAttempts <= 0 {
		c.MaxEntryAttempts = 3
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	return c
}

// Worker drains the mirror queue, applying entries in enqueue order and
// deleting each entry only after its mirror write durably succeeded.
//
// Ordering: within one batch, a failed entry blocks every later entry for the
// same historyId so a stale upsert can never be applied over a newer update.
// Entries for other history items proceed independently.
type Worker struct {
	queue  Queue
	mirror Applier
	cfg    WorkerConfig
}

// NewWorker creates a Worker.
func NewWorker(queue Queue, mirror Applier, cfg WorkerConfig) *Worker {
	return &Worker{
		queue:  queue,
		mirror: mirror,
		cfg:    cfg.withDefaults(),
	}
}

// Run polls the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().
		Dur("pollInterval", w.cfg.PollInterval).
		Int("batchSize", w.cfg.BatchSize).
		Msg("Mirror worker started")

	for {
		if _, err := w.DrainOnce(ctx); err != nil {
			log.Error().Err(err).Msg("Mirror worker poll failed")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Mirror worker stopped")
			return ctx.Err()
		case <-w.cfg.Clock.After(w.cfg.PollInterval):
		}
	}
}

// Drain repeatedly processes batches until the queue is empty or a pass makes
// no progress (everything left is currently failing). Used by the worker
// Lambda and the admin CLI.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		processed, err := w.DrainOnce(ctx)
		if err != nil {
			return total, err
		}
		total += processed
		if processed == 0 {
			return total, nil
		}
	}
}

// DrainOnce fetches one batch and applies it. Returns the number of entries
// removed from the queue (applied or dropped as poison).
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	entries, err := w.queue.Peek(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("peek mirror queue: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	start := time.Now()
	processed := 0
	failed := 0
	// History ids with a failed entry in this batch; later entries for the
	// same id must wait so enqueue order is preserved per item.
	blocked := make(map[string]bool)

	for _, entry := range entries {
		if blocked[entry.HistoryID] {
			continue
		}

		if entry.Attempts >= w.cfg.MaxEntryAttempts {
			log.Error().
				Str("historyId", entry.HistoryID).
				Str("operation", string(entry.Operation)).
				Int("attempts", entry.Attempts).
				Msg("Dropping poison mirror queue entry")
			metrics.New().
				Dimension("Operation", "mirrorWorker").
				Count("PoisonEntryDropped").
				Property("historyId", entry.HistoryID).
				Flush()
			if err := w.queue.Delete(ctx, entry.ID); err != nil {
				log.Error().Err(err).Str("entryId", entry.ID).Msg("Failed to drop poison entry")
			} else {
				processed++
			}
			continue
		}

		if err := w.applyWithRetry(ctx, entry); err != nil {
			failed++
			blocked[entry.HistoryID] = true
			log.Warn().
				Err(err).
				Str("historyId", entry.HistoryID).
				Str("operation", string(entry.Operation)).
				Msg("Mirror write failed, leaving entry queued")
			if err := w.queue.BumpAttempts(ctx, entry.ID); err != nil {
				log.Error().Err(err).Str("entryId", entry.ID).Msg("Failed to bump entry attempts")
			}
			continue
		}

		// Delete only after the mirror write durably succeeded. A crash here
		// replays the entry; upsert/update are idempotent by historyId.
		if err := w.queue.Delete(ctx, entry.ID); err != nil {
			log.Error().Err(err).Str("entryId", entry.ID).Msg("Failed to delete processed queue entry")
			blocked[entry.HistoryID] = true
			continue
		}
		processed++
	}

	metrics.New().
		Dimension("Operation", "mirrorWorker").
		Metric("BatchEntries", float64(len(entries)), metrics.UnitCount).
		Metric("BatchProcessed", float64(processed), metrics.UnitCount).
		Metric("BatchFailed", float64(failed), metrics.UnitCount).
		Metric("BatchLatencyMs", float64(time.Since(start).Milliseconds()), metrics.UnitMilliseconds).
		Flush()

	log.Debug().
		Int("entries", len(entries)).
		Int("processed", processed).
		Int("failed", failed).
		Msg("Mirror queue batch drained")
	return processed, nil
}

func (w *Worker) applyWithRetry(ctx context.Context, entry Entry) error {
	return retry.Call(retry.CallArgs{
		Func: func() error {
			return w.apply(ctx, entry)
		},
		Attempts:    w.cfg.RetryAttempts,
		Delay:       w.cfg.RetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       w.cfg.Clock,
		Stop:        ctx.Done(),
	})
}

func (w *Worker) apply(ctx context.Context, entry Entry) error {
	switch entry.Operation {
	case OpUpsert:
		if entry.Item == nil {
			return fmt.Errorf("upsert entry %s has no item snapshot", entry.HistoryID)
		}
		return w.mirror.UpsertFromHistory(ctx, entry.UID, entry.HistoryID, entry.Item, entry.Creator)
	case OpUpdate:
		return w.mirror.ApplyUpdate(ctx, entry.HistoryID, entry.Updates)
	case OpDelete:
		return w.mirror.Remove(ctx, entry.HistoryID)
	default:
		return fmt.Errorf("unknown mirror operation %q for %s", entry.Operation, entry.HistoryID)
	}
}
