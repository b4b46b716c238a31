package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pixelmint/generation-engine/internal/history"
	"github.com/pixelmint/generation-engine/internal/metrics"
	"github.com/pixelmint/generation-engine/internal/mirror"
)

// StartRequest describes a new generation about to run.
type StartRequest struct {
	Prompt         string
	Model          string
	GenerationType string
	InputImages    []history.MediaEntry
	InputVideos    []history.MediaEntry
	IsPublic       bool
	Tags           []string
	CreatedBy      history.CreatedBy
}

// StartResult carries the new record's id and the item as persisted.
type StartResult struct {
	HistoryID string
	Item      *history.HistoryItem
}

// StartGeneration creates a new history record in the generating state. The
// record write is the only hard requirement; stats and mirror follow
// best-effort.
func (e *Engine) StartGeneration(ctx context.Context, uid string, req StartRequest) (*StartResult, error) {
	genType := NormalizeGenerationType(req.GenerationType)
	now := e.now().UnixMilli()

	item := &history.HistoryItem{
		UID:            uid,
		Status:         history.StatusGenerating,
		Prompt:         req.Prompt,
		Model:          req.Model,
		GenerationType: genType,
		InputImages:    req.InputImages,
		InputVideos:    req.InputVideos,
		IsPublic:       req.IsPublic,
		Visibility:     history.VisibilityFor(req.IsPublic),
		Tags:           req.Tags,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	historyID, err := e.store.Create(ctx, uid, item)
	if err != nil {
		return nil, fmt.Errorf("creating history record: %w", err)
	}

	// Read back the persisted form so callers and the mirror see exactly
	// what the store holds. A miss here means the store lied about the
	// write succeeding.
	stored, err := e.store.Get(ctx, uid, historyID)
	if err != nil {
		return nil, fmt.Errorf("reading back created record %s: %w", historyID, err)
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: created record %s not readable", ErrStorageFault, historyID)
	}

	log.Info().
		Str("uid", uid).
		Str("historyId", historyID).
		Str("generationType", genType).
		Msg("Generation started")
	metrics.New().
		Dimension("GenerationType", genType).
		Count("GenerationStarted").
		Property("historyId", historyID).
		Flush()

	if e.stats != nil {
		e.bestEffort("statsIncrement", uid, historyID, func() error {
			return e.stats.IncrementOnCreate(ctx, uid, genType)
		})
	}
	e.bestEffort("cacheInvalidate", uid, historyID, func() error {
		return e.cache.InvalidateUser(ctx, uid)
	})
	// Enqueued for every new record; the mirror applier converges
	// non-public snapshots to a removal, so this self-heals either way.
	if e.queue != nil {
		e.bestEffort("mirrorEnqueue", uid, historyID, func() error {
			return e.queue.EnqueueUpsert(ctx, mirror.Entry{
				UID:       uid,
				HistoryID: historyID,
				Item:      stored,
				Creator:   creatorInfo(stored),
			})
		})
	}

	return &StartResult{HistoryID: historyID, Item: stored}, nil
}

// CompletionUpdates carries the outputs of a finished generation. Images
// accepts both canonical entry objects and bare URL strings.
type CompletionUpdates struct {
	Images   []RawImage
	Videos   []history.MediaEntry
	IsPublic *bool
	Tags     []string
	NSFW     *bool
}

// MarkGenerationCompleted transitions a record to completed, normalizes and
// optimizes its media, and propagates the result to cache, stats, and the
// mirror queue.
//
// The call is idempotent: re-completing an already completed record rewrites
// the output fields but skips the stats transition and produces an equivalent
// mirror snapshot. Optimization failures degrade to the original media entry
// and never fail the call.
func (e *Engine) MarkGenerationCompleted(ctx context.Context, uid, historyID string, updates CompletionUpdates) (*history.HistoryItem, error) {
	existing, err := e.store.Get(ctx, uid, historyID)
	if err != nil {
		return nil, fmt.Errorf("reading record %s: %w", historyID, err)
	}
	if existing == nil {
		return nil, notFound(uid, historyID)
	}
	wasGenerating := existing.Status == history.StatusGenerating

	isPublic := existing.IsPublic
	if updates.IsPublic != nil {
		isPublic = *updates.IsPublic
	}

	images, imagesChanged := normalizeImages(historyID, updates.Images, existing.Images)
	rawVideos := updates.Videos
	if len(rawVideos) == 0 {
		rawVideos = existing.Videos
	}
	videos := normalizeVideos(historyID, rawVideos)

	fields := map[string]interface{}{
		"status":     history.StatusCompleted,
		"isPublic":   isPublic,
		"visibility": history.VisibilityFor(isPublic),
		"updatedAt":  e.now().UnixMilli(),
	}
	if existing.Error != "" {
		// A failed record being re-completed must not carry its old error.
		fields["error"] = ""
	}
	// The caller's images go into the first write even when already
	// canonical; gating on the normalizer's changed flag alone would drop
	// a payload that happens to arrive in canonical form.
	if len(updates.Images) > 0 || imagesChanged {
		fields["images"] = images
	}
	if len(videos) > 0 {
		fields["videos"] = videos
	}
	if updates.Tags != nil {
		fields["tags"] = updates.Tags
	}
	if updates.NSFW != nil {
		fields["nsfw"] = *updates.NSFW
	}

	// First write: the completion itself. Media entries are durable before
	// optimization starts, so a crash mid-optimization loses derivatives,
	// never outputs.
	if err := e.store.Update(ctx, uid, historyID, fields); err != nil {
		return nil, fmt.Errorf("writing completion for %s: %w", historyID, err)
	}

	if optimized := e.optimizeImages(ctx, historyID, images); optimized {
		e.bestEffort("writeOptimizedImages", uid, historyID, func() error {
			return e.store.Update(ctx, uid, historyID, map[string]interface{}{
				"images":    images,
				"updatedAt": e.now().UnixMilli(),
			})
		})
	}

	final, err := e.store.Get(ctx, uid, historyID)
	if err != nil || final == nil {
		// The completion write already succeeded; fall back to a local
		// reconstruction rather than failing the call.
		log.Warn().Err(err).Str("historyId", historyID).Msg("Re-read after completion failed, using local view")
		final = existing
		final.Status = history.StatusCompleted
		final.Error = ""
		final.IsPublic = isPublic
		final.Visibility = history.VisibilityFor(isPublic)
		final.Images = images
		if len(videos) > 0 {
			final.Videos = videos
		}
	}

	log.Info().
		Str("uid", uid).
		Str("historyId", historyID).
		Int("images", len(final.Images)).
		Int("videos", len(final.Videos)).
		Bool("wasGenerating", wasGenerating).
		Msg("Generation completed")
	metrics.New().
		Dimension("GenerationType", final.GenerationType).
		Count("GenerationCompleted").
		Property("historyId", historyID).
		Flush()

	e.bestEffort("cacheSetItem", uid, historyID, func() error {
		if err := e.cache.InvalidateUser(ctx, uid); err != nil {
			return err
		}
		return e.cache.SetItem(ctx, uid, historyID, final)
	})
	if wasGenerating && e.stats != nil {
		e.bestEffort("statsTransition", uid, historyID, func() error {
			return e.stats.UpdateOnStatusChange(ctx, uid, history.StatusGenerating, history.StatusCompleted)
		})
	}
	if e.queue != nil {
		e.bestEffort("mirrorEnqueue", uid, historyID, func() error {
			return e.queue.EnqueueUpsert(ctx, mirror.Entry{
				UID:       uid,
				HistoryID: historyID,
				Item:      final,
				Creator:   creatorInfo(final),
			})
		})
	}

	return final, nil
}

// optimizeImages runs the optimizer over every image that still needs it,
// fanning out one goroutine per image. Entries are mutated in place with the
// derived URLs; entries whose optimization fails keep their original form.
// Returns true if at least one entry gained derivatives.
func (e *Engine) optimizeImages(ctx context.Context, historyID string, images []history.MediaEntry) bool {
	if e.optimizer == nil || len(images) == 0 {
		return false
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changed bool
	)
	for i := range images {
		entry := &images[i]
		if entry.FullyOptimized() {
			continue
		}
		basePath, filename, ok := resolveOptimizeTarget(*entry)
		if !ok {
			log.Debug().Str("historyId", historyID).Str("imageId", entry.ID).Msg("No optimizable source for image, skipping")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := e.optimizer.OptimizeImage(ctx, entry.URL, basePath, filename, e.optimizeOpts)
			if err != nil {
				log.Warn().Err(err).Str("historyId", historyID).Str("imageId", entry.ID).Msg("Image optimization failed, keeping original")
				metrics.New().Count("ImageOptimizationFailure").Property("historyId", historyID).Flush()
				return
			}
			mu.Lock()
			entry.AvifURL = result.AvifURL
			entry.ThumbnailURL = result.ThumbnailURL
			entry.BlurDataURL = result.BlurDataURL
			entry.Optimized = true
			entry.OptimizedAt = e.now().UnixMilli()
			changed = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	return changed
}

// MarkGenerationFailed transitions a generating record to failed and records
// the error message. The record is forced private so a failure can never
// leak onto the public surface. Only generating records may fail; anything
// else returns ErrInvalidStateTransition.
func (e *Engine) MarkGenerationFailed(ctx context.Context, uid, historyID, errorMessage string) (*history.HistoryItem, error) {
	existing, err := e.store.Get(ctx, uid, historyID)
	if err != nil {
		return nil, fmt.Errorf("reading record %s: %w", historyID, err)
	}
	if existing == nil {
		return nil, notFound(uid, historyID)
	}
	if existing.Status != history.StatusGenerating {
		return nil, fmt.Errorf("%w: cannot fail record in status %q", ErrInvalidStateTransition, existing.Status)
	}

	now := e.now().UnixMilli()
	fields := map[string]interface{}{
		"status":     history.StatusFailed,
		"error":      errorMessage,
		"isPublic":   false,
		"visibility": history.VisibilityPrivate,
		"updatedAt":  now,
	}
	if err := e.store.Update(ctx, uid, historyID, fields); err != nil {
		return nil, fmt.Errorf("writing failure for %s: %w", historyID, err)
	}

	log.Info().
		Str("uid", uid).
		Str("historyId", historyID).
		Str("error", errorMessage).
		Msg("Generation failed")
	metrics.New().
		Dimension("GenerationType", existing.GenerationType).
		Count("GenerationFailed").
		Property("historyId", historyID).
		Flush()

	if e.stats != nil {
		e.bestEffort("statsTransition", uid, historyID, func() error {
			return e.stats.UpdateOnStatusChange(ctx, uid, history.StatusGenerating, history.StatusFailed)
		})
	}
	e.bestEffort("cacheInvalidate", uid, historyID, func() error {
		return e.cache.InvalidateItem(ctx, uid, historyID)
	})
	if e.queue != nil {
		e.bestEffort("mirrorEnqueue", uid, historyID, func() error {
			return e.queue.EnqueueUpdate(ctx, mirror.Entry{
				UID:       uid,
				HistoryID: historyID,
				Updates: map[string]interface{}{
					"status":     history.StatusFailed,
					"error":      errorMessage,
					"isPublic":   false,
					"visibility": history.VisibilityPrivate,
					"updatedAt":  now,
				},
			})
		})
	}

	existing.Status = history.StatusFailed
	existing.Error = errorMessage
	existing.IsPublic = false
	existing.Visibility = history.VisibilityPrivate
	existing.UpdatedAt = now
	return existing, nil
}
