package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/pixelmint/generation-engine/internal/history"
	"github.com/pixelmint/generation-engine/internal/metrics"
	"github.com/pixelmint/generation-engine/internal/mirror"
)

// MediaPatch addresses one media entry inside a record and carries the
// fields to merge into it. ID, URL, and StoragePath are matchers tried in
// that order; whichever are set are also written through to the matched
// entry. Nil pointer fields are left untouched.
type MediaPatch struct {
	ID          string
	URL         string
	StoragePath string

	IsPublic       *bool
	AestheticScore *float64
	Width          *int
	Height         *int
	Size           *int64
}

// matches reports whether the patch addresses the given entry.
func (p *MediaPatch) matches(entry *history.MediaEntry) bool {
	switch {
	case p.ID != "":
		return entry.ID == p.ID
	case p.URL != "":
		return entry.URL == p.URL || entry.OriginalURL == p.URL
	case p.StoragePath != "":
		return entry.StoragePath == p.StoragePath
	}
	return false
}

// apply merges the patch's set fields into the entry.
func (p *MediaPatch) apply(entry *history.MediaEntry) {
	if p.URL != "" {
		entry.URL = p.URL
	}
	if p.StoragePath != "" {
		entry.StoragePath = p.StoragePath
	}
	if p.IsPublic != nil {
		entry.IsPublic = p.IsPublic
	}
	if p.AestheticScore != nil {
		entry.AestheticScore = *p.AestheticScore
	}
	if p.Width != nil {
		entry.Width = *p.Width
	}
	if p.Height != nil {
		entry.Height = *p.Height
	}
	if p.Size != nil {
		entry.Size = *p.Size
	}
}

// patchEntries applies the patch to the first matching entry in the slice.
// Returns the (possibly copied) slice and whether anything matched.
func patchEntries(entries []history.MediaEntry, patch *MediaPatch) ([]history.MediaEntry, bool) {
	for i := range entries {
		if patch.matches(&entries[i]) {
			out := make([]history.MediaEntry, len(entries))
			copy(out, entries)
			patch.apply(&out[i])
			return out, true
		}
	}
	return entries, false
}

// UpdateRequest carries a partial update to an existing generation. Fields
// holds document-level attributes to merge verbatim; Image and Video
// optionally patch one media entry each; IsPublic requests a visibility
// change, subject to per-entry overrides.
type UpdateRequest struct {
	Fields   map[string]interface{}
	Image    *MediaPatch
	Video    *MediaPatch
	IsPublic *bool
}

// Update merges the request into an existing record and propagates the
// change. The document-level public flag is recomputed whenever media
// visibility may have changed; a flip synchronously converges the public
// mirror so visibility changes take effect immediately rather than waiting
// on the queue.
func (e *Engine) Update(ctx context.Context, uid, historyID string, req UpdateRequest) (*history.HistoryItem, error) {
	existing, err := e.store.Get(ctx, uid, historyID)
	if err != nil {
		return nil, fmt.Errorf("reading record %s: %w", historyID, err)
	}
	if existing == nil {
		return nil, notFound(uid, historyID)
	}
	wasPublic := existing.IsPublic

	fields := make(map[string]interface{}, len(req.Fields)+4)
	for k, v := range req.Fields {
		fields[k] = v
	}

	mediaMutated := false
	if req.Image != nil {
		patched, ok := patchEntries(existing.Images, req.Image)
		if !ok {
			return nil, fmt.Errorf("%w: no image matching patch", ErrNotFound)
		}
		existing.Images = patched
		fields["images"] = patched
		mediaMutated = true
	}
	if req.Video != nil {
		patched, ok := patchEntries(existing.Videos, req.Video)
		if !ok {
			return nil, fmt.Errorf("%w: no video matching patch", ErrNotFound)
		}
		existing.Videos = patched
		fields["videos"] = patched
		mediaMutated = true
	}

	isPublic := existing.IsPublic
	if mediaMutated || req.IsPublic != nil {
		isPublic = resolveDocVisibility(req.IsPublic, existing)
		fields["isPublic"] = isPublic
		fields["visibility"] = history.VisibilityFor(isPublic)
	}
	fields["updatedAt"] = e.now().UnixMilli()

	if err := e.store.Update(ctx, uid, historyID, fields); err != nil {
		return nil, fmt.Errorf("writing update for %s: %w", historyID, err)
	}

	final, err := e.store.Get(ctx, uid, historyID)
	if err != nil || final == nil {
		log.Warn().Err(err).Str("historyId", historyID).Msg("Re-read after update failed, using local view")
		existing.IsPublic = isPublic
		existing.Visibility = history.VisibilityFor(isPublic)
		final = existing
	}

	log.Debug().
		Str("uid", uid).
		Str("historyId", historyID).
		Bool("mediaMutated", mediaMutated).
		Bool("isPublic", final.IsPublic).
		Msg("Generation updated")

	e.bestEffort("cacheSetItem", uid, historyID, func() error {
		if err := e.cache.InvalidateUser(ctx, uid); err != nil {
			return err
		}
		return e.cache.SetItem(ctx, uid, historyID, final)
	})

	visibilityFlipped := wasPublic != final.IsPublic
	if visibilityFlipped && e.mirror != nil {
		// Converge the public surface synchronously on a flip. The queued
		// entry below still runs and is a no-op against this state.
		e.bestEffort("mirrorSync", uid, historyID, func() error {
			if final.IsPublic {
				return e.mirror.UpsertFromHistory(ctx, uid, historyID, final, creatorInfo(final))
			}
			return e.mirror.Remove(ctx, historyID)
		})
	}

	if e.queue != nil {
		if visibilityFlipped || mediaMutated {
			e.bestEffort("mirrorEnqueue", uid, historyID, func() error {
				return e.queue.EnqueueUpsert(ctx, mirror.Entry{
					UID:       uid,
					HistoryID: historyID,
					Item:      final,
					Creator:   creatorInfo(final),
				})
			})
		} else if len(req.Fields) > 0 {
			e.bestEffort("mirrorEnqueue", uid, historyID, func() error {
				return e.queue.EnqueueUpdate(ctx, mirror.Entry{
					UID:       uid,
					HistoryID: historyID,
					Updates:   fields,
				})
			})
		}
	}

	return final, nil
}

// SoftDelete marks a generation deleted and private, removes it from the
// public mirror, and schedules its stored media for deletion in the
// background. The record itself is retained for audit; list reads exclude
// it at the store layer.
func (e *Engine) SoftDelete(ctx context.Context, uid, historyID string) (*history.HistoryItem, error) {
	existing, err := e.store.Get(ctx, uid, historyID)
	if err != nil {
		return nil, fmt.Errorf("reading record %s: %w", historyID, err)
	}
	if existing == nil {
		return nil, notFound(uid, historyID)
	}

	now := e.now().UnixMilli()
	fields := map[string]interface{}{
		"isDeleted":  true,
		"isPublic":   false,
		"visibility": history.VisibilityPrivate,
		"updatedAt":  now,
	}
	if err := e.store.Update(ctx, uid, historyID, fields); err != nil {
		return nil, fmt.Errorf("writing soft delete for %s: %w", historyID, err)
	}

	log.Info().
		Str("uid", uid).
		Str("historyId", historyID).
		Msg("Generation soft-deleted")
	metrics.New().
		Dimension("GenerationType", existing.GenerationType).
		Count("GenerationDeleted").
		Property("historyId", historyID).
		Flush()

	// The mirror removal is synchronous so a deleted item never lingers on
	// the public surface behind queue lag. The same removal is also
	// enqueued: if the process dies right after the synchronous call, the
	// queued entry re-applies it.
	if e.mirror != nil {
		e.bestEffort("mirrorRemove", uid, historyID, func() error {
			return e.mirror.Remove(ctx, historyID)
		})
	}
	if e.queue != nil {
		e.bestEffort("mirrorEnqueue", uid, historyID, func() error {
			return e.queue.EnqueueDelete(ctx, mirror.Entry{
				UID:       uid,
				HistoryID: historyID,
			})
		})
	}
	e.bestEffort("cacheInvalidate", uid, historyID, func() error {
		return e.cache.InvalidateUser(ctx, uid)
	})

	if e.tasks != nil && e.deleter != nil {
		snapshot := *existing
		e.tasks.Go("deleteGenerationFiles", func(taskCtx context.Context) error {
			return e.deleter.DeleteGenerationFiles(taskCtx, &snapshot)
		})
	}

	existing.IsDeleted = true
	existing.IsPublic = false
	existing.Visibility = history.VisibilityPrivate
	existing.UpdatedAt = now
	return existing, nil
}
