// Package engine implements the generation lifecycle: start, complete, fail,
// update, and soft delete of generation history items, plus the read paths.
//
// The engine owns consistency between the per-user history store (the source
// of truth, written synchronously) and its secondary views: the public mirror
// (converged through a durable queue), per-user stats counters, and the read
// cache. Secondary-view writes are best-effort: each is individually guarded
// so a failure is logged and counted but never fails the primary operation.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pixelmint/generation-engine/internal/cache"
	"github.com/pixelmint/generation-engine/internal/history"
	"github.com/pixelmint/generation-engine/internal/metrics"
	"github.com/pixelmint/generation-engine/internal/mirror"
	"github.com/pixelmint/generation-engine/internal/optimizer"
)

// MirrorQueue is the engine's enqueue-side view of the mirror work queue.
// Both methods are fire-and-forget from the engine's perspective.
type MirrorQueue interface {
	EnqueueUpsert(ctx context.Context, entry mirror.Entry) error
	EnqueueUpdate(ctx context.Context, entry mirror.Entry) error
	EnqueueDelete(ctx context.Context, entry mirror.Entry) error
}

// MirrorSync is the synchronous mirror path, used only where public-surface
// staleness is unacceptable: visibility toggles and soft deletes.
type MirrorSync interface {
	UpsertFromHistory(ctx context.Context, uid, historyID string, item *history.HistoryItem, creator mirror.CreatorInfo) error
	Remove(ctx context.Context, historyID string) error
}

// StatsCounter adjusts per-user aggregates. Failures skew counters until the
// offline recompute runs; callers treat every method as best-effort.
type StatsCounter interface {
	IncrementOnCreate(ctx context.Context, uid, generationType string) error
	UpdateOnStatusChange(ctx context.Context, uid string, from, to history.Status) error
}

// Optimizer derives compressed representations for one stored image.
type Optimizer interface {
	OptimizeImage(ctx context.Context, url, basePath, filename string, opts optimizer.Options) (*optimizer.Result, error)
}

// FileDeleter purges a generation's stored media objects.
type FileDeleter interface {
	DeleteGenerationFiles(ctx context.Context, item *history.HistoryItem) error
}

// TaskRunner schedules detached background work.
type TaskRunner interface {
	Go(name string, fn func(ctx context.Context) error)
}

// Params wires the engine's collaborators. Store is required; every other
// dependency has a no-op default so tests and partial deployments can omit
// what they don't exercise.
type Params struct {
	Store        history.Store
	Cache        cache.Cache
	Queue        MirrorQueue
	Mirror       MirrorSync
	Stats        StatsCounter
	Optimizer    Optimizer
	Deleter      FileDeleter
	Tasks        TaskRunner
	OptimizeOpts optimizer.Options
}

// Engine orchestrates the generation lifecycle. All dependencies are injected
// at construction; the engine holds no process-global state.
type Engine struct {
	store        history.Store
	cache        cache.Cache
	queue        MirrorQueue
	mirror       MirrorSync
	stats        StatsCounter
	optimizer    Optimizer
	deleter      FileDeleter
	tasks        TaskRunner
	optimizeOpts optimizer.Options
	now          func() time.Time
}

// New creates an Engine. Panics if Store is nil; that is a wiring bug, not a
// runtime condition.
func New(p Params) *Engine {
	if p.Store == nil {
		panic("engine: Params.Store is required")
	}
	if p.Cache == nil {
		p.Cache = cache.Disabled{}
	}
	if p.OptimizeOpts == (optimizer.Options{}) {
		p.OptimizeOpts = optimizer.DefaultOptions
	}
	return &Engine{
		store:        p.Store,
		cache:        p.Cache,
		queue:        p.Queue,
		mirror:       p.Mirror,
		stats:        p.Stats,
		optimizer:    p.Optimizer,
		deleter:      p.Deleter,
		tasks:        p.Tasks,
		optimizeOpts: p.OptimizeOpts,
		now:          time.Now,
	}
}

// bestEffort runs a secondary side effect, logging and counting a failure
// instead of propagating it. The primary record write is the only
// caller-visible guarantee.
func (e *Engine) bestEffort(op, uid, historyID string, fn func() error) {
	if err := fn(); err != nil {
		log.Warn().
			Err(err).
			Str("operation", op).
			Str("uid", uid).
			Str("historyId", historyID).
			Msg("Best-effort side effect failed")
		metrics.New().
			Dimension("Operation", op).
			Count("SideEffectFailure").
			Property("historyId", historyID).
			Flush()
	}
}

// creatorInfo builds the mirror's denormalized creator identity from the
// snapshot taken at creation time.
func creatorInfo(item *history.HistoryItem) mirror.CreatorInfo {
	return mirror.CreatorInfo{
		UID:         item.CreatedBy.UID,
		Username:    item.CreatedBy.Username,
		DisplayName: item.CreatedBy.Username,
	}
}

// GetUserGeneration reads one generation, read-through against the cache.
// Cache failures count as misses; they never fail the read.
func (e *Engine) GetUserGeneration(ctx context.Context, uid, historyID string) (*history.HistoryItem, error) {
	if cached, err := e.cache.GetItem(ctx, uid, historyID); err != nil {
		log.Warn().Err(err).Str("uid", uid).Str("historyId", historyID).Msg("Item cache read failed, treating as miss")
	} else if cached != nil {
		return cached, nil
	}

	item, err := e.store.Get(ctx, uid, historyID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, notFound(uid, historyID)
	}

	e.bestEffort("cacheSetItem", uid, historyID, func() error {
		return e.cache.SetItem(ctx, uid, historyID, item)
	})
	return item, nil
}

// ListRequest selects a page of a user's generations. GenerationTypes holds
// the caller's raw filter values; the engine normalizes them.
type ListRequest struct {
	Limit           int
	Cursor          string
	GenerationTypes []string
}

// ListUserGenerations lists a user's generations, newest first. Failed items
// are dropped after the store read, which can shorten the returned page below
// the requested limit; the store's hasMore/cursor signals are passed through
// unmodified, so callers must treat a short page with hasMore=true as normal
// and follow the cursor.
func (e *Engine) ListUserGenerations(ctx context.Context, uid string, req ListRequest) (*history.ListResult, error) {
	// Cache and query by the effective (post-normalization) parameters so
	// aliased type filters share one cache entry.
	params := history.ListParams{
		Limit:           req.Limit,
		Cursor:          req.Cursor,
		GenerationTypes: ExpandTypeFilter(req.GenerationTypes),
	}

	if cached, err := e.cache.GetList(ctx, uid, params); err != nil {
		log.Warn().Err(err).Str("uid", uid).Msg("List cache read failed, treating as miss")
	} else if cached != nil {
		return cached, nil
	}

	page, err := e.store.List(ctx, uid, params)
	if err != nil {
		return nil, err
	}

	items := make([]*history.HistoryItem, 0, len(page.Items))
	for _, item := range page.Items {
		if item.Status == history.StatusFailed {
			continue
		}
		items = append(items, item)
	}

	result := &history.ListResult{
		Items:      items,
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	}
	e.bestEffort("cacheSetList", uid, "", func() error {
		return e.cache.SetList(ctx, uid, params, result)
	})
	return result, nil
}
