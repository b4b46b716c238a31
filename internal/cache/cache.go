// Package cache provides the read-through cache layer for single-item and
// list reads of generation history.
//
// Cache failures are advisory: the engine treats any error as a miss and
// never fails a read because of the cache. The layer ships disabled by
// default (see Disabled) but stays wired so it can be turned back on without
// touching the engine.
package cache

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/pixelmint/generation-engine/internal/history"
)

// Cache is the engine-facing cache contract. Implementations must be safe for
// concurrent use. Get methods return (nil, nil) on a miss.
type Cache interface {
	GetItem(ctx context.Context, uid, historyID string) (*history.HistoryItem, error)
	SetItem(ctx context.Context, uid, historyID string, item *history.HistoryItem) error
	GetList(ctx context.Context, uid string, params history.ListParams) (*history.ListResult, error)
	SetList(ctx context.Context, uid string, params history.ListParams, result *history.ListResult) error
	InvalidateItem(ctx context.Context, uid, historyID string) error
	InvalidateUser(ctx context.Context, uid string) error
}

// ListKey builds the canonical cache key for a list read from the effective
// (post-normalization) parameters, so aliased caller parameters share one
// cache entry.
func ListKey(uid string, params history.ListParams) string {
	types := append([]string(nil), params.GenerationTypes...)
	sort.Strings(types)
	return uid + "|limit=" + strconv.Itoa(params.Limit) +
		"|cursor=" + params.Cursor +
		"|types=" + strings.Join(types, ",")
}

func itemKey(uid, historyID string) string {
	return uid + "|" + historyID
}

// Disabled is a no-op cache: every read is a miss, every write succeeds.
type Disabled struct{}

var _ Cache = Disabled{}

func (Disabled) GetItem(context.Context, string, string) (*history.HistoryItem, error) {
	return nil, nil
}
func (Disabled) SetItem(context.Context, string, string, *history.HistoryItem) error { return nil }
func (Disabled) GetList(context.Context, string, history.ListParams) (*history.ListResult, error) {
	return nil, nil
}
func (Disabled) SetList(context.Context, string, history.ListParams, *history.ListResult) error {
	return nil
}
func (Disabled) InvalidateItem(context.Context, string, string) error { return nil }
func (Disabled) InvalidateUser(context.Context, string) error         { return nil }

// DefaultTTL is the expiry for in-memory cache entries.
const DefaultTTL = 5 * time.Minute

type memoryEntry struct {
	item      *history.HistoryItem
	list      *history.ListResult
	expiresAt time.Time
}

// Memory is a mutex-guarded in-memory TTL cache. Suitable for a single
// process; it holds no cross-instance state.
type Memory struct {
	mu    sync.Mutex
	ttl   time.Duration
	clk   clock.Clock
	items map[string]memoryEntry
	lists map[string]memoryEntry
	// owner tracks which list keys belong to a uid for InvalidateUser.
	owner map[string][]string
}

var _ Cache = (*Memory)(nil)

// NewMemory creates a Memory cache. ttl <= 0 uses DefaultTTL; clk nil uses
// the wall clock.
func NewMemory(ttl time.Duration, clk clock.Clock) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Memory{
		ttl:   ttl,
		clk:   clk,
		items: make(map[string]memoryEntry),
		lists: make(map[string]memoryEntry),
		owner: make(map[string][]string),
	}
}

func (m *Memory) GetItem(ctx context.Context, uid, historyID string) (*history.HistoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.items[itemKey(uid, historyID)]
	if !ok || m.clk.Now().After(entry.expiresAt) {
		return nil, nil
	}
	return entry.item, nil
}

func (m *Memory) SetItem(ctx context.Context, uid, historyID string, item *history.HistoryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[itemKey(uid, historyID)] = memoryEntry{
		item:      item,
		expiresAt: m.clk.Now().Add(m.ttl),
	}
	return nil
}

func (m *Memory) GetList(ctx context.Context, uid string, params history.ListParams) (*history.ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lists[ListKey(uid, params)]
	if !ok || m.clk.Now().After(entry.expiresAt) {
		return nil, nil
	}
	return entry.list, nil
}

func (m *Memory) SetList(ctx context.Context, uid string, params history.ListParams, result *history.ListResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ListKey(uid, params)
	m.lists[key] = memoryEntry{
		list:      result,
		expiresAt: m.clk.Now().Add(m.ttl),
	}
	m.owner[uid] = append(m.owner[uid], key)
	return nil
}

func (m *Memory) InvalidateItem(ctx context.Context, uid, historyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items, itemKey(uid, historyID))
	// Any cached list for this user may contain the item.
	for _, key := range m.owner[uid] {
		delete(m.lists, key)
	}
	delete(m.owner, uid)
	return nil
}

func (m *Memory) InvalidateUser(ctx context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := uid + "|"
	for key := range m.items {
		if strings.HasPrefix(key, prefix) {
			delete(m.items, key)
		}
	}
	for _, key := range m.owner[uid] {
		delete(m.lists, key)
	}
	delete(m.owner, uid)
	return nil
}
