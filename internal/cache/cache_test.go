package cache

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/pixelmint/generation-engine/internal/history"
)

func TestListKeyStableUnderParamOrder(t *testing.T) {
	a := ListKey("u1", history.ListParams{Limit: 20, GenerationTypes: []string{"logo", "logo-generation"}})
	b := ListKey("u1", history.ListParams{Limit: 20, GenerationTypes: []string{"logo-generation", "logo"}})
	if a != b {
		t.Errorf("ListKey not stable under type order: %q vs %q", a, b)
	}

	c := ListKey("u1", history.ListParams{Limit: 20, GenerationTypes: []string{"image"}})
	if a == c {
		t.Error("different type filters must produce different keys")
	}
}

func TestMemoryItemRoundTrip(t *testing.T) {
	m := NewMemory(time.Minute, nil)
	ctx := context.Background()

	if item, err := m.GetItem(ctx, "u1", "h1"); err != nil || item != nil {
		t.Fatalf("expected miss, got %v, %v", item, err)
	}

	want := &history.HistoryItem{ID: "h1", Status: history.StatusCompleted}
	if err := m.SetItem(ctx, "u1", "h1", want); err != nil {
		t.Fatalf("SetItem: %v", err)
	}

	got, err := m.GetItem(ctx, "u1", "h1")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got != want {
		t.Errorf("GetItem = %+v, want the stored item", got)
	}

	// Another user's key must not collide.
	if item, _ := m.GetItem(ctx, "u2", "h1"); item != nil {
		t.Error("item leaked across users")
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1_756_700_000, 0))
	m := NewMemory(time.Minute, clk)
	ctx := context.Background()

	m.SetItem(ctx, "u1", "h1", &history.HistoryItem{ID: "h1"})

	clk.Advance(59 * time.Second)
	if item, _ := m.GetItem(ctx, "u1", "h1"); item == nil {
		t.Error("entry expired too early")
	}

	clk.Advance(2 * time.Second)
	if item, _ := m.GetItem(ctx, "u1", "h1"); item != nil {
		t.Error("entry should have expired")
	}
}

func TestMemoryListInvalidation(t *testing.T) {
	m := NewMemory(time.Minute, nil)
	ctx := context.Background()
	params := history.ListParams{Limit: 20, GenerationTypes: []string{"image"}}

	m.SetList(ctx, "u1", params, &history.ListResult{HasMore: true})
	if list, _ := m.GetList(ctx, "u1", params); list == nil {
		t.Fatal("expected cached list")
	}

	// Mutating any item invalidates the user's cached lists.
	m.SetItem(ctx, "u1", "h1", &history.HistoryItem{ID: "h1"})
	m.InvalidateItem(ctx, "u1", "h1")

	if list, _ := m.GetList(ctx, "u1", params); list != nil {
		t.Error("list should be invalidated after item invalidation")
	}
	if item, _ := m.GetItem(ctx, "u1", "h1"); item != nil {
		t.Error("item should be invalidated")
	}
}

func TestMemoryInvalidateUser(t *testing.T) {
	m := NewMemory(time.Minute, nil)
	ctx := context.Background()

	m.SetItem(ctx, "u1", "h1", &history.HistoryItem{ID: "h1"})
	m.SetItem(ctx, "u2", "h2", &history.HistoryItem{ID: "h2"})
	m.SetList(ctx, "u1", history.ListParams{Limit: 10}, &history.ListResult{})

	m.InvalidateUser(ctx, "u1")

	if item, _ := m.GetItem(ctx, "u1", "h1"); item != nil {
		t.Error("u1 item should be gone")
	}
	if list, _ := m.GetList(ctx, "u1", history.ListParams{Limit: 10}); list != nil {
		t.Error("u1 list should be gone")
	}
	if item, _ := m.GetItem(ctx, "u2", "h2"); item == nil {
		t.Error("u2 item should survive")
	}
}

func TestDisabledAlwaysMisses(t *testing.T) {
	var c Cache = Disabled{}
	ctx := context.Background()

	if err := c.SetItem(ctx, "u1", "h1", &history.HistoryItem{ID: "h1"}); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	item, err := c.GetItem(ctx, "u1", "h1")
	if err != nil || item != nil {
		t.Errorf("Disabled.GetItem = %v, %v; want nil, nil", item, err)
	}
}
