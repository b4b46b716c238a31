package history

import (
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func boolPtr(b bool) *bool { return &b }

func TestStampTimestampsUsesMilliseconds(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	item := &HistoryItem{}
	stampTimestamps(item, now)
	if item.CreatedAt != now.UnixMilli() || item.UpdatedAt != now.UnixMilli() {
		t.Errorf("stamped createdAt=%d updatedAt=%d, want %d (epoch millis)",
			item.CreatedAt, item.UpdatedAt, now.UnixMilli())
	}

	keep := &HistoryItem{CreatedAt: 1111, UpdatedAt: 2222}
	stampTimestamps(keep, now)
	if keep.CreatedAt != 1111 || keep.UpdatedAt != 2222 {
		t.Errorf("caller-supplied timestamps overwritten: createdAt=%d updatedAt=%d",
			keep.CreatedAt, keep.UpdatedAt)
	}
}

func TestVisibilityFor(t *testing.T) {
	if got := VisibilityFor(true); got != VisibilityPublic {
		t.Errorf("VisibilityFor(true) = %q, want %q", got, VisibilityPublic)
	}
	if got := VisibilityFor(false); got != VisibilityPrivate {
		t.Errorf("VisibilityFor(false) = %q, want %q", got, VisibilityPrivate)
	}
}

func TestMediaEntryFullyOptimized(t *testing.T) {
	tests := []struct {
		name  string
		entry MediaEntry
		want  bool
	}{
		{
			name: "complete",
			entry: MediaEntry{
				Optimized:    true,
				AvifURL:      "https://cdn.example.com/a.avif",
				ThumbnailURL: "https://cdn.example.com/a_thumb.jpg",
			},
			want: true,
		},
		{
			name: "flag set but avif missing",
			entry: MediaEntry{
				Optimized:    true,
				ThumbnailURL: "https://cdn.example.com/a_thumb.jpg",
			},
			want: false,
		},
		{
			name: "flag set but thumbnail missing",
			entry: MediaEntry{
				Optimized: true,
				AvifURL:   "https://cdn.example.com/a.avif",
			},
			want: false,
		},
		{
			name: "urls present but flag unset",
			entry: MediaEntry{
				AvifURL:      "https://cdn.example.com/a.avif",
				ThumbnailURL: "https://cdn.example.com/a_thumb.jpg",
			},
			want: false,
		},
		{name: "zero value", entry: MediaEntry{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry.FullyOptimized(); got != tt.want {
				t.Errorf("FullyOptimized() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAnyMediaPublic(t *testing.T) {
	tests := []struct {
		name string
		item HistoryItem
		want bool
	}{
		{name: "no media", item: HistoryItem{}, want: false},
		{
			name: "image explicitly public",
			item: HistoryItem{Images: []MediaEntry{{ID: "a"}, {ID: "b", IsPublic: boolPtr(true)}}},
			want: true,
		},
		{
			name: "image explicitly private",
			item: HistoryItem{Images: []MediaEntry{{ID: "a", IsPublic: boolPtr(false)}}},
			want: false,
		},
		{
			name: "video explicitly public",
			item: HistoryItem{Videos: []MediaEntry{{ID: "v", IsPublic: boolPtr(true)}}},
			want: true,
		},
		{
			name: "unset overrides do not count",
			item: HistoryItem{Images: []MediaEntry{{ID: "a"}}, Videos: []MediaEntry{{ID: "v"}}},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.item.AnyMediaPublic(); got != tt.want {
				t.Errorf("AnyMediaPublic() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCursorRoundTrip(t *testing.T) {
	key := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: "USER#u1"},
		"SK":        &types.AttributeValueMemberS{Value: "GEN#abc-123"},
		"createdAt": &types.AttributeValueMemberN{Value: "1756700000"},
	}

	cursor, err := encodeCursor(key)
	if err != nil {
		t.Fatalf("encodeCursor: %v", err)
	}
	if cursor == "" {
		t.Fatal("encodeCursor returned empty cursor")
	}

	decoded, err := decodeCursor(cursor)
	if err != nil {
		t.Fatalf("decodeCursor: %v", err)
	}

	pk, ok := decoded["PK"].(*types.AttributeValueMemberS)
	if !ok || pk.Value != "USER#u1" {
		t.Errorf("decoded PK = %#v, want USER#u1", decoded["PK"])
	}
	sk, ok := decoded["SK"].(*types.AttributeValueMemberS)
	if !ok || sk.Value != "GEN#abc-123" {
		t.Errorf("decoded SK = %#v, want GEN#abc-123", decoded["SK"])
	}
	created, ok := decoded["createdAt"].(*types.AttributeValueMemberN)
	if !ok || created.Value != "1756700000" {
		t.Errorf("decoded createdAt = %#v, want 1756700000", decoded["createdAt"])
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	if _, err := decodeCursor("!!!not-base64!!!"); err == nil {
		t.Error("expected error for invalid base64 cursor")
	}
	if _, err := decodeCursor("bm90LWpzb24"); err == nil {
		t.Error("expected error for non-JSON cursor payload")
	}
}
