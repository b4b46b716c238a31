package engine

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/pixelmint/generation-engine/internal/history"
)

// RawImage is the wire shape of one image entry in a completion payload.
// Legacy clients send a bare URL string; current clients send an object,
// possibly partial and possibly using the old firebaseUrl field name. The
// union never travels past normalizeImages; everything downstream sees the
// canonical history.MediaEntry.
type RawImage struct {
	// StringURL is set when the payload carried a bare URL string.
	StringURL string
	// Entry is set for object-shaped payloads.
	Entry *history.MediaEntry
}

// rawImageObject is the object decode target, carrying the legacy alternate
// URL field alongside the canonical ones.
type rawImageObject struct {
	history.MediaEntry
	FirebaseURL string `json:"firebaseUrl,omitempty"`
}

// UnmarshalJSON implements the string-or-object union.
func (r *RawImage) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		r.StringURL = s
		return nil
	}

	var obj rawImageObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("image entry is neither a URL string nor an object: %w", err)
	}
	entry := obj.MediaEntry
	if entry.URL == "" {
		entry.URL = obj.FirebaseURL
	}
	if entry.OriginalURL == "" {
		entry.OriginalURL = obj.FirebaseURL
	}
	r.Entry = &entry
	return nil
}

// MarshalJSON round-trips the canonical side of the union.
func (r RawImage) MarshalJSON() ([]byte, error) {
	if r.Entry != nil {
		return json.Marshal(r.Entry)
	}
	return json.Marshal(r.StringURL)
}

// RawImagesFromEntries wraps canonical entries for callers that build
// completion payloads in-process.
func RawImagesFromEntries(entries []history.MediaEntry) []RawImage {
	out := make([]RawImage, len(entries))
	for i := range entries {
		e := entries[i]
		out[i] = RawImage{Entry: &e}
	}
	return out
}

// syntheticImageID builds the id assigned to entries that arrived without one.
func syntheticImageID(historyID string, index int) string {
	return fmt.Sprintf("%s-img-%d", historyID, index)
}

func syntheticVideoID(historyID string, index int) string {
	return fmt.Sprintf("%s-vid-%d", historyID, index)
}

// normalizeImage converts one raw entry to canonical shape. changed reports
// whether the canonical form differs from what the caller supplied, which
// gates the engine's pre-optimization write.
func normalizeImage(historyID string, index int, raw RawImage) (history.MediaEntry, bool) {
	if raw.Entry == nil {
		s := raw.StringURL
		return history.MediaEntry{
			ID:          syntheticImageID(historyID, index),
			URL:         s,
			OriginalURL: s,
		}, true
	}

	entry := *raw.Entry
	changed := false
	if entry.ID == "" {
		entry.ID = syntheticImageID(historyID, index)
		changed = true
	}
	if entry.URL == "" && entry.OriginalURL != "" {
		entry.URL = entry.OriginalURL
		changed = true
	}
	if entry.OriginalURL == "" && entry.URL != "" {
		entry.OriginalURL = entry.URL
		changed = true
	}
	return entry, changed
}

// normalizeImages resolves the final images array for a completion: prefers
// the update payload when non-empty, otherwise keeps the stored entries, and
// canonicalizes every element. Normalizing an already-canonical array returns
// it unchanged with changed=false.
func normalizeImages(historyID string, updates []RawImage, existing []history.MediaEntry) ([]history.MediaEntry, bool) {
	if len(updates) == 0 {
		updates = RawImagesFromEntries(existing)
	}

	out := make([]history.MediaEntry, len(updates))
	changed := false
	for i, raw := range updates {
		entry, entryChanged := normalizeImage(historyID, i, raw)
		out[i] = entry
		changed = changed || entryChanged
	}
	return out, changed
}

// normalizeVideos assigns synthetic ids to video entries that lack one.
func normalizeVideos(historyID string, videos []history.MediaEntry) []history.MediaEntry {
	out := make([]history.MediaEntry, len(videos))
	for i, v := range videos {
		if v.ID == "" {
			v.ID = syntheticVideoID(historyID, i)
		}
		if v.OriginalURL == "" {
			v.OriginalURL = v.URL
		}
		out[i] = v
	}
	return out
}

// resolveDocVisibility computes the document-level public flag.
// An explicit true always wins. An explicit false is honored only when no
// media entry is individually public; per-item shares cannot be hidden by a
// document-level toggle. With no explicit value the document is public iff
// any media entry is.
func resolveDocVisibility(explicit *bool, item *history.HistoryItem) bool {
	anyMedia := item.AnyMediaPublic()
	if explicit != nil && *explicit {
		return true
	}
	return anyMedia
}

// knownStorageHosts are URL shapes the optimizer can map back to an object
// key: the path component (minus a possible leading bucket segment) is the
// storage path.
func storagePathFromURL(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "", false
	}
	path := strings.TrimPrefix(u.Path, "/")

	host := u.Hostname()
	switch {
	case host == "storage.googleapis.com":
		// /{bucket}/{object...}
		if idx := strings.Index(path, "/"); idx > 0 {
			return path[idx+1:], true
		}
		return "", false
	case host == "s3.amazonaws.com":
		// path-style: /{bucket}/{object...}
		if idx := strings.Index(path, "/"); idx > 0 {
			return path[idx+1:], true
		}
		return "", false
	case strings.Contains(host, ".s3.") && strings.HasSuffix(host, ".amazonaws.com"),
		strings.HasSuffix(host, ".s3.amazonaws.com"):
		// virtual-hosted: bucket in the host, object is the whole path.
		return path, true
	}
	return "", false
}

// resolveOptimizeTarget maps a media entry to the (basePath, filename) pair
// the optimizer writes derivatives under. A structured storagePath is
// preferred; falling back to URL parsing covers records written before
// storage paths were recorded. ok=false means the entry cannot be optimized
// and is carried through unchanged.
func resolveOptimizeTarget(entry history.MediaEntry) (basePath, filename string, ok bool) {
	if entry.StoragePath != "" {
		if base, name, ok := history.SplitStoragePath(entry.StoragePath); ok {
			return base, name, true
		}
	}
	if path, found := storagePathFromURL(entry.URL); found {
		if base, name, ok := history.SplitStoragePath(path); ok {
			return base, name, true
		}
	}
	return "", "", false
}
