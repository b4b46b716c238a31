// Package history provides the durable per-user generation record store.
//
// Every generation (one invocation of a generative-media provider) is tracked
// as a single HistoryItem keyed by (uid, historyId). The package uses a
// single-table DynamoDB design: all records for a user share a partition key
// (USER#{uid}) and each generation gets a GEN#{historyId} sort key. List reads
// paginate with an opaque cursor derived from DynamoDB's LastEvaluatedKey.
//
// All Get methods return (nil, nil) when the requested record does not exist.
// Update performs a partial merge of the supplied fields; it never replaces
// the whole item. Field values must not be nil; callers pre-sanitize so that
// absent data is omitted rather than written as null.
package history

import (
	"context"
)

// Status is the lifecycle state of a generation.
type Status string

const (
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Visibility values derived from the IsPublic flag.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// VisibilityFor returns the visibility string kept in lockstep with isPublic.
func VisibilityFor(isPublic bool) string {
	if isPublic {
		return VisibilityPublic
	}
	return VisibilityPrivate
}

// CreatedBy is the identity snapshot taken at creation time. It is
// denormalized into the record and never re-fetched.
type CreatedBy struct {
	UID      string `json:"uid" dynamodbav:"uid"`
	Username string `json:"username,omitempty" dynamodbav:"username,omitempty"`
	Email    string `json:"email,omitempty" dynamodbav:"email,omitempty"`
}

// MediaEntry is the canonical shape of one image or video output (and of
// input provenance records, which never carry the derived fields).
//
// IsPublic is a pointer because a per-item visibility override is tri-state:
// unset entries defer to the document-level flag.
type MediaEntry struct {
	ID             string  `json:"id" dynamodbav:"id"`
	URL            string  `json:"url" dynamodbav:"url"`
	OriginalURL    string  `json:"originalUrl" dynamodbav:"originalUrl"`
	StoragePath    string  `json:"storagePath,omitempty" dynamodbav:"storagePath,omitempty"`
	AvifURL        string  `json:"avifUrl,omitempty" dynamodbav:"avifUrl,omitempty"`
	ThumbnailURL   string  `json:"thumbnailUrl,omitempty" dynamodbav:"thumbnailUrl,omitempty"`
	BlurDataURL    string  `json:"blurDataUrl,omitempty" dynamodbav:"blurDataUrl,omitempty"`
	Optimized      bool    `json:"optimized,omitempty" dynamodbav:"optimized,omitempty"`
	OptimizedAt    int64   `json:"optimizedAt,omitempty" dynamodbav:"optimizedAt,omitempty"`
	AestheticScore float64 `json:"aestheticScore,omitempty" dynamodbav:"aestheticScore,omitempty"`
	Width          int     `json:"width,omitempty" dynamodbav:"width,omitempty"`
	Height         int     `json:"height,omitempty" dynamodbav:"height,omitempty"`
	Size           int64   `json:"size,omitempty" dynamodbav:"size,omitempty"`
	IsPublic       *bool   `json:"isPublic,omitempty" dynamodbav:"isPublic,omitempty"`
}

// PubliclyVisible reports whether this entry carries an explicit per-item
// public override.
func (m MediaEntry) PubliclyVisible() bool {
	return m.IsPublic != nil && *m.IsPublic
}

// FullyOptimized reports whether the entry already has a complete set of
// derived representations. Partial optimization (one URL missing) counts as
// not optimized and is eligible for re-processing.
func (m MediaEntry) FullyOptimized() bool {
	return m.Optimized && m.AvifURL != "" && m.ThumbnailURL != ""
}

// HistoryItem is the canonical per-user record of one generation
// (DynamoDB SK = GEN#{historyId}). ID and UID are derived from PK/SK on read.
type HistoryItem struct {
	ID             string       `json:"id" dynamodbav:"-"`
	UID            string       `json:"-" dynamodbav:"-"`
	Status         Status       `json:"status" dynamodbav:"status"`
	Prompt         string       `json:"prompt,omitempty" dynamodbav:"prompt,omitempty"`
	Model          string       `json:"model,omitempty" dynamodbav:"model,omitempty"`
	GenerationType string       `json:"generationType,omitempty" dynamodbav:"generationType,omitempty"`
	Images         []MediaEntry `json:"images,omitempty" dynamodbav:"images,omitempty"`
	Videos         []MediaEntry `json:"videos,omitempty" dynamodbav:"videos,omitempty"`
	InputImages    []MediaEntry `json:"inputImages,omitempty" dynamodbav:"inputImages,omitempty"`
	InputVideos    []MediaEntry `json:"inputVideos,omitempty" dynamodbav:"inputVideos,omitempty"`
	IsPublic       bool         `json:"isPublic" dynamodbav:"isPublic"`
	Visibility     string       `json:"visibility" dynamodbav:"visibility"`
	IsDeleted      bool         `json:"isDeleted,omitempty" dynamodbav:"isDeleted,omitempty"`
	Tags           []string     `json:"tags,omitempty" dynamodbav:"tags,omitempty"`
	NSFW           bool         `json:"nsfw,omitempty" dynamodbav:"nsfw,omitempty"`
	Error          string       `json:"error,omitempty" dynamodbav:"error,omitempty"`
	CreatedAt      int64        `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt      int64        `json:"updatedAt" dynamodbav:"updatedAt"`
	CreatedBy      CreatedBy    `json:"createdBy" dynamodbav:"createdBy"`
}

// AnyMediaPublic reports whether any image or video entry carries an explicit
// per-item public flag. Media-level public status takes precedence over a
// document-level private flag so already-shared media cannot be hidden by
// accident.
func (h *HistoryItem) AnyMediaPublic() bool {
	for _, m := range h.Images {
		if m.PubliclyVisible() {
			return true
		}
	}
	for _, m := range h.Videos {
		if m.PubliclyVisible() {
			return true
		}
	}
	return false
}

// ListParams selects a page of a user's generations. GenerationTypes holds the
// effective (post-normalization) type filter; empty means all types.
type ListParams struct {
	Limit           int
	Cursor          string
	GenerationTypes []string
}

// ListResult is one page of generations plus the store's pagination signals.
// NextCursor and HasMore are reported exactly as the store produced them, even
// when the caller later drops items from the page.
type ListResult struct {
	Items      []*HistoryItem `json:"items"`
	NextCursor string         `json:"nextCursor,omitempty"`
	HasMore    bool           `json:"hasMore"`
}

// Store is the persistence interface for generation history records.
// Each method is safe for concurrent use.
type Store interface {
	// Create persists a new item and returns its generated historyId.
	Create(ctx context.Context, uid string, item *HistoryItem) (string, error)

	// Get retrieves one item. Returns nil, nil if not found.
	Get(ctx context.Context, uid, historyID string) (*HistoryItem, error)

	// Update merges the supplied fields into an existing item without
	// touching other attributes. Nil field values are rejected.
	Update(ctx context.Context, uid, historyID string, fields map[string]interface{}) error

	// List returns one page of the user's non-deleted generations, newest
	// first. No status filtering happens at this layer.
	List(ctx context.Context, uid string, params ListParams) (*ListResult, error)
}
