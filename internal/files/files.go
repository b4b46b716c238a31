// Package files deletes a generation's stored media objects.
//
// Deletion runs detached from the soft-delete request path: the record is
// already hidden from every read surface, so storage cleanup latency never
// blocks the API response.
package files

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"github.com/pixelmint/generation-engine/internal/history"
)

// maxBatchDelete is the S3 DeleteObjects limit per call.
const maxBatchDelete = 1000

// S3Deleter removes generation media from an S3 bucket.
type S3Deleter struct {
	client *s3.Client
	bucket string
}

// NewS3Deleter creates a deleter for the given bucket.
func NewS3Deleter(client *s3.Client, bucket string) *S3Deleter {
	return &S3Deleter{
		client: client,
		bucket: bucket,
	}
}

// DeleteGenerationFiles removes every object the item's media entries point
// at, including derived AVIF and thumbnail keys. Entries without a
// storagePath (externally hosted media) are skipped.
func (d *S3Deleter) DeleteGenerationFiles(ctx context.Context, item *history.HistoryItem) error {
	keys := collectKeys(item)
	if len(keys) == 0 {
		log.Debug().Str("historyId", item.ID).Msg("No stored objects to delete")
		return nil
	}

	for i := 0; i < len(keys); i += maxBatchDelete {
		end := i + maxBatchDelete
		if end > len(keys) {
			end = len(keys)
		}

		objects := make([]s3types.ObjectIdentifier, 0, end-i)
		for _, key := range keys[i:end] {
			k := key
			objects = append(objects, s3types.ObjectIdentifier{Key: &k})
		}

		quiet := true
		out, err := d.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: &d.bucket,
			Delete: &s3types.Delete{Objects: objects, Quiet: &quiet},
		})
		if err != nil {
			return fmt.Errorf("delete objects for %s (%d keys): %w", item.ID, len(objects), err)
		}
		for _, e := range out.Errors {
			log.Warn().
				Str("historyId", item.ID).
				Str("key", strOrEmpty(e.Key)).
				Str("code", strOrEmpty(e.Code)).
				Msg("Failed to delete object")
		}
	}

	log.Info().
		Str("historyId", item.ID).
		Int("keys", len(keys)).
		Msg("Generation files deleted")
	return nil
}

// collectKeys gathers the storage keys of all media entries plus their
// derived representations, which live next to the original.
func collectKeys(item *history.HistoryItem) []string {
	var keys []string
	add := func(entries []history.MediaEntry) {
		for _, e := range entries {
			if e.StoragePath == "" {
				continue
			}
			keys = append(keys, e.StoragePath)
			if base, name, ok := history.SplitStoragePath(e.StoragePath); ok {
				keys = append(keys, base+"/"+name+".avif", base+"/"+name+"_thumb.jpg")
			}
		}
	}
	add(item.Images)
	add(item.Videos)
	return keys
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
