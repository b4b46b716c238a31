// Package mirror maintains the public mirror collection: a denormalized,
// cross-user-queryable copy of public generation history items used by feed
// and discovery reads.
//
// The mirror is eventually consistent with the history table. Writes are
// normally decoupled from the request path through a durable queue (queue.go)
// drained by a background worker (worker.go); only visibility toggles and
// soft deletes touch the mirror synchronously.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"

	"github.com/pixelmint/generation-engine/internal/history"
)

// CreatorInfo is the denormalized creator identity stored on each mirror
// record so feed reads never join against user profiles.
type CreatorInfo struct {
	UID         string `json:"uid" dynamodbav:"uid"`
	Username    string `json:"username,omitempty" dynamodbav:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty" dynamodbav:"displayName,omitempty"`
	PhotoURL    string `json:"photoUrl,omitempty" dynamodbav:"photoUrl,omitempty"`
}

// Record is the public projection of a history item, keyed by historyId alone
// (cross-user namespace: it only ever holds public content).
type Record struct {
	HistoryID      string               `json:"historyId" dynamodbav:"-"`
	Creator        CreatorInfo          `json:"creator" dynamodbav:"creator"`
	Status         history.Status       `json:"status" dynamodbav:"status"`
	Prompt         string               `json:"prompt,omitempty" dynamodbav:"prompt,omitempty"`
	Model          string               `json:"model,omitempty" dynamodbav:"model,omitempty"`
	GenerationType string               `json:"generationType,omitempty" dynamodbav:"generationType,omitempty"`
	Images         []history.MediaEntry `json:"images,omitempty" dynamodbav:"images,omitempty"`
	Videos         []history.MediaEntry `json:"videos,omitempty" dynamodbav:"videos,omitempty"`
	Tags           []string             `json:"tags,omitempty" dynamodbav:"tags,omitempty"`
	NSFW           bool                 `json:"nsfw,omitempty" dynamodbav:"nsfw,omitempty"`
	CreatedAt      int64                `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt      int64                `json:"updatedAt" dynamodbav:"updatedAt"`
}

// recordFromHistory projects a history item into its public mirror shape.
// Only media entries that are not individually private are carried over: an
// entry with an explicit isPublic=false stays out of the public surface even
// when the document is public.
func recordFromHistory(historyID string, item *history.HistoryItem, creator CreatorInfo) *Record {
	return &Record{
		HistoryID:      historyID,
		Creator:        creator,
		Status:         item.Status,
		Prompt:         item.Prompt,
		Model:          item.Model,
		GenerationType: item.GenerationType,
		Images:         publicEntries(item.Images),
		Videos:         publicEntries(item.Videos),
		Tags:           item.Tags,
		NSFW:           item.NSFW,
		CreatedAt:      item.CreatedAt,
		UpdatedAt:      item.UpdatedAt,
	}
}

func publicEntries(entries []history.MediaEntry) []history.MediaEntry {
	if len(entries) == 0 {
		return nil
	}
	out := make([]history.MediaEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsPublic != nil && !*e.IsPublic {
			continue
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// DynamoStore implements the public mirror collection on DynamoDB.
// The table is keyed by a single historyId partition key.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
}

// NewDynamoStore creates a mirror store for the given table.
func NewDynamoStore(client *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
	}
}

// UpsertFromHistory writes the public projection of item, replacing any
// existing record. A non-public or soft-deleted snapshot converges to "no
// mirror record": the upsert becomes a removal, which keeps replayed stale
// snapshots from resurrecting hidden content.
func (s *DynamoStore) UpsertFromHistory(ctx context.Context, uid, historyID string, item *history.HistoryItem, creator CreatorInfo) error {
	if item == nil {
		return fmt.Errorf("upsert mirror %s: nil item", historyID)
	}
	if !item.IsPublic || item.IsDeleted {
		return s.Remove(ctx, historyID)
	}

	record := recordFromHistory(historyID, item, creator)
	av, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("marshal mirror record %s: %w", historyID, err)
	}
	av["historyId"] = &types.AttributeValueMemberS{Value: historyID}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("PutItem mirror %s: %w", historyID, err)
	}

	log.Debug().
		Str("uid", uid).
		Str("historyId", historyID).
		Str("status", string(item.Status)).
		Int("images", len(record.Images)).
		Int("videos", len(record.Videos)).
		Msg("Mirror record upserted")
	return nil
}

// ApplyUpdate merges fields into an existing mirror record. Missing records
// are a no-op: partial updates (e.g. a failure status) must not create a
// skeleton record for content that was never public.
func (s *DynamoStore) ApplyUpdate(ctx context.Context, historyID string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	expr := "SET "
	attrNames := make(map[string]string, len(fields))
	attrValues := make(map[string]types.AttributeValue, len(fields))
	for i, name := range names {
		av, err := attributevalue.Marshal(fields[name])
		if err != nil {
			return fmt.Errorf("marshal mirror field %q: %w", name, err)
		}
		placeholder := "#f" + strconv.Itoa(i)
		valueRef := ":v" + strconv.Itoa(i)
		if i > 0 {
			expr += ", "
		}
		expr += placeholder + " = " + valueRef
		attrNames[placeholder] = name
		attrValues[valueRef] = av
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"historyId": &types.AttributeValueMemberS{Value: historyID},
		},
		UpdateExpression:          &expr,
		ExpressionAttributeNames:  attrNames,
		ExpressionAttributeValues: attrValues,
		ConditionExpression:       aws.String("attribute_exists(historyId)"),
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			log.Debug().Str("historyId", historyID).Msg("Mirror update skipped: no record")
			return nil
		}
		return fmt.Errorf("UpdateItem mirror %s: %w", historyID, err)
	}

	log.Debug().Str("historyId", historyID).Strs("fields", names).Msg("Mirror record updated")
	return nil
}

// Remove deletes the mirror record for historyID. Removing an absent record
// succeeds.
func (s *DynamoStore) Remove(ctx context.Context, historyID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"historyId": &types.AttributeValueMemberS{Value: historyID},
		},
	})
	if err != nil {
		return fmt.Errorf("DeleteItem mirror %s: %w", historyID, err)
	}

	log.Debug().Str("historyId", historyID).Msg("Mirror record removed")
	return nil
}
