package mirror

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"

	"github.com/pixelmint/generation-engine/internal/history"
)

// Operation identifies the kind of mirror write a queue entry carries.
type Operation string

const (
	OpUpsert Operation = "upsert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// queuePK is the single partition key for pending entries. All entries share
// it so one ascending Query yields global enqueue order, which implies the
// per-historyId ordering the worker contract requires.
const queuePK = "PENDING"

// QueueTTL bounds how long an unprocessable entry can linger before DynamoDB
// TTL reaps it. The worker gives up on poison entries well before this.
const QueueTTL = 7 * 24 * time.Hour

// Entry is one pending mirror write. Exactly one of Item (upsert) or Updates
// (update) is set; delete carries neither.
type Entry struct {
	ID         string                 `json:"id" dynamodbav:"-"`
	UID        string                 `json:"uid" dynamodbav:"uid"`
	HistoryID  string                 `json:"historyId" dynamodbav:"historyId"`
	Operation  Operation              `json:"operation" dynamodbav:"operation"`
	Item       *history.HistoryItem   `json:"item,omitempty" dynamodbav:"item,omitempty"`
	Creator    CreatorInfo            `json:"creator,omitempty" dynamodbav:"creator,omitempty"`
	Updates    map[string]interface{} `json:"updates,omitempty" dynamodbav:"updates,omitempty"`
	EnqueuedAt int64                  `json:"enqueuedAt" dynamodbav:"enqueuedAt"`
	Attempts   int                    `json:"attempts,omitempty" dynamodbav:"attempts,omitempty"`
}

// DynamoQueue is the durable mirror work queue, backed by a DynamoDB table
// with PK=PENDING and a sort key ordered by enqueue time.
type DynamoQueue struct {
	client    *dynamodb.Client
	tableName string
}

// NewDynamoQueue creates a queue for the given table.
func NewDynamoQueue(client *dynamodb.Client, tableName string) *DynamoQueue {
	return &DynamoQueue{
		client:    client,
		tableName: tableName,
	}
}

// entrySK builds a sort key that sorts by enqueue time with a random suffix
// to keep same-nanosecond enqueues from colliding.
func entrySK(enqueuedAt int64, historyID string) string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		log.Fatal().Err(err).Msg("Failed to generate queue entry suffix")
	}
	return fmt.Sprintf("%020d#%s#%s", enqueuedAt, historyID, hex.EncodeToString(b))
}

// EnqueueUpsert queues a full-snapshot upsert of a history item.
func (q *DynamoQueue) EnqueueUpsert(ctx context.Context, entry Entry) error {
	entry.Operation = OpUpsert
	return q.enqueue(ctx, entry)
}

// EnqueueUpdate queues a partial field update against an existing mirror record.
func (q *DynamoQueue) EnqueueUpdate(ctx context.Context, entry Entry) error {
	entry.Operation = OpUpdate
	return q.enqueue(ctx, entry)
}

// EnqueueDelete queues removal of a mirror record.
func (q *DynamoQueue) EnqueueDelete(ctx context.Context, entry Entry) error {
	entry.Operation = OpDelete
	return q.enqueue(ctx, entry)
}

func (q *DynamoQueue) enqueue(ctx context.Context, entry Entry) error {
	if entry.HistoryID == "" {
		return fmt.Errorf("enqueue mirror %s: missing historyId", entry.Operation)
	}
	if entry.EnqueuedAt == 0 {
		entry.EnqueuedAt = time.Now().UnixNano()
	}

	av, err := attributevalue.MarshalMap(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry %s/%s: %w", entry.Operation, entry.HistoryID, err)
	}
	sk := entrySK(entry.EnqueuedAt, entry.HistoryID)
	av["PK"] = &types.AttributeValueMemberS{Value: queuePK}
	av["SK"] = &types.AttributeValueMemberS{Value: sk}
	av["expiresAt"] = &types.AttributeValueMemberN{
		Value: strconv.FormatInt(time.Now().Add(QueueTTL).Unix(), 10),
	}

	_, err = q.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &q.tableName,
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("PutItem queue entry %s/%s: %w", entry.Operation, entry.HistoryID, err)
	}

	log.Debug().
		Str("historyId", entry.HistoryID).
		Str("operation", string(entry.Operation)).
		Str("entryId", sk).
		Msg("Mirror write enqueued")
	return nil
}

// Peek returns up to limit pending entries in enqueue order without removing
// them. Entries stay queued until Delete is called after a durable mirror
// write.
func (q *DynamoQueue) Peek(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 25
	}

	result, err := q.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              &q.tableName,
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: queuePK},
		},
		Limit:            aws.Int32(int32(limit)),
		ScanIndexForward: aws.Bool(true), // oldest first
	})
	if err != nil {
		return nil, fmt.Errorf("Query mirror queue: %w", err)
	}

	entries := make([]Entry, 0, len(result.Items))
	for _, raw := range result.Items {
		var entry Entry
		if err := attributevalue.UnmarshalMap(raw, &entry); err != nil {
			log.Warn().Err(err).Msg("Failed to unmarshal queue entry, skipping")
			continue
		}
		if skAttr, ok := raw["SK"].(*types.AttributeValueMemberS); ok {
			entry.ID = skAttr.Value
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Delete removes a processed entry.
func (q *DynamoQueue) Delete(ctx context.Context, entryID string) error {
	_, err := q.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &q.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: queuePK},
			"SK": &types.AttributeValueMemberS{Value: entryID},
		},
	})
	if err != nil {
		return fmt.Errorf("DeleteItem queue entry %s: %w", entryID, err)
	}
	return nil
}

// BumpAttempts increments the persistent attempt counter on an entry so the
// worker can spot entries that keep failing across polls.
func (q *DynamoQueue) BumpAttempts(ctx context.Context, entryID string) error {
	_, err := q.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &q.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: queuePK},
			"SK": &types.AttributeValueMemberS{Value: entryID},
		},
		UpdateExpression: aws.String("ADD attempts :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		return fmt.Errorf("bump attempts %s: %w", entryID, err)
	}
	return nil
}
