// Package stats maintains per-user aggregate generation counters.
//
// Counters are incremental (DynamoDB ADD expressions), never recomputed on
// the write path, so a missed adjustment skews the counter until the offline
// Recompute pass repairs it. All callers treat counter writes as best-effort.
package stats

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"

	"github.com/pixelmint/generation-engine/internal/history"
)

const (
	pkPrefix = "USER#"
	skStats  = "STATS"
)

// Counters is the per-user aggregate record.
type Counters struct {
	Total      int            `json:"total" dynamodbav:"total"`
	Generating int            `json:"generating" dynamodbav:"generating"`
	Completed  int            `json:"completed" dynamodbav:"completed"`
	Failed     int            `json:"failed" dynamodbav:"failed"`
	ByType     map[string]int `json:"byType,omitempty" dynamodbav:"byType,omitempty"`
}

// DynamoCounter implements the per-user stats counter on DynamoDB.
type DynamoCounter struct {
	client    *dynamodb.Client
	tableName string
}

// NewDynamoCounter creates a counter store for the given table.
func NewDynamoCounter(client *dynamodb.Client, tableName string) *DynamoCounter {
	return &DynamoCounter{
		client:    client,
		tableName: tableName,
	}
}

func statsKey(uid string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pkPrefix + uid},
		"SK": &types.AttributeValueMemberS{Value: skStats},
	}
}

// statusAttr maps a lifecycle status to its counter attribute.
func statusAttr(status history.Status) (string, bool) {
	switch status {
	case history.StatusGenerating:
		return "generating", true
	case history.StatusCompleted:
		return "completed", true
	case history.StatusFailed:
		return "failed", true
	}
	return "", false
}

// IncrementOnCreate records a newly started generation: total, the generating
// counter, and the per-type counter all go up by one.
func (c *DynamoCounter) IncrementOnCreate(ctx context.Context, uid, generationType string) error {
	expr := "ADD #total :one, #generating :one, byType.#gt :one"
	_, err := c.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        &c.tableName,
		Key:              statsKey(uid),
		UpdateExpression: aws.String(expr),
		ExpressionAttributeNames: map[string]string{
			"#total":      "total",
			"#generating": "generating",
			"#gt":         generationType,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		// A fresh user has no stats record yet, so the byType map path does
		// not exist. Create the record, then retry the increment once.
		if initErr := c.ensureRecord(ctx, uid); initErr != nil {
			return fmt.Errorf("increment stats uid=%s type=%s: %w", uid, generationType, err)
		}
		_, err = c.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:        &c.tableName,
			Key:              statsKey(uid),
			UpdateExpression: aws.String(expr),
			ExpressionAttributeNames: map[string]string{
				"#total":      "total",
				"#generating": "generating",
				"#gt":         generationType,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":one": &types.AttributeValueMemberN{Value: "1"},
			},
		})
		if err != nil {
			return fmt.Errorf("increment stats uid=%s type=%s: %w", uid, generationType, err)
		}
	}

	log.Debug().Str("uid", uid).Str("generationType", generationType).Msg("Stats incremented on create")
	return nil
}

// UpdateOnStatusChange moves one count from the old status bucket to the new
// one. Only generating -> completed|failed transitions are meaningful; other
// pairs are rejected so a bug upstream cannot silently corrupt counters.
func (c *DynamoCounter) UpdateOnStatusChange(ctx context.Context, uid string, from, to history.Status) error {
	fromAttr, ok := statusAttr(from)
	if !ok {
		return fmt.Errorf("stats uid=%s: unknown status %q", uid, from)
	}
	toAttr, ok := statusAttr(to)
	if !ok {
		return fmt.Errorf("stats uid=%s: unknown status %q", uid, to)
	}
	if from != history.StatusGenerating || from == to {
		return fmt.Errorf("stats uid=%s: unsupported transition %s -> %s", uid, from, to)
	}

	_, err := c.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        &c.tableName,
		Key:              statsKey(uid),
		UpdateExpression: aws.String("ADD #from :minusOne, #to :one"),
		ExpressionAttributeNames: map[string]string{
			"#from": fromAttr,
			"#to":   toAttr,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":minusOne": &types.AttributeValueMemberN{Value: "-1"},
			":one":      &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		return fmt.Errorf("stats transition uid=%s %s -> %s: %w", uid, from, to, err)
	}

	log.Debug().
		Str("uid", uid).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Stats adjusted on status change")
	return nil
}

// ensureRecord writes an empty counters record if none exists.
func (c *DynamoCounter) ensureRecord(ctx context.Context, uid string) error {
	key := statsKey(uid)
	item := map[string]types.AttributeValue{
		"PK":         key["PK"],
		"SK":         key["SK"],
		"total":      &types.AttributeValueMemberN{Value: "0"},
		"generating": &types.AttributeValueMemberN{Value: "0"},
		"completed":  &types.AttributeValueMemberN{Value: "0"},
		"failed":     &types.AttributeValueMemberN{Value: "0"},
		"byType":     &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{}},
	}
	_, err := c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &c.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return nil
		}
		return fmt.Errorf("init stats record uid=%s: %w", uid, err)
	}
	return nil
}

// Get reads the current counters. Returns a zero record when none exists.
func (c *DynamoCounter) Get(ctx context.Context, uid string) (*Counters, error) {
	result, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &c.tableName,
		Key:       statsKey(uid),
	})
	if err != nil {
		return nil, fmt.Errorf("get stats uid=%s: %w", uid, err)
	}
	if result.Item == nil {
		return &Counters{}, nil
	}
	var counters Counters
	if err := attributevalue.UnmarshalMap(result.Item, &counters); err != nil {
		return nil, fmt.Errorf("unmarshal stats uid=%s: %w", uid, err)
	}
	return &counters, nil
}

// Recompute rebuilds the counters from the history store and overwrites the
// record. This is the offline repair for counter drift caused by partial
// failures on the write path; it is invoked from the admin CLI, never inline.
// Soft-deleted items are excluded, matching what list reads expose.
func (c *DynamoCounter) Recompute(ctx context.Context, uid string, store history.Store) (*Counters, error) {
	counters := &Counters{ByType: make(map[string]int)}

	cursor := ""
	for {
		page, err := store.List(ctx, uid, history.ListParams{Limit: 100, Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("recompute stats uid=%s: %w", uid, err)
		}
		for _, item := range page.Items {
			counters.Total++
			switch item.Status {
			case history.StatusGenerating:
				counters.Generating++
			case history.StatusCompleted:
				counters.Completed++
			case history.StatusFailed:
				counters.Failed++
			}
			if item.GenerationType != "" {
				counters.ByType[item.GenerationType]++
			}
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	key := statsKey(uid)
	item := map[string]types.AttributeValue{
		"PK":         key["PK"],
		"SK":         key["SK"],
		"total":      &types.AttributeValueMemberN{Value: strconv.Itoa(counters.Total)},
		"generating": &types.AttributeValueMemberN{Value: strconv.Itoa(counters.Generating)},
		"completed":  &types.AttributeValueMemberN{Value: strconv.Itoa(counters.Completed)},
		"failed":     &types.AttributeValueMemberN{Value: strconv.Itoa(counters.Failed)},
	}
	byType := make(map[string]types.AttributeValue, len(counters.ByType))
	for gt, n := range counters.ByType {
		byType[gt] = &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
	}
	item["byType"] = &types.AttributeValueMemberM{Value: byType}

	if _, err := c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &c.tableName,
		Item:      item,
	}); err != nil {
		return nil, fmt.Errorf("write recomputed stats uid=%s: %w", uid, err)
	}

	log.Info().
		Str("uid", uid).
		Int("total", counters.Total).
		Int("generating", counters.Generating).
		Int("completed", counters.Completed).
		Int("failed", counters.Failed).
		Msg("Stats recomputed from history")
	return counters, nil
}
