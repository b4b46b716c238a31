package history

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants for the generation-history table.
const (
	pkPrefix = "USER#"
	skPrefix = "GEN#"

	// createdAtIndex is the local secondary index keyed on (PK, createdAt),
	// used to page a user's generations newest first.
	createdAtIndex = "byCreatedAt"
)

// DynamoStore implements Store using AWS DynamoDB.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
}

// Compile-time interface check.
var _ Store = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoStore(client *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
	}
}

func userPK(uid string) string {
	return pkPrefix + uid
}

func generationSK(historyID string) string {
	return skPrefix + historyID
}

// stampTimestamps fills missing timestamps in epoch milliseconds, the unit
// every other writer uses; mixed units would corrupt byCreatedAt ordering.
func stampTimestamps(item *HistoryItem, now time.Time) {
	ms := now.UnixMilli()
	if item.CreatedAt == 0 {
		item.CreatedAt = ms
	}
	if item.UpdatedAt == 0 {
		item.UpdatedAt = ms
	}
}

func (s *DynamoStore) Create(ctx context.Context, uid string, item *HistoryItem) (string, error) {
	historyID := item.ID
	if historyID == "" {
		historyID = uuid.NewString()
	}
	stampTimestamps(item, time.Now())

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return "", fmt.Errorf("marshal history item: %w", err)
	}
	av["PK"] = &types.AttributeValueMemberS{Value: userPK(uid)}
	av["SK"] = &types.AttributeValueMemberS{Value: generationSK(historyID)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return "", fmt.Errorf("PutItem uid=%s historyId=%s: %w", uid, historyID, err)
	}

	log.Debug().
		Str("uid", uid).
		Str("historyId", historyID).
		Str("status", string(item.Status)).
		Str("generationType", item.GenerationType).
		Msg("History item created")
	return historyID, nil
}

func (s *DynamoStore) Get(ctx context.Context, uid, historyID string) (*HistoryItem, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(uid)},
			"SK": &types.AttributeValueMemberS{Value: generationSK(historyID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("GetItem uid=%s historyId=%s: %w", uid, historyID, err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var item HistoryItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal history item uid=%s historyId=%s: %w", uid, historyID, err)
	}
	item.ID = historyID
	item.UID = uid
	return &item, nil
}

func (s *DynamoStore) Update(ctx context.Context, uid, historyID string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}

	// Deterministic expression order keeps logs and retries comparable.
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	expr := "SET "
	attrNames := make(map[string]string, len(fields))
	attrValues := make(map[string]types.AttributeValue, len(fields))
	for i, name := range names {
		value := fields[name]
		if value == nil {
			return fmt.Errorf("update uid=%s historyId=%s: field %q is nil", uid, historyID, name)
		}
		av, err := attributevalue.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal field %q: %w", name, err)
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
			"PK": &types.AttributeValueMemberS{Value: userPK(uid)},
			"SK": &types.AttributeValueMemberS{Value: generationSK(historyID)},
		},
		UpdateExpression:          &expr,
		ExpressionAttributeNames:  attrNames,
		ExpressionAttributeValues: attrValues,
		ConditionExpression:       aws.String("attribute_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("UpdateItem uid=%s historyId=%s: %w", uid, historyID, err)
	}

	log.Debug().
		Str("uid", uid).
		Str("historyId", historyID).
		Strs("fields", names).
		Msg("History item updated")
	return nil
}

func (s *DynamoStore) List(ctx context.Context, uid string, params ListParams) (*ListResult, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		IndexName:              aws.String(createdAtIndex),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: userPK(uid)},
		},
		Limit:            aws.Int32(int32(limit)),
		ScanIndexForward: aws.Bool(false), // newest first
	}

	filter := "attribute_not_exists(isDeleted) OR isDeleted = :notDeleted"
	input.ExpressionAttributeValues[":notDeleted"] = &types.AttributeValueMemberBOOL{Value: false}
	if len(params.GenerationTypes) > 0 {
		refs := make([]string, 0, len(params.GenerationTypes))
		for i, gt := range params.GenerationTypes {
			ref := ":gt" + strconv.Itoa(i)
			input.ExpressionAttributeValues[ref] = &types.AttributeValueMemberS{Value: gt}
			refs = append(refs, ref)
		}
		filter = "(" + filter + ") AND #gt IN (" + joinRefs(refs) + ")"
		input.ExpressionAttributeNames = map[string]string{"#gt": "generationType"}
	}
	input.FilterExpression = &filter

	if params.Cursor != "" {
		startKey, err := decodeCursor(params.Cursor)
		if err != nil {
			return nil, fmt.Errorf("list uid=%s: %w", uid, err)
		}
		input.ExclusiveStartKey = startKey
	}

	result, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("Query uid=%s: %w", uid, err)
	}

	items := make([]*HistoryItem, 0, len(result.Items))
	for _, raw := range result.Items {
		var item HistoryItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			log.Warn().Err(err).Str("uid", uid).Msg("Failed to unmarshal history item, skipping")
			continue
		}
		if skAttr, ok := raw["SK"].(*types.AttributeValueMemberS); ok {
			item.ID = skAttr.Value[len(skPrefix):]
		}
		item.UID = uid
		items = append(items, &item)
	}

	out := &ListResult{Items: items}
	if result.LastEvaluatedKey != nil {
		cursor, err := encodeCursor(result.LastEvaluatedKey)
		if err != nil {
			return nil, fmt.Errorf("list uid=%s: %w", uid, err)
		}
		out.NextCursor = cursor
		out.HasMore = true
	}
	return out, nil
}

func joinRefs(refs []string) string {
	s := ""
	for i, r := range refs {
		if i > 0 {
			s += ", "
		}
		s += r
	}
	return s
}

// encodeCursor converts a DynamoDB LastEvaluatedKey into an opaque,
// URL-safe cursor.
func encodeCursor(key map[string]types.AttributeValue) (string, error) {
	var plain map[string]interface{}
	if err := attributevalue.UnmarshalMap(key, &plain); err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	data, err := json.Marshal(plain)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// decodeCursor reverses encodeCursor.
func decodeCursor(cursor string) (map[string]types.AttributeValue, error) {
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	var plain map[string]interface{}
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	key, err := attributevalue.MarshalMap(plain)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	return key, nil
}
