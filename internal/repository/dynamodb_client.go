package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"

	"conversation-store/internal/domain"
)

const (
	pkPrefixConv = "CONV#"
	skPrefixMsg  = "MSG#"
	ttlAttribute = "ExpiresOn"

	// sortTimeLayout is fixed width so lexical order matches time order.
	sortTimeLayout = "2006-01-02T15:04:05.000000000Z"

	batchWriteLimit    = 25
	batchWriteAttempts = 5
)

var errUnprocessedItems = errors.New("repository: unprocessed items remain")

// dynamodbAPI is the minimal DynamoDB interface required by HotStore.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// HotStore keeps messages of active conversations in a TTL-bounded DynamoDB table.
type HotStore struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
	backOff   func() backoff.BackOff
}

// NewHotStore creates a HotStore over tableName.
func NewHotStore(api dynamodbAPI, tableName string) (*HotStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &HotStore{
		api:       api,
		tableName: tableName,
		now:       time.Now,
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
	}, nil
}

// convPK returns the partition key for a conversation.
func convPK(conversationID string) string {
	return pkPrefixConv + conversationID
}

// msgSK returns the sort key for a message created at ts with the given id.
func msgSK(ts time.Time, id string) string {
	return skPrefixMsg + ts.UTC().Format(sortTimeLayout) + "#" + id
}

// Append stores rec with an expiry of ttl from now. It reports duplicate when
// an item with the same key already exists; the existing item is left as is.
func (s *HotStore) Append(ctx context.Context, rec domain.HotMessageRecord, ttl time.Duration) (bool, error) {
	if rec.ConversationID == "" || rec.MessageID == "" {
		return false, errors.New("repository: Append: conversation id and message id are required")
	}
	if rec.SortKey == "" {
		rec.SortKey = msgSK(rec.CreatedAt, rec.MessageID)
	}
	if ttl <= 0 {
		return false, errors.New("repository: Append: ttl must be positive")
	}
	stored := s.now().UTC()
	rec.StoredAt = stored
	rec.ExpiresAt = stored.Add(ttl)

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                recordItem(rec),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return true, nil
		}
		return false, fmt.Errorf("repository: Append: %w", err)
	}
	return false, nil
}

// ListAll returns every hot record of a conversation in sort key order. Each
// call is a fresh read across all pages.
func (s *HotStore) ListAll(ctx context.Context, conversationID string) ([]domain.HotMessageRecord, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}

	var recs []domain.HotMessageRecord
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListAll query: %w", err)
		}
		for _, item := range out.Items {
			rec, err := itemToRecord(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListAll unmarshal: %w", err)
			}
			recs = append(recs, rec)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return recs, nil
}

// Evict deletes every hot record currently stored for the conversation.
func (s *HotStore) Evict(ctx context.Context, conversationID string) error {
	recs, err := s.ListAll(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("repository: Evict: %w", err)
	}
	return s.EvictRecords(ctx, conversationID, recs)
}

// EvictRecords deletes exactly recs. Records written after recs were read are
// not touched.
func (s *HotStore) EvictRecords(ctx context.Context, conversationID string, recs []domain.HotMessageRecord) error {
	pk := convPK(conversationID)
	for start := 0; start < len(recs); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(recs))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, rec := range recs[start:end] {
			reqs = append(reqs, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: map[string]types.AttributeValue{
					"PK": &types.AttributeValueMemberS{Value: pk},
					"SK": &types.AttributeValueMemberS{Value: rec.SortKey},
				}},
			})
		}
		if err := s.batchDelete(ctx, reqs); err != nil {
			return fmt.Errorf("repository: EvictRecords: %w", err)
		}
	}
	return nil
}

func (s *HotStore) batchDelete(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{s.tableName: reqs}
	op := func() error {
		out, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return backoff.Permanent(err)
		}
		if out == nil || len(out.UnprocessedItems[s.tableName]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
		return errUnprocessedItems
	}
	b := backoff.WithContext(backoff.WithMaxRetries(s.backOff(), batchWriteAttempts-1), ctx)
	return backoff.Retry(op, b)
}

func recordItem(rec domain.HotMessageRecord) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(rec.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: rec.SortKey},
		"conversationId": &types.AttributeValueMemberS{Value: rec.ConversationID},
		"messageId":      &types.AttributeValueMemberS{Value: rec.MessageID},
		"kind":           &types.AttributeValueMemberS{Value: string(rec.Kind)},
		"source":         &types.AttributeValueMemberS{Value: rec.Source},
		"text":           &types.AttributeValueMemberS{Value: rec.Text},
		"createdAt":      &types.AttributeValueMemberS{Value: rec.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"storedAt":       &types.AttributeValueMemberS{Value: rec.StoredAt.UTC().Format(time.RFC3339Nano)},
		ttlAttribute:     &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.ExpiresAt.Unix(), 10)},
	}
	if rec.Key != "" {
		item["key"] = &types.AttributeValueMemberS{Value: rec.Key}
	}
	if rec.AgentID != "" {
		item["agentId"] = &types.AttributeValueMemberS{Value: rec.AgentID}
	}
	if len(rec.Payload) > 0 {
		item["payload"] = &types.AttributeValueMemberS{Value: string(rec.Payload)}
	}
	return item
}

// itemToRecord converts a DynamoDB attribute map to a HotMessageRecord.
func itemToRecord(item map[string]types.AttributeValue) (domain.HotMessageRecord, error) {
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.HotMessageRecord{}, err
	}
	convID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.HotMessageRecord{}, err
	}
	id, err := strAttr(item, "messageId")
	if err != nil {
		return domain.HotMessageRecord{}, err
	}
	createdRaw, err := strAttr(item, "createdAt")
	if err != nil {
		return domain.HotMessageRecord{}, err
	}
	created, err := time.Parse(time.RFC3339Nano, createdRaw)
	if err != nil {
		return domain.HotMessageRecord{}, fmt.Errorf("repository: parse attribute %q: %w", "createdAt", err)
	}
	kind, _ := strAttr(item, "kind")
	source, _ := strAttr(item, "source")
	text, _ := strAttr(item, "text")
	key, _ := strAttr(item, "key")
	agentID, _ := strAttr(item, "agentId")
	payload, _ := strAttr(item, "payload")

	rec := domain.HotMessageRecord{
		ConversationID: convID,
		SortKey:        sk,
		MessageID:      id,
		Kind:           domain.EventKind(kind),
		Source:         source,
		Text:           text,
		Key:            key,
		AgentID:        agentID,
		CreatedAt:      created.UTC(),
	}
	if payload != "" {
		rec.Payload = []byte(payload)
	}
	if storedRaw, err := strAttr(item, "storedAt"); err == nil {
		if stored, err := time.Parse(time.RFC3339Nano, storedRaw); err == nil {
			rec.StoredAt = stored.UTC()
		}
	}
	if expires, err := intAttr(item, ttlAttribute); err == nil {
		rec.ExpiresAt = time.Unix(expires, 0).UTC()
	}
	return rec, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
