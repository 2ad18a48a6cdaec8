package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"conversation-store/internal/domain"
)

type fakeDynamo struct {
	putErr     error
	queryOuts  []*dynamodb.QueryOutput
	queryErr   error
	batchOuts  []*dynamodb.BatchWriteItemOutput
	batchErr   error
	lastPutIn  *dynamodb.PutItemInput
	queryIns   []*dynamodb.QueryInput
	batchIns   []*dynamodb.BatchWriteItemInput
	queryCalls int
	batchCalls int
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutIn = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	cp := *in
	f.queryIns = append(f.queryIns, &cp)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if f.queryCalls >= len(f.queryOuts) {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOuts[f.queryCalls]
	f.queryCalls++
	return out, nil
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.batchIns = append(f.batchIns, in)
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	if f.batchCalls >= len(f.batchOuts) {
		return &dynamodb.BatchWriteItemOutput{}, nil
	}
	out := f.batchOuts[f.batchCalls]
	f.batchCalls++
	return out, nil
}

func mustNewHotStore(t *testing.T, db *fakeDynamo) *HotStore {
	t.Helper()
	s, err := NewHotStore(db, "test-table")
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	s.backOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return s
}

func sampleEvent(text string, ts time.Time) domain.ConversationEvent {
	payload, _ := json.Marshal(map[string]string{"text": text})
	return domain.ConversationEvent{
		Kind:           domain.KindReceived,
		ConversationID: "C1",
		Payload:        payload,
		Text:           text,
		Source:         "incoming",
		Timestamp:      ts,
	}
}

func TestMsgSK_SortsChronologically(t *testing.T) {
	early := msgSK(time.Date(2026, 3, 1, 9, 0, 0, 5, time.UTC), "z")
	late := msgSK(time.Date(2026, 3, 1, 9, 0, 0, 40, time.UTC), "a")
	require.Less(t, early, late)
	require.Len(t, early, len(late))
	require.Contains(t, early, "MSG#2026-03-01T09:00:00.000000005Z#")
}

func hotRecord(ev domain.ConversationEvent) domain.HotMessageRecord {
	rec := domain.NewHotMessageRecord(ev)
	rec.SortKey = msgSK(rec.CreatedAt, rec.MessageID)
	return rec
}

func TestAppend_AssignsSortKey(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewHotStore(t, db)
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("BRT", -3*3600))
	rec := domain.NewHotMessageRecord(sampleEvent("hi", ts))
	require.Empty(t, rec.SortKey)

	_, err := s.Append(context.Background(), rec, time.Hour)
	require.NoError(t, err)
	sk := db.lastPutIn.Item["SK"].(*types.AttributeValueMemberS).Value
	require.Equal(t, "MSG#2026-03-01T12:00:00.000000000Z#"+rec.MessageID, sk)
}

func TestAppend_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewHotStore(t, db)
	rec := hotRecord(sampleEvent("hi", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))

	dup, err := s.Append(context.Background(), rec, 48*time.Hour)
	require.NoError(t, err)
	require.False(t, dup)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *db.lastPutIn.ConditionExpression)
	require.Equal(t, "CONV#C1", db.lastPutIn.Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, rec.SortKey, db.lastPutIn.Item["SK"].(*types.AttributeValueMemberS).Value)

	expires := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC).Unix()
	require.Equal(t, strconv.FormatInt(expires, 10), db.lastPutIn.Item[ttlAttribute].(*types.AttributeValueMemberN).Value)
	_, hasKey := db.lastPutIn.Item["key"]
	require.False(t, hasKey)
}

func TestAppend_ConditionalFailureIsDuplicate(t *testing.T) {
	db := &fakeDynamo{putErr: &types.ConditionalCheckFailedException{Message: aws.String("exists")}}
	s := mustNewHotStore(t, db)
	rec := hotRecord(sampleEvent("hi", time.Now()))

	dup, err := s.Append(context.Background(), rec, time.Hour)
	require.NoError(t, err)
	require.True(t, dup)
}

func TestAppend_DynamoError(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("ProvisionedThroughputExceededException")}
	s := mustNewHotStore(t, db)
	_, err := s.Append(context.Background(), hotRecord(sampleEvent("hi", time.Now())), time.Hour)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Append")
}

func TestAppend_Rejects(t *testing.T) {
	s := mustNewHotStore(t, &fakeDynamo{})
	_, err := s.Append(context.Background(), domain.HotMessageRecord{ConversationID: "C1"}, time.Hour)
	require.Error(t, err)
	require.Contains(t, err.Error(), "message id are required")

	_, err = s.Append(context.Background(), hotRecord(sampleEvent("hi", time.Now())), 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ttl")
}

func TestListAll_RoundTripsAppendedItem(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewHotStore(t, db)
	ev := sampleEvent("hi", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	ev.Key = "weni_nps"
	rec := hotRecord(ev)
	_, err := s.Append(context.Background(), rec, time.Hour)
	require.NoError(t, err)

	db.queryOuts = []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{db.lastPutIn.Item}}}
	got, err := s.ListAll(context.Background(), "C1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, rec.MessageID, got[0].MessageID)
	require.Equal(t, rec.SortKey, got[0].SortKey)
	require.Equal(t, rec.CreatedAt, got[0].CreatedAt)
	require.Equal(t, "weni_nps", got[0].Key)
	require.JSONEq(t, string(rec.Payload), string(got[0].Payload))
	require.Equal(t, s.now().Add(time.Hour).Unix(), got[0].ExpiresAt.Unix())
}

func TestListAll_Paginates(t *testing.T) {
	s1 := hotRecord(sampleEvent("one", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))
	s2 := hotRecord(sampleEvent("two", time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC)))
	s3 := hotRecord(sampleEvent("three", time.Date(2026, 3, 1, 9, 2, 0, 0, time.UTC)))
	lastKey := map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: "CONV#C1"}}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{Items: []map[string]types.AttributeValue{recordItem(s1), recordItem(s2)}, LastEvaluatedKey: lastKey},
		{Items: []map[string]types.AttributeValue{recordItem(s3)}},
	}}
	s := mustNewHotStore(t, db)

	got, err := s.ListAll(context.Background(), "C1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []string{"one", "two", "three"}, []string{got[0].Text, got[1].Text, got[2].Text})
	require.Len(t, db.queryIns, 2)
	require.Nil(t, db.queryIns[0].ExclusiveStartKey)
	require.Equal(t, lastKey, db.queryIns[1].ExclusiveStartKey)
	require.True(t, *db.queryIns[0].ScanIndexForward)
	require.True(t, *db.queryIns[0].ConsistentRead)
}

func TestListAll_QueryError(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")}
	s := mustNewHotStore(t, db)
	_, err := s.ListAll(context.Background(), "C1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "ListAll")
}

func TestListAll_MalformedItem(t *testing.T) {
	item := map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "CONV#C1"},
		"SK": &types.AttributeValueMemberS{Value: "MSG#ts#id"},
	}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{item}}}}
	s := mustNewHotStore(t, db)
	_, err := s.ListAll(context.Background(), "C1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "conversationId")
}

func TestEvictRecords_ChunksOf25(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewHotStore(t, db)
	recs := make([]domain.HotMessageRecord, 0, 60)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := range 60 {
		recs = append(recs, hotRecord(sampleEvent("m", base.Add(time.Duration(i)*time.Second))))
	}

	require.NoError(t, s.EvictRecords(context.Background(), "C1", recs))
	require.Len(t, db.batchIns, 3)
	require.Len(t, db.batchIns[0].RequestItems["test-table"], 25)
	require.Len(t, db.batchIns[1].RequestItems["test-table"], 25)
	require.Len(t, db.batchIns[2].RequestItems["test-table"], 10)
	del := db.batchIns[0].RequestItems["test-table"][0].DeleteRequest
	require.Equal(t, recs[0].SortKey, del.Key["SK"].(*types.AttributeValueMemberS).Value)
}

func TestEvictRecords_RetriesUnprocessed(t *testing.T) {
	rec := hotRecord(sampleEvent("m", time.Now()))
	unprocessed := map[string][]types.WriteRequest{"test-table": {{DeleteRequest: &types.DeleteRequest{}}}}
	db := &fakeDynamo{batchOuts: []*dynamodb.BatchWriteItemOutput{
		{UnprocessedItems: unprocessed},
		{},
	}}
	s := mustNewHotStore(t, db)

	require.NoError(t, s.EvictRecords(context.Background(), "C1", []domain.HotMessageRecord{rec}))
	require.Len(t, db.batchIns, 2)
	require.Equal(t, unprocessed, db.batchIns[1].RequestItems)
}

func TestEvictRecords_GivesUpAfterAttempts(t *testing.T) {
	unprocessed := map[string][]types.WriteRequest{"test-table": {{DeleteRequest: &types.DeleteRequest{}}}}
	outs := make([]*dynamodb.BatchWriteItemOutput, 0, batchWriteAttempts)
	for range batchWriteAttempts {
		outs = append(outs, &dynamodb.BatchWriteItemOutput{UnprocessedItems: unprocessed})
	}
	db := &fakeDynamo{batchOuts: outs}
	s := mustNewHotStore(t, db)

	err := s.EvictRecords(context.Background(), "C1", []domain.HotMessageRecord{hotRecord(sampleEvent("m", time.Now()))})
	require.ErrorIs(t, err, errUnprocessedItems)
	require.Len(t, db.batchIns, batchWriteAttempts)
}

func TestEvictRecords_APIErrorNotRetried(t *testing.T) {
	db := &fakeDynamo{batchErr: errors.New("throttled")}
	s := mustNewHotStore(t, db)
	err := s.EvictRecords(context.Background(), "C1", []domain.HotMessageRecord{hotRecord(sampleEvent("m", time.Now()))})
	require.Error(t, err)
	require.Contains(t, err.Error(), "throttled")
	require.Len(t, db.batchIns, 1)
}

func TestEvictRecords_EmptyIsNoop(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewHotStore(t, db)
	require.NoError(t, s.EvictRecords(context.Background(), "C1", nil))
	require.Empty(t, db.batchIns)
}

func TestEvict_DeletesListed(t *testing.T) {
	rec := hotRecord(sampleEvent("m", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{recordItem(rec)}}}}
	s := mustNewHotStore(t, db)

	require.NoError(t, s.Evict(context.Background(), "C1"))
	require.Len(t, db.batchIns, 1)
	require.Len(t, db.batchIns[0].RequestItems["test-table"], 1)
}

func TestNewHotStore_NilAPI(t *testing.T) {
	_, err := NewHotStore(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNewHotStore_EmptyTableName(t *testing.T) {
	_, err := NewHotStore(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}
