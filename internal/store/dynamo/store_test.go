package dynamo

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/MrWong99/portvoice/internal/store"
)

// fakeAPI records calls and scripts responses.
type fakeAPI struct {
	putIn    *dynamodb.PutItemInput
	getOut   *dynamodb.GetItemOutput
	updateIn *dynamodb.UpdateItemInput
	deleteIn *dynamodb.DeleteItemInput
	queryIn  *dynamodb.QueryInput
	queryOut *dynamodb.QueryOutput
	err      error
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.putIn = in
	return &dynamodb.PutItemOutput{}, f.err
}

func (f *fakeAPI) GetItem(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getOut == nil {
		return &dynamodb.GetItemOutput{}, f.err
	}
	return f.getOut, f.err
}

func (f *fakeAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.deleteIn = in
	return &dynamodb.DeleteItemOutput{}, f.err
}

func (f *fakeAPI) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updateIn = in
	return &dynamodb.UpdateItemOutput{}, f.err
}

func (f *fakeAPI) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryIn = in
	if f.queryOut == nil {
		return &dynamodb.QueryOutput{}, f.err
	}
	return f.queryOut, f.err
}

func newStore(fake *fakeAPI) *Store {
	return &Store{client: fake, connectionsTable: "connections", conversationTable: "conversations"}
}

var base = time.Date(2025, 8, 14, 10, 30, 15, 0, time.UTC)

func TestNew_RequiresTableNames(t *testing.T) {
	if _, err := New(aws.Config{}, "", "conversations"); err == nil {
		t.Fatal("expected error for missing table name")
	}
}

func TestPutConnection_TTLStoredAsEpoch(t *testing.T) {
	fake := &fakeAPI{}
	s := newStore(fake)

	conn := store.Connection{
		ConnectionID: "c1",
		ConnectedAt:  base,
		Status:       store.StatusConnected,
		LastActivity: base,
		TTL:          base.Add(24 * time.Hour),
	}
	if err := s.PutConnection(context.Background(), conn); err != nil {
		t.Fatalf("PutConnection: %v", err)
	}

	if got := aws.ToString(fake.putIn.TableName); got != "connections" {
		t.Errorf("TableName = %q", got)
	}
	ttl, ok := fake.putIn.Item["ttl"].(*ddbtypes.AttributeValueMemberN)
	if !ok {
		t.Fatalf("ttl attribute = %T, want number", fake.putIn.Item["ttl"])
	}
	want := strconv.FormatInt(base.Add(24*time.Hour).Unix(), 10)
	if ttl.Value != want {
		t.Errorf("ttl = %s, want %s", ttl.Value, want)
	}
}

func TestGetConnection_AbsentReturnsNotFound(t *testing.T) {
	s := newStore(&fakeAPI{})
	if _, err := s.GetConnection(context.Background(), "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetConnection = %v, want ErrNotFound", err)
	}
}

func TestTouchConnection_ConditionFailureIsNotFound(t *testing.T) {
	fake := &fakeAPI{err: &ddbtypes.ConditionalCheckFailedException{}}
	s := newStore(fake)

	err := s.TouchConnection(context.Background(), "c1", base, base.Add(24*time.Hour))
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("TouchConnection = %v, want ErrNotFound", err)
	}
	if got := aws.ToString(fake.updateIn.ConditionExpression); got != "attribute_exists(connectionId)" {
		t.Errorf("ConditionExpression = %q", got)
	}
}

func TestAppendItem_CompositeKeyAndExpiry(t *testing.T) {
	fake := &fakeAPI{}
	s := newStore(fake)

	item := store.ConversationItem{
		ConversationID: "CONN-c1",
		ItemTimestamp:  store.SortKey(store.ItemTypeTranscription, base),
		ItemType:       store.ItemTypeTranscription,
		ConnectionID:   "c1",
		CreatedAt:      base,
		ExpiresAt:      base.Add(30 * 24 * time.Hour),
		TranscriptText: "入港許可を要請",
	}
	if err := s.AppendItem(context.Background(), item); err != nil {
		t.Fatalf("AppendItem: %v", err)
	}

	got := fake.putIn.Item
	pk, _ := got["conversationId"].(*ddbtypes.AttributeValueMemberS)
	sk, _ := got["itemTimestamp"].(*ddbtypes.AttributeValueMemberS)
	if pk == nil || pk.Value != "CONN-c1" {
		t.Errorf("conversationId = %v", got["conversationId"])
	}
	if sk == nil || sk.Value != "TRANS#2025-08-14T10:30:15.000Z" {
		t.Errorf("itemTimestamp = %v", got["itemTimestamp"])
	}
	if _, ok := got["expiresAt"].(*ddbtypes.AttributeValueMemberN); !ok {
		t.Errorf("expiresAt = %T, want epoch number", got["expiresAt"])
	}
}

func TestUpdateSessionStatus_SetsStatus(t *testing.T) {
	fake := &fakeAPI{}
	s := newStore(fake)

	key := store.SortKey(store.ItemTypeSession, base)
	if err := s.UpdateSessionStatus(context.Background(), "SESS-s1", key, store.SessionStopped); err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}

	st, _ := fake.updateIn.ExpressionAttributeValues[":st"].(*ddbtypes.AttributeValueMemberS)
	if st == nil || st.Value != "STOPPED" {
		t.Errorf(":st = %v, want STOPPED", fake.updateIn.ExpressionAttributeValues[":st"])
	}
}

func TestListItems_QueryShape(t *testing.T) {
	fake := &fakeAPI{queryOut: &dynamodb.QueryOutput{
		Items: []map[string]ddbtypes.AttributeValue{{
			"conversationId": &ddbtypes.AttributeValueMemberS{Value: "CONN-c1"},
			"itemTimestamp":  &ddbtypes.AttributeValueMemberS{Value: "MSG#2025-08-14T10:30:15.000Z"},
			"itemType":       &ddbtypes.AttributeValueMemberS{Value: "MESSAGE"},
			"content":        &ddbtypes.AttributeValueMemberS{Value: "こんにちは"},
			"expiresAt":      &ddbtypes.AttributeValueMemberN{Value: "1760000000"},
		}},
	}}
	s := newStore(fake)

	items, err := s.ListItems(context.Background(), "CONN-c1", 50)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != 1 || items[0].Content != "こんにちは" {
		t.Errorf("items = %+v", items)
	}
	if items[0].ExpiresAt.IsZero() {
		t.Error("ExpiresAt not decoded from epoch attribute")
	}

	if got := aws.ToString(fake.queryIn.KeyConditionExpression); got != "conversationId = :cid" {
		t.Errorf("KeyConditionExpression = %q", got)
	}
	if got := aws.ToInt32(fake.queryIn.Limit); got != 50 {
		t.Errorf("Limit = %d, want 50", got)
	}
	if !aws.ToBool(fake.queryIn.ScanIndexForward) {
		t.Error("ScanIndexForward = false, want ascending sort-key order")
	}
}
