// Package dynamo provides the DynamoDB-backed persistence adapter.
//
// Two tables are used:
//
//   - connections: partition key "connectionId", TTL attribute "ttl",
//     GSI "status-connectedAt-index" on (status, connectedAt).
//   - conversations: partition key "conversationId", sort key "itemTimestamp",
//     TTL attribute "expiresAt".
//
// TTL attributes are stored as epoch seconds as DynamoDB requires; all other
// timestamps are RFC 3339 strings.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/MrWong99/portvoice/internal/store"
)

// api is the subset of the DynamoDB client used by the store. Extracted so
// tests can substitute a fake.
type api interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Store implements store.Store on DynamoDB.
type Store struct {
	client            api
	connectionsTable  string
	conversationTable string
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// New creates a Store from an AWS SDK config and the two table names.
func New(awsCfg aws.Config, connectionsTable, conversationTable string) (*Store, error) {
	if connectionsTable == "" || conversationTable == "" {
		return nil, errors.New("dynamo: both table names are required")
	}
	return &Store{
		client:            dynamodb.NewFromConfig(awsCfg),
		connectionsTable:  connectionsTable,
		conversationTable: conversationTable,
	}, nil
}

// PutConnection writes (or overwrites) the connection record.
func (s *Store) PutConnection(ctx context.Context, conn store.Connection) error {
	item, err := attributevalue.MarshalMap(conn)
	if err != nil {
		return fmt.Errorf("dynamo: marshal connection: %w", err)
	}
	item["ttl"] = epochAttr(conn.TTL)

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.connectionsTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("dynamo: put connection %s: %w", conn.ConnectionID, err)
	}
	return nil
}

// GetConnection returns the record, or store.ErrNotFound.
func (s *Store) GetConnection(ctx context.Context, connectionID string) (*store.Connection, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.connectionsTable),
		Key:       connectionKey(connectionID),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: get connection %s: %w", connectionID, err)
	}
	if len(out.Item) == 0 {
		return nil, store.ErrNotFound
	}

	var conn store.Connection
	if err := attributevalue.UnmarshalMap(out.Item, &conn); err != nil {
		return nil, fmt.Errorf("dynamo: unmarshal connection %s: %w", connectionID, err)
	}
	conn.TTL = epochValue(out.Item["ttl"])
	return &conn, nil
}

// DeleteConnection removes the record. Absent records are not an error.
func (s *Store) DeleteConnection(ctx context.Context, connectionID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.connectionsTable),
		Key:       connectionKey(connectionID),
	})
	if err != nil {
		return fmt.Errorf("dynamo: delete connection %s: %w", connectionID, err)
	}
	return nil
}

// TouchConnection refreshes lastActivity and the TTL on an existing record.
func (s *Store) TouchConnection(ctx context.Context, connectionID string, lastActivity, ttl time.Time) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.connectionsTable),
		Key:                 connectionKey(connectionID),
		ConditionExpression: aws.String("attribute_exists(connectionId)"),
		UpdateExpression:    aws.String("SET lastActivity = :la, #ttl = :ttl"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":la":  &ddbtypes.AttributeValueMemberS{Value: lastActivity.UTC().Format(time.RFC3339Nano)},
			":ttl": epochAttr(ttl),
		},
	})
	if err != nil {
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return store.ErrNotFound
		}
		return fmt.Errorf("dynamo: touch connection %s: %w", connectionID, err)
	}
	return nil
}

// AppendItem writes one conversation log entry.
func (s *Store) AppendItem(ctx context.Context, item store.ConversationItem) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("dynamo: marshal item: %w", err)
	}
	if !item.ExpiresAt.IsZero() {
		av["expiresAt"] = epochAttr(item.ExpiresAt)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.conversationTable),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("dynamo: append item %s/%s: %w", item.ConversationID, item.ItemTimestamp, err)
	}
	return nil
}

// UpdateSessionStatus transitions a TRANSCRIPTION_SESSION item's status.
func (s *Store) UpdateSessionStatus(ctx context.Context, conversationID, itemTimestamp string, status store.SessionStatus) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.conversationTable),
		Key: map[string]ddbtypes.AttributeValue{
			"conversationId": &ddbtypes.AttributeValueMemberS{Value: conversationID},
			"itemTimestamp":  &ddbtypes.AttributeValueMemberS{Value: itemTimestamp},
		},
		ConditionExpression: aws.String("attribute_exists(conversationId)"),
		UpdateExpression:    aws.String("SET sessionStatus = :st"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":st": &ddbtypes.AttributeValueMemberS{Value: string(status)},
		},
	})
	if err != nil {
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return store.ErrNotFound
		}
		return fmt.Errorf("dynamo: update session %s/%s: %w", conversationID, itemTimestamp, err)
	}
	return nil
}

// ListItems returns up to limit items for one conversation in sort-key order.
func (s *Store) ListItems(ctx context.Context, conversationID string, limit int) ([]store.ConversationItem, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.conversationTable),
		KeyConditionExpression: aws.String("conversationId = :cid"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":cid": &ddbtypes.AttributeValueMemberS{Value: conversationID},
		},
		ScanIndexForward: aws.Bool(true),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	out, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("dynamo: list items %s: %w", conversationID, err)
	}

	items := make([]store.ConversationItem, 0, len(out.Items))
	for _, av := range out.Items {
		var item store.ConversationItem
		if err := attributevalue.UnmarshalMap(av, &item); err != nil {
			return nil, fmt.Errorf("dynamo: unmarshal item: %w", err)
		}
		item.ExpiresAt = epochValue(av["expiresAt"])
		items = append(items, item)
	}
	return items, nil
}

// connectionKey builds the primary key map for the connections table.
func connectionKey(connectionID string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"connectionId": &ddbtypes.AttributeValueMemberS{Value: connectionID},
	}
}

// epochAttr encodes a TTL timestamp the way DynamoDB's TTL machinery expects:
// a number of epoch seconds.
func epochAttr(t time.Time) ddbtypes.AttributeValue {
	return &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

// epochValue decodes an epoch-seconds attribute, returning the zero time for
// anything else.
func epochValue(av ddbtypes.AttributeValue) time.Time {
	n, ok := av.(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
