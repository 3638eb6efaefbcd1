package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-production-queue/internal/aws"
)

// Store records which bus messages the worker has already applied, so that a
// redelivered order.accepted does not re-queue an order that was since removed.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration // how long a processed message is remembered
	nowFunc   func() time.Time
}

// NewStore returns a configured Store.
// tableName: DynamoDB table keyed by message_id, with TTL on expires_at.
// ttlWindow: e.g. 48*time.Hour, longer than the bus's redelivery horizon.
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		nowFunc:   time.Now,
	}
}

// Begin claims a message. It returns (true, nil) when this call created the
// record, and (false, nil) when the message has been seen before; the caller
// then inspects the record with Get.
func (s *Store) Begin(ctx context.Context, messageID, topic, orderID string) (bool, error) {
	now := s.nowFunc().UTC()
	rec := MessageRecord{
		MessageID: messageID,
		Status:    StatusInProgress,
		Topic:     topic,
		OrderID:   orderID,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttlWindow).Unix(),
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(message_id)"),
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ConditionalCheckFailedException" {
			return false, nil
		}
		return false, fmt.Errorf("put item: %w", err)
	}
	return true, nil
}

// Retry moves a FAILED or abandoned IN_PROGRESS record back to IN_PROGRESS and
// bumps its attempt counter. It fails with ErrAlreadyDone if another delivery
// completed the message in the meantime.
func (s *Store) Retry(ctx context.Context, messageID string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      messageKey(messageID),
		UpdateExpression:         awsString("SET #s = :inprogress, attempts = attempts + :one, updated_at = :ua, expires_at = :exp"),
		ConditionExpression:      awsString("#s <> :done"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":done":       &types.AttributeValueMemberS{Value: StatusDone},
			":one":        &types.AttributeValueMemberN{Value: "1"},
			":ua":         &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			":exp":        ttlAttribute(now.Add(s.ttlWindow)),
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrAlreadyDone
		}
		return fmt.Errorf("update item (retry): %w", err)
	}
	return nil
}

// ErrAlreadyDone is returned by Retry when the message was completed elsewhere.
var ErrAlreadyDone = errors.New("message already processed")

// Get retrieves a record by message id. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, messageID string) (*MessageRecord, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            messageKey(messageID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec MessageRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// MarkDone sets status to DONE and stores a short result.
func (s *Store) MarkDone(ctx context.Context, messageID, result string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      messageKey(messageID),
		UpdateExpression:         awsString("SET #s = :done, #r = :res, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{"#s": "status", "#r": "result"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":done": &types.AttributeValueMemberS{Value: StatusDone},
			":res":  &types.AttributeValueMemberS{Value: result},
			":ua":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return fmt.Errorf("update item (mark done): %w", err)
	}
	return nil
}

// MarkFailed marks the record FAILED with a note; the next delivery may retry it.
func (s *Store) MarkFailed(ctx context.Context, messageID, note string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      messageKey(messageID),
		UpdateExpression:         awsString("SET #s = :failed, note = :n, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed": &types.AttributeValueMemberS{Value: StatusFailed},
			":n":      &types.AttributeValueMemberS{Value: note},
			":ua":     &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return fmt.Errorf("update item (mark failed): %w", err)
	}
	return nil
}

func messageKey(messageID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"message_id": &types.AttributeValueMemberS{Value: messageID},
	}
}

func ttlAttribute(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
