package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-production-queue/internal/aws"
	"github.com/imrishuroy/go-production-queue/internal/queue"
)

const (
	// metaKey names the single item in the meta table whose version
	// serializes position assignment.
	metaKey = "production-queue"

	defaultEnqueueAttempts = 10
	defaultRetryDelay      = 15 * time.Millisecond
)

var _ queue.Repository = (*DynamoStore)(nil)

// DynamoStore keeps queue entries in a DynamoDB table keyed by order_id.
type DynamoStore struct {
	client      aws.DynamoDBAPI
	tableName   string
	metaTable   string
	maxAttempts int
	retryDelay  time.Duration
}

// NewDynamoStore returns a store over tableName. metaTable holds the version
// item used to claim positions; it is keyed by the string attribute "name".
func NewDynamoStore(client aws.DynamoDBAPI, tableName, metaTable string) *DynamoStore {
	return &DynamoStore{
		client:      client,
		tableName:   tableName,
		metaTable:   metaTable,
		maxAttempts: defaultEnqueueAttempts,
		retryDelay:  defaultRetryDelay,
	}
}

// Enqueue reads the meta version and the active entries, then writes the
// entry and bumps the version in one transaction. A concurrent add bumps the
// version first and makes the transaction fail, in which case the position
// is recomputed.
func (s *DynamoStore) Enqueue(ctx context.Context, e *queue.Entry) error {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		version, err := s.readVersion(ctx)
		if err != nil {
			return err
		}
		active, err := s.scan(ctx, queue.ActiveStatuses)
		if err != nil {
			return err
		}
		e.Position = queue.NextPosition(active)

		item, err := attributevalue.MarshalMap(e)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}

		_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{
					Put: &types.Put{
						TableName:           &s.tableName,
						Item:                item,
						ConditionExpression: awsString("attribute_not_exists(order_id)"),
					},
				},
				{
					Update: &types.Update{
						TableName:           &s.metaTable,
						Key:                 metaItemKey(),
						UpdateExpression:    awsString("SET #ver = :next"),
						ConditionExpression: awsString("attribute_not_exists(#ver) OR #ver = :v"),
						ExpressionAttributeNames: map[string]string{
							"#ver": "version",
						},
						ExpressionAttributeValues: map[string]types.AttributeValue{
							":v":    &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
							":next": &types.AttributeValueMemberN{Value: strconv.FormatInt(version+1, 10)},
						},
					},
				},
			},
		})
		if err == nil {
			return nil
		}

		var tce *types.TransactionCanceledException
		if !errors.As(err, &tce) {
			return fmt.Errorf("transact write: %w", err)
		}
		putCode, versionCode := reasonCode(tce.CancellationReasons, 0), reasonCode(tce.CancellationReasons, 1)
		switch {
		case putCode == "ConditionalCheckFailed":
			return queue.ErrAlreadyQueued
		case versionCode == "ConditionalCheckFailed",
			versionCode == "TransactionConflict",
			putCode == "TransactionConflict":
			// lost the race for this version
		default:
			return fmt.Errorf("transaction canceled: %w", err)
		}

		if err := s.backoff(ctx, attempt); err != nil {
			return err
		}
	}
	return queue.ErrPositionContention
}

func (s *DynamoStore) backoff(ctx context.Context, attempt int) error {
	if s.retryDelay <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(attempt) * s.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Get fetches an entry by order_id. Returns (nil, nil) if not found.
func (s *DynamoStore) Get(ctx context.Context, orderID string) (*queue.Entry, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            entryKey(orderID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var e queue.Entry
	if err := attributevalue.UnmarshalMap(out.Item, &e); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &e, nil
}

// UpdateStatus reads the entry, applies the status change and writes back
// status, notes and timestamps only, conditioned on the status and unset
// timestamps it read. A concurrent status change fails the condition and the
// update is recomputed from a fresh read.
func (s *DynamoStore) UpdateStatus(ctx context.Context, orderID string, status queue.Status, notes *string, now time.Time) (queue.Status, *queue.Entry, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		current, err := s.Get(ctx, orderID)
		if err != nil {
			return "", nil, err
		}
		if current == nil {
			return "", nil, queue.ErrNotFound
		}
		next := *current
		previous := queue.ApplyStatus(&next, status, notes, now)

		in, err := statusUpdateInput(s.tableName, current, &next)
		if err != nil {
			return "", nil, err
		}
		out, err := s.client.UpdateItem(ctx, in)
		if err == nil {
			var e queue.Entry
			if err := attributevalue.UnmarshalMap(out.Attributes, &e); err != nil {
				return "", nil, fmt.Errorf("unmarshal entry: %w", err)
			}
			return previous, &e, nil
		}
		var ccf *types.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return "", nil, fmt.Errorf("update item: %w", err)
		}
		if err := s.backoff(ctx, attempt); err != nil {
			return "", nil, err
		}
	}
	return "", nil, queue.ErrUpdateConflict
}

func statusUpdateInput(table string, current, next *queue.Entry) (*dyn.UpdateItemInput, error) {
	names := map[string]string{"#st": "status"}
	values := map[string]types.AttributeValue{
		":st":   &types.AttributeValueMemberS{Value: next.Status.String()},
		":prev": &types.AttributeValueMemberS{Value: current.Status.String()},
	}
	set := []string{"#st = :st"}
	var remove []string
	cond := []string{"attribute_exists(order_id)", "#st = :prev"}

	names["#nt"] = "notes"
	if next.Notes != nil {
		set = append(set, "#nt = :nt")
		values[":nt"] = &types.AttributeValueMemberS{Value: *next.Notes}
	} else {
		remove = append(remove, "#nt")
	}

	stamps := []struct {
		placeholder, attr string
		before, after     *time.Time
	}{
		{"#sa", "started_at", current.StartedAt, next.StartedAt},
		{"#ca", "completed_at", current.CompletedAt, next.CompletedAt},
	}
	for _, st := range stamps {
		if st.before != nil {
			continue
		}
		names[st.placeholder] = st.attr
		cond = append(cond, "attribute_not_exists("+st.placeholder+")")
		if st.after == nil {
			continue
		}
		av, err := attributevalue.Marshal(*st.after)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", st.attr, err)
		}
		set = append(set, st.placeholder+" = :"+st.attr)
		values[":"+st.attr] = av
	}

	expr := "SET " + strings.Join(set, ", ")
	if len(remove) > 0 {
		expr += " REMOVE " + strings.Join(remove, ", ")
	}
	return &dyn.UpdateItemInput{
		TableName:                 &table,
		Key:                       entryKey(current.OrderID),
		UpdateExpression:          awsString(expr),
		ConditionExpression:       awsString(strings.Join(cond, " AND ")),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	}, nil
}

// SetPosition overwrites the position attribute only.
func (s *DynamoStore) SetPosition(ctx context.Context, orderID string, position int) (*queue.Entry, error) {
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      entryKey(orderID),
		UpdateExpression:         awsString("SET #pos = :pos"),
		ConditionExpression:      awsString("attribute_exists(order_id)"),
		ExpressionAttributeNames: map[string]string{"#pos": "position"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pos": &types.AttributeValueMemberN{Value: strconv.Itoa(position)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, queue.ErrNotFound
		}
		return nil, fmt.Errorf("update item: %w", err)
	}
	var e queue.Entry
	if err := attributevalue.UnmarshalMap(out.Attributes, &e); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &e, nil
}

func (s *DynamoStore) Delete(ctx context.Context, orderID string) (bool, error) {
	out, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName:    &s.tableName,
		Key:          entryKey(orderID),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	return len(out.Attributes) > 0, nil
}

func (s *DynamoStore) List(ctx context.Context, statuses ...queue.Status) ([]queue.Entry, error) {
	entries, err := s.scan(ctx, statuses)
	if err != nil {
		return nil, err
	}
	queue.SortByPosition(entries)
	return entries, nil
}

// scan reads the whole table with strongly consistent reads, following pagination.
func (s *DynamoStore) scan(ctx context.Context, statuses []queue.Status) ([]queue.Entry, error) {
	input := &dyn.ScanInput{
		TableName:      &s.tableName,
		ConsistentRead: awsBool(true),
	}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		values := make(map[string]types.AttributeValue, len(statuses))
		for i, st := range statuses {
			p := fmt.Sprintf(":s%d", i)
			placeholders[i] = p
			values[p] = &types.AttributeValueMemberS{Value: st.String()}
		}
		input.FilterExpression = awsString("#st IN (" + strings.Join(placeholders, ", ") + ")")
		input.ExpressionAttributeNames = map[string]string{"#st": "status"}
		input.ExpressionAttributeValues = values
	}

	entries := []queue.Entry{}
	for {
		out, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var page []queue.Entry
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal entries: %w", err)
		}
		entries = append(entries, page...)
		if len(out.LastEvaluatedKey) == 0 {
			return entries, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *DynamoStore) readVersion(ctx context.Context) (int64, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.metaTable,
		Key:            metaItemKey(),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("get queue version: %w", err)
	}
	v, ok := out.Item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, nil
	}
	version, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse queue version %q: %w", v.Value, err)
	}
	return version, nil
}

func entryKey(orderID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: orderID},
	}
}

func metaItemKey() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"name": &types.AttributeValueMemberS{Value: metaKey},
	}
}

func reasonCode(reasons []types.CancellationReason, i int) string {
	if i >= len(reasons) || reasons[i].Code == nil {
		return ""
	}
	return *reasons[i].Code
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
