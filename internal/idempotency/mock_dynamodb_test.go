package idempotency

import (
	"context"
	"errors"
	"strconv"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// simpleMock is a very small in-memory mock for PutItem/GetItem/UpdateItem used in unit tests.
type simpleMock struct {
	mu          sync.Mutex
	table       map[string]map[string]types.AttributeValue
	putCalls    int
	getCalls    int
	updateCalls int
}

func newSimpleMock() *simpleMock {
	return &simpleMock{
		table: map[string]map[string]types.AttributeValue{},
	}
}

func keyOf(m map[string]types.AttributeValue) (string, error) {
	attr, ok := m["message_id"].(*types.AttributeValueMemberS)
	if !ok {
		return "", errors.New("missing key")
	}
	return attr.Value, nil
}

func (m *simpleMock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	k, err := keyOf(params.Item)
	if err != nil {
		return nil, err
	}
	if params.ConditionExpression != nil && *params.ConditionExpression == "attribute_not_exists(message_id)" {
		if _, ok := m.table[k]; ok {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.table[k] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *simpleMock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	k, err := keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.table[k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

// UpdateItem applies the SET clauses the Store issues by looking at which
// placeholders are present.
func (m *simpleMock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	k, err := keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.table[k]
	if !ok {
		return nil, errors.New("item not found")
	}
	values := params.ExpressionAttributeValues

	if params.ConditionExpression != nil && *params.ConditionExpression == "#s <> :done" {
		if st, ok := item["status"].(*types.AttributeValueMemberS); ok && st.Value == StatusDone {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}

	if v, ok := values[":done"]; ok && params.ConditionExpression == nil {
		item["status"] = v
	}
	if v, ok := values[":res"]; ok {
		item["result"] = v
	}
	if v, ok := values[":failed"]; ok {
		item["status"] = v
	}
	if v, ok := values[":n"]; ok {
		item["note"] = v
	}
	if v, ok := values[":inprogress"]; ok {
		item["status"] = v
		attempts, _ := strconv.Atoi(item["attempts"].(*types.AttributeValueMemberN).Value)
		item["attempts"] = &types.AttributeValueMemberN{Value: strconv.Itoa(attempts + 1)}
	}
	if v, ok := values[":exp"]; ok {
		item["expires_at"] = v
	}
	if v, ok := values[":ua"]; ok {
		item["updated_at"] = v
	}
	m.table[k] = item
	return &dyn.UpdateItemOutput{Attributes: item}, nil
}

func (m *simpleMock) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	return nil, errors.New("DeleteItem not supported")
}

func (m *simpleMock) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	return nil, errors.New("Scan not supported")
}

func (m *simpleMock) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	return nil, errors.New("TransactWriteItems not supported")
}
