package store

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamo stores items per table: table -> pk -> item. It understands only
// the condition and filter expressions DynamoStore issues.
type mockDynamo struct {
	mu       sync.Mutex
	tables   map[string]map[string]map[string]types.AttributeValue
	pageSize int

	// beforeTransact runs under the lock before conditions are evaluated.
	beforeTransact func(m *mockDynamo)
	// beforeUpdate runs once, without the lock, at the start of the next
	// UpdateItem, so it can issue writes of its own.
	beforeUpdate func()

	scanCalls     int
	transactCalls int
	updateCalls   int
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{
		tables:   map[string]map[string]map[string]types.AttributeValue{},
		pageSize: 2,
	}
}

func (m *mockDynamo) table(name string) map[string]map[string]types.AttributeValue {
	t, ok := m.tables[name]
	if !ok {
		t = map[string]map[string]types.AttributeValue{}
		m.tables[name] = t
	}
	return t
}

func pkOf(item map[string]types.AttributeValue) (string, error) {
	for _, attr := range []string{"order_id", "name"} {
		if v, ok := item[attr].(*types.AttributeValueMemberS); ok {
			return v.Value, nil
		}
	}
	return "", errors.New("no primary key")
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func (m *mockDynamo) GetItem(_ context.Context, in *dyn.GetItemInput, _ ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, err := pkOf(in.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.table(*in.TableName)[pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (m *mockDynamo) PutItem(_ context.Context, in *dyn.PutItemInput, _ ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, err := pkOf(in.Item)
	if err != nil {
		return nil, err
	}
	t := m.table(*in.TableName)
	_, exists := t[pk]
	if in.ConditionExpression != nil {
		switch *in.ConditionExpression {
		case "attribute_exists(order_id)":
			if !exists {
				return nil, &types.ConditionalCheckFailedException{}
			}
		case "attribute_not_exists(order_id)":
			if exists {
				return nil, &types.ConditionalCheckFailedException{}
			}
		default:
			return nil, errors.New("unsupported condition: " + *in.ConditionExpression)
		}
	}
	t[pk] = copyItem(in.Item)
	return &dyn.PutItemOutput{}, nil
}

// UpdateItem supports "SET a = :v, ... [REMOVE a, ...]" and conditions made of
// attribute_exists, attribute_not_exists and equality joined by AND.
func (m *mockDynamo) UpdateItem(_ context.Context, in *dyn.UpdateItemInput, _ ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	hook := m.beforeUpdate
	m.beforeUpdate = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	pk, err := pkOf(in.Key)
	if err != nil {
		return nil, err
	}
	t := m.table(*in.TableName)
	item := t[pk]

	if in.ConditionExpression != nil {
		for _, clause := range strings.Split(*in.ConditionExpression, " AND ") {
			ok, err := evalCondition(clause, item, in)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, &types.ConditionalCheckFailedException{Message: awsString("The conditional request failed")}
			}
		}
	}

	if item == nil {
		item = copyItem(in.Key)
	} else {
		item = copyItem(item)
	}
	if err := applyUpdate(item, in); err != nil {
		return nil, err
	}
	t[pk] = item

	out := &dyn.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = copyItem(item)
	}
	return out, nil
}

func attrName(token string, names map[string]string) string {
	if strings.HasPrefix(token, "#") {
		return names[token]
	}
	return token
}

func evalCondition(clause string, item map[string]types.AttributeValue, in *dyn.UpdateItemInput) (bool, error) {
	clause = strings.TrimSpace(clause)
	switch {
	case strings.HasPrefix(clause, "attribute_exists("):
		_, ok := item[attrName(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_exists("), ")"), in.ExpressionAttributeNames)]
		return ok, nil
	case strings.HasPrefix(clause, "attribute_not_exists("):
		_, ok := item[attrName(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_not_exists("), ")"), in.ExpressionAttributeNames)]
		return !ok, nil
	}
	parts := strings.SplitN(clause, " = ", 2)
	if len(parts) != 2 {
		return false, errors.New("unsupported condition: " + clause)
	}
	got, ok := item[attrName(parts[0], in.ExpressionAttributeNames)]
	if !ok {
		return false, nil
	}
	return reflect.DeepEqual(got, in.ExpressionAttributeValues[parts[1]]), nil
}

func applyUpdate(item map[string]types.AttributeValue, in *dyn.UpdateItemInput) error {
	expr := *in.UpdateExpression
	setPart, removePart := expr, ""
	if i := strings.Index(expr, " REMOVE "); i >= 0 {
		setPart, removePart = expr[:i], expr[i+len(" REMOVE "):]
	}
	if !strings.HasPrefix(setPart, "SET ") {
		return errors.New("unsupported update: " + expr)
	}
	for _, assignment := range strings.Split(strings.TrimPrefix(setPart, "SET "), ", ") {
		kv := strings.SplitN(assignment, " = ", 2)
		if len(kv) != 2 {
			return errors.New("unsupported assignment: " + assignment)
		}
		v, ok := in.ExpressionAttributeValues[kv[1]]
		if !ok {
			return errors.New("missing value " + kv[1])
		}
		item[attrName(kv[0], in.ExpressionAttributeNames)] = v
	}
	if removePart != "" {
		for _, name := range strings.Split(removePart, ", ") {
			delete(item, attrName(name, in.ExpressionAttributeNames))
		}
	}
	return nil
}

func (m *mockDynamo) DeleteItem(_ context.Context, in *dyn.DeleteItemInput, _ ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, err := pkOf(in.Key)
	if err != nil {
		return nil, err
	}
	t := m.table(*in.TableName)
	old, ok := t[pk]
	if !ok {
		return &dyn.DeleteItemOutput{}, nil
	}
	delete(t, pk)
	out := &dyn.DeleteItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = old
	}
	return out, nil
}

// Scan returns pages of pageSize raw items, applying the status filter per page.
func (m *mockDynamo) Scan(_ context.Context, in *dyn.ScanInput, _ ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanCalls++
	t := m.table(*in.TableName)

	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if in.ExclusiveStartKey != nil {
		last, err := pkOf(in.ExclusiveStartKey)
		if err != nil {
			return nil, err
		}
		start = sort.SearchStrings(keys, last) + 1
	}
	end := start + m.pageSize
	if end > len(keys) {
		end = len(keys)
	}

	allowed := map[string]bool{}
	for _, v := range in.ExpressionAttributeValues {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			allowed[s.Value] = true
		}
	}

	out := &dyn.ScanOutput{}
	for _, k := range keys[start:end] {
		item := t[k]
		if in.FilterExpression != nil {
			st, _ := item["status"].(*types.AttributeValueMemberS)
			if st == nil || !allowed[st.Value] {
				continue
			}
		}
		out.Items = append(out.Items, copyItem(item))
	}
	if end < len(keys) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: keys[end-1]},
		}
	}
	return out, nil
}

func (m *mockDynamo) TransactWriteItems(_ context.Context, in *dyn.TransactWriteItemsInput, _ ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactCalls++
	if m.beforeTransact != nil {
		m.beforeTransact(m)
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, it := range in.TransactItems {
		code := "None"
		switch {
		case it.Put != nil:
			pk, err := pkOf(it.Put.Item)
			if err != nil {
				return nil, err
			}
			if _, exists := m.table(*it.Put.TableName)[pk]; exists {
				code = "ConditionalCheckFailed"
			}
		case it.Update != nil:
			if !versionMatches(m.table(*it.Update.TableName), it.Update) {
				code = "ConditionalCheckFailed"
			}
		}
		if code != "None" {
			failed = true
		}
		reasons[i] = types.CancellationReason{Code: awsString(code)}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             awsString("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, it := range in.TransactItems {
		switch {
		case it.Put != nil:
			pk, _ := pkOf(it.Put.Item)
			m.table(*it.Put.TableName)[pk] = copyItem(it.Put.Item)
		case it.Update != nil:
			pk, _ := pkOf(it.Update.Key)
			t := m.table(*it.Update.TableName)
			item, ok := t[pk]
			if !ok {
				item = copyItem(it.Update.Key)
			}
			item["version"] = it.Update.ExpressionAttributeValues[":next"]
			t[pk] = item
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

// versionMatches evaluates "attribute_not_exists(#ver) OR #ver = :v".
func versionMatches(t map[string]map[string]types.AttributeValue, u *types.Update) bool {
	pk, err := pkOf(u.Key)
	if err != nil {
		return false
	}
	item, ok := t[pk]
	if !ok {
		return true
	}
	current, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return true
	}
	expected := u.ExpressionAttributeValues[":v"].(*types.AttributeValueMemberN)
	return current.Value == expected.Value
}

// bumpVersion simulates another instance winning the race.
func (m *mockDynamo) bumpVersion(metaTable string) {
	t := m.table(metaTable)
	item, ok := t[metaKey]
	if !ok {
		item = copyItem(metaItemKey())
	}
	var version int64
	if v, ok := item["version"].(*types.AttributeValueMemberN); ok {
		version, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	item["version"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(version+1, 10)}
	t[metaKey] = item
}
