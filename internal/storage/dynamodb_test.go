package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"laughingfox/internal/domain"
)

// fakeDynamo keeps items in memory keyed by PK then SK and pages Query
// results pageSize at a time.
type fakeDynamo struct {
	items    map[string]map[string]map[string]types.AttributeValue
	order    map[string][]string
	pageSize int
	queries  int
	err      error
	// beforePut runs ahead of every PutItem, standing in for a writer
	// that lands between an update's read and its put.
	beforePut func()
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		items:    map[string]map[string]map[string]types.AttributeValue{},
		order:    map[string][]string{},
		pageSize: 2,
	}
}

func keyOf(key map[string]types.AttributeValue) (string, string) {
	return key["PK"].(*types.AttributeValueMemberS).Value, key["SK"].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	pk, sk := keyOf(in.Key)
	return &dynamodb.GetItemOutput{Item: f.items[pk][sk]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.beforePut != nil {
		f.beforePut()
	}
	pk, sk := keyOf(in.Item)
	if in.ConditionExpression != nil && !f.holds(*in.ConditionExpression, f.items[pk][sk], in.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}
	}
	if f.items[pk] == nil {
		f.items[pk] = map[string]map[string]types.AttributeValue{}
	}
	if _, exists := f.items[pk][sk]; !exists {
		f.order[pk] = append(f.order[pk], sk)
	}
	f.items[pk][sk] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

// holds evaluates the few condition expressions the store issues.
func (f *fakeDynamo) holds(expr string, cur map[string]types.AttributeValue, values map[string]types.AttributeValue) bool {
	switch expr {
	case "attribute_not_exists(PK)":
		return cur == nil
	case "attribute_not_exists(ver)":
		_, ok := cur["ver"]
		return cur != nil && !ok
	case "ver = :ver":
		v, ok := cur["ver"].(*types.AttributeValueMemberN)
		return ok && v.Value == values[":ver"].(*types.AttributeValueMemberN).Value
	}
	panic("unexpected condition " + expr)
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	pk, sk := keyOf(in.Key)
	delete(f.items[pk], sk)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.queries++
	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	start := 0
	if in.ExclusiveStartKey != nil {
		_, last := keyOf(in.ExclusiveStartKey)
		for i, sk := range f.order[pk] {
			if sk == last {
				start = i + 1
			}
		}
	}
	keys := f.order[pk][start:]
	out := &dynamodb.QueryOutput{}
	for i, sk := range keys {
		if i == f.pageSize {
			_, prev := keyOf(out.Items[len(out.Items)-1])
			out.LastEvaluatedKey = itemKey(pk, prev)
			break
		}
		out.Items = append(out.Items, f.items[pk][sk])
	}
	return out, nil
}

func mustDynamo(t *testing.T, db *fakeDynamo) *DynamoStore {
	t.Helper()
	s, err := NewDynamoStore(db, "laughingfox")
	require.NoError(t, err)
	return s
}

func TestNewDynamoStore_Validation(t *testing.T) {
	_, err := NewDynamoStore(nil, "t")
	require.Error(t, err)
	_, err = NewDynamoStore(newFakeDynamo(), "  ")
	require.Error(t, err)
}

func TestDynamo_UserRoundTrip(t *testing.T) {
	db := newFakeDynamo()
	s := mustDynamo(t, db)
	ctx := context.Background()

	u, err := s.GetUser(ctx, "1@lid")
	require.NoError(t, err)
	assert.Nil(t, u)

	require.NoError(t, s.UpdateUser(ctx, "1@lid", func(u *domain.UserRecord) {
		u.Name = "Ada"
		u.Money = 50
	}))
	require.NoError(t, s.UpdateUser(ctx, "1@lid", func(u *domain.UserRecord) { u.MsgCount++ }))
	u, err = s.GetUser(ctx, "1@lid")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "1@lid", u.ID)
	assert.Equal(t, "Ada", u.Name)
	assert.Equal(t, int64(50), u.Money)
	assert.Equal(t, int64(1), u.MsgCount)
	assert.False(t, u.UpdatedAt.IsZero())

	ver, ok := numberAttr(db.items[pkUser]["1@lid"], "ver")
	require.True(t, ok)
	assert.Equal(t, int64(2), ver)
}

func TestDynamo_UpdateReplaysOnConflict(t *testing.T) {
	db := newFakeDynamo()
	s := mustDynamo(t, db)
	ctx := context.Background()
	require.NoError(t, s.UpdateGroup(ctx, "g@g.us", func(g *domain.GroupRecord) { g.Name = "Foxes" }))

	// A ban lands between the counter's read and its put.
	db.beforePut = func() {
		db.beforePut = nil
		require.NoError(t, s.UpdateGroup(ctx, "g@g.us", func(g *domain.GroupRecord) { g.Banned = true }))
	}
	runs := 0
	require.NoError(t, s.UpdateGroup(ctx, "g@g.us", func(g *domain.GroupRecord) {
		runs++
		g.MsgCount++
	}))

	g, err := s.GetGroup(ctx, "g@g.us")
	require.NoError(t, err)
	assert.True(t, g.Banned, "concurrent ban survives")
	assert.Equal(t, int64(1), g.MsgCount)
	assert.Equal(t, 2, runs, "update replayed once on the fresh copy")
}

func TestDynamo_UpdateLegacyItemWithoutVersion(t *testing.T) {
	db := newFakeDynamo()
	db.items[pkGroup] = map[string]map[string]types.AttributeValue{
		"g@g.us": {
			"PK":  &types.AttributeValueMemberS{Value: pkGroup},
			"SK":  &types.AttributeValueMemberS{Value: "g@g.us"},
			"doc": &types.AttributeValueMemberS{Value: `{"id":"g@g.us","name":"Old","msgCount":4}`},
		},
	}
	s := mustDynamo(t, db)
	require.NoError(t, s.UpdateGroup(context.Background(), "g@g.us", func(g *domain.GroupRecord) { g.MsgCount++ }))

	g, err := s.GetGroup(context.Background(), "g@g.us")
	require.NoError(t, err)
	assert.Equal(t, "Old", g.Name)
	assert.Equal(t, int64(5), g.MsgCount)
}

func TestDynamo_ListPaginates(t *testing.T) {
	db := newFakeDynamo()
	s := mustDynamo(t, db)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.UpdateGroup(ctx, id+"@g.us", func(g *domain.GroupRecord) { g.Name = id }))
	}
	require.NoError(t, s.UpdateUser(ctx, "other", func(*domain.UserRecord) {}))

	groups, err := s.ListGroups(ctx)
	require.NoError(t, err)
	assert.Len(t, groups, 5)
	assert.Equal(t, 3, db.queries)
}

func TestDynamo_PrefixAndSettings(t *testing.T) {
	s := mustDynamo(t, newFakeDynamo())
	ctx := context.Background()

	p, err := s.GetPrefix(ctx, "g@g.us")
	require.NoError(t, err)
	assert.Empty(t, p)

	require.NoError(t, s.SetPrefix(ctx, "g@g.us", "#"))
	p, _ = s.GetPrefix(ctx, "g@g.us")
	assert.Equal(t, "#", p)

	require.NoError(t, s.SetPrefix(ctx, "g@g.us", ""))
	p, _ = s.GetPrefix(ctx, "g@g.us")
	assert.Empty(t, p)

	require.NoError(t, s.SetSetting(ctx, "k", "v"))
	v, _ := s.GetSetting(ctx, "k")
	assert.Equal(t, "v", v)
}

func TestDynamo_ErrorsAreWrapped(t *testing.T) {
	db := newFakeDynamo()
	db.err = errors.New("ResourceNotFoundException")
	s := mustDynamo(t, db)

	_, err := s.GetUser(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GetUser")
	assert.ErrorIs(t, err, db.err)

	_, err = s.ListUsers(context.Background())
	assert.Contains(t, err.Error(), "ListUsers")
}

func TestDynamo_MalformedDoc(t *testing.T) {
	db := newFakeDynamo()
	db.items[pkUser] = map[string]map[string]types.AttributeValue{
		"bad": {
			"PK":  &types.AttributeValueMemberS{Value: pkUser},
			"SK":  &types.AttributeValueMemberS{Value: "bad"},
			"doc": &types.AttributeValueMemberS{Value: "{"},
		},
	}
	_, err := mustDynamo(t, db).GetUser(context.Background(), "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode doc")
}
