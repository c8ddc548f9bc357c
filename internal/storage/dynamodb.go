package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"laughingfox/internal/domain"
)

// Partition keys. Every row of a table shares one partition; the sort key
// is the record id, so listing a table is a single paginated Query.
const (
	pkUser    = "USER"
	pkGroup   = "GROUP"
	pkPrefix  = "PREFIX"
	pkSetting = "SETTING"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore implements domain.RecordStore on a single DynamoDB table with
// a PK/SK string key schema. Records are stored as JSON in the "doc"
// attribute.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
}

func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("storage: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("storage: dynamodb table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName}, nil
}

func newDynamoClient(ctx context.Context, region string) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg), nil
}

func (d *DynamoStore) Close() error { return nil }

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func (d *DynamoStore) getDoc(ctx context.Context, op, pk, sk string, out any) (bool, error) {
	res, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            itemKey(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("storage: %s get: %w", op, err)
	}
	if len(res.Item) == 0 {
		return false, nil
	}
	if err := decodeDoc(res.Item, out); err != nil {
		return false, fmt.Errorf("storage: %s: %w", op, err)
	}
	return true, nil
}

// maxUpdateAttempts bounds the optimistic retries of one update.
const maxUpdateAttempts = 8

// updateDoc is a read-modify-write of one record guarded by the "ver"
// attribute: the put only lands if nobody else wrote the item since it was
// read, otherwise the update is replayed on the fresh copy.
func updateDoc[T any](ctx context.Context, d *DynamoStore, op, pk, sk string, zero func() T, fn func(*T)) error {
	for range maxUpdateAttempts {
		res, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(d.tableName),
			Key:            itemKey(pk, sk),
			ConsistentRead: aws.Bool(true),
		})
		if err != nil {
			return fmt.Errorf("storage: %s get: %w", op, err)
		}
		doc := zero()
		if len(res.Item) > 0 {
			if err := decodeDoc(res.Item, &doc); err != nil {
				return fmt.Errorf("storage: %s: %w", op, err)
			}
		}
		fn(&doc)

		b, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("storage: %s encode: %w", op, err)
		}
		ver, hasVer := numberAttr(res.Item, "ver")
		item := itemKey(pk, sk)
		item["doc"] = &types.AttributeValueMemberS{Value: string(b)}
		item["ver"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(ver+1, 10)}
		item["updatedAt"] = &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)}

		in := &dynamodb.PutItemInput{TableName: aws.String(d.tableName), Item: item}
		switch {
		case len(res.Item) == 0:
			in.ConditionExpression = aws.String("attribute_not_exists(PK)")
		case !hasVer:
			in.ConditionExpression = aws.String("attribute_not_exists(ver)")
		default:
			in.ConditionExpression = aws.String("ver = :ver")
			in.ExpressionAttributeValues = map[string]types.AttributeValue{
				":ver": &types.AttributeValueMemberN{Value: strconv.FormatInt(ver, 10)},
			}
		}
		_, err = d.api.PutItem(ctx, in)
		var conflict *types.ConditionalCheckFailedException
		if errors.As(err, &conflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("storage: %s put: %w", op, err)
		}
		return nil
	}
	return fmt.Errorf("storage: %s: item %s changed on every attempt", op, sk)
}

func numberAttr(item map[string]types.AttributeValue, name string) (int64, bool) {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	return n, err == nil
}

// queryAll pages through every item of the partition and hands each to fn.
func (d *DynamoStore) queryAll(ctx context.Context, op, pk string, fn func(map[string]types.AttributeValue) error) error {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
	}
	for {
		out, err := d.api.Query(ctx, in)
		if err != nil {
			return fmt.Errorf("storage: %s query: %w", op, err)
		}
		for _, item := range out.Items {
			if err := fn(item); err != nil {
				return fmt.Errorf("storage: %s: %w", op, err)
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func decodeDoc(item map[string]types.AttributeValue, out any) error {
	attr, ok := item["doc"].(*types.AttributeValueMemberS)
	if !ok {
		return errors.New("item has no doc attribute")
	}
	if err := json.Unmarshal([]byte(attr.Value), out); err != nil {
		return fmt.Errorf("decode doc: %w", err)
	}
	return nil
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (d *DynamoStore) GetUser(ctx context.Context, id string) (*domain.UserRecord, error) {
	var u domain.UserRecord
	found, err := d.getDoc(ctx, "GetUser", pkUser, id, &u)
	if err != nil || !found {
		return nil, err
	}
	return &u, nil
}

func (d *DynamoStore) UpdateUser(ctx context.Context, id string, fn func(*domain.UserRecord)) error {
	zero := func() domain.UserRecord { return domain.UserRecord{ID: id} }
	return updateDoc(ctx, d, "UpdateUser", pkUser, id, zero, func(u *domain.UserRecord) {
		fn(u)
		u.ID = id
		u.UpdatedAt = time.Now().UTC()
	})
}

func (d *DynamoStore) ListUsers(ctx context.Context) ([]domain.UserRecord, error) {
	var users []domain.UserRecord
	err := d.queryAll(ctx, "ListUsers", pkUser, func(item map[string]types.AttributeValue) error {
		var u domain.UserRecord
		if err := decodeDoc(item, &u); err != nil {
			return err
		}
		users = append(users, u)
		return nil
	})
	return users, err
}

func (d *DynamoStore) GetGroup(ctx context.Context, id string) (*domain.GroupRecord, error) {
	var g domain.GroupRecord
	found, err := d.getDoc(ctx, "GetGroup", pkGroup, id, &g)
	if err != nil || !found {
		return nil, err
	}
	return &g, nil
}

func (d *DynamoStore) UpdateGroup(ctx context.Context, id string, fn func(*domain.GroupRecord)) error {
	zero := func() domain.GroupRecord { return domain.GroupRecord{ID: id} }
	return updateDoc(ctx, d, "UpdateGroup", pkGroup, id, zero, func(g *domain.GroupRecord) {
		fn(g)
		g.ID = id
		g.UpdatedAt = time.Now().UTC()
	})
}

func (d *DynamoStore) ListGroups(ctx context.Context) ([]domain.GroupRecord, error) {
	var groups []domain.GroupRecord
	err := d.queryAll(ctx, "ListGroups", pkGroup, func(item map[string]types.AttributeValue) error {
		var g domain.GroupRecord
		if err := decodeDoc(item, &g); err != nil {
			return err
		}
		groups = append(groups, g)
		return nil
	})
	return groups, err
}

func (d *DynamoStore) getString(ctx context.Context, op, pk, sk string) (string, error) {
	res, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            itemKey(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("storage: %s get: %w", op, err)
	}
	return stringAttr(res.Item, "value"), nil
}

func (d *DynamoStore) putString(ctx context.Context, op, pk, sk, value string) error {
	item := itemKey(pk, sk)
	item["value"] = &types.AttributeValueMemberS{Value: value}
	if _, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("storage: %s put: %w", op, err)
	}
	return nil
}

func (d *DynamoStore) GetPrefix(ctx context.Context, threadID string) (string, error) {
	return d.getString(ctx, "GetPrefix", pkPrefix, threadID)
}

// SetPrefix stores a per-thread prefix. An empty prefix removes the override.
func (d *DynamoStore) SetPrefix(ctx context.Context, threadID, prefix string) error {
	if prefix != "" {
		return d.putString(ctx, "SetPrefix", pkPrefix, threadID, prefix)
	}
	if _, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key:       itemKey(pkPrefix, threadID),
	}); err != nil {
		return fmt.Errorf("storage: SetPrefix delete: %w", err)
	}
	return nil
}

func (d *DynamoStore) GetSetting(ctx context.Context, key string) (string, error) {
	return d.getString(ctx, "GetSetting", pkSetting, key)
}

func (d *DynamoStore) SetSetting(ctx context.Context, key, value string) error {
	return d.putString(ctx, "SetSetting", pkSetting, key, value)
}
