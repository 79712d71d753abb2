package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the part of *dynamodb.Client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// dynamoItem is one row of the single-table layout. Plain keys use Value,
// set keys use Members. TTL is epoch seconds and matches the table's TTL attribute.
type dynamoItem struct {
	Key     string   `dynamodbav:"k"`
	Value   []byte   `dynamodbav:"v,omitempty"`
	Members []string `dynamodbav:"m,stringset,omitempty"`
	TTL     int64    `dynamodbav:"ttl,omitempty"`
}

// DynamoStore implements Store on a single DynamoDB table with partition key "k".
// DynamoDB deletes expired rows lazily, so reads filter on ttl themselves.
type DynamoStore struct {
	Client DynamoAPI
	Table  string
	now    func() time.Time
}

func NewDynamoStore(client DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{Client: client, Table: table, now: time.Now}
}

// NewDynamoClient builds a client from the default AWS credential chain.
// A non-empty endpoint points it at a local DynamoDB.
func NewDynamoClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func (s *DynamoStore) key(k string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"k": &types.AttributeValueMemberS{Value: k}}
}

func (s *DynamoStore) nowAttr() types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Unix(), 10)}
}

func (s *DynamoStore) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	// Round up so a sub-second ttl does not expire immediately.
	return s.now().Add(ttl + time.Second - 1).Unix()
}

func (s *DynamoStore) live(item dynamoItem) bool {
	return item.TTL == 0 || item.TTL > s.now().Unix()
}

func (s *DynamoStore) load(ctx context.Context, k string) (*dynamoItem, error) {
	out, err := s.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.Table),
		Key:            s.key(k),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, unavailable("getitem", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", k, err)
	}
	if !s.live(item) {
		return nil, nil
	}
	return &item, nil
}

func (s *DynamoStore) Get(ctx context.Context, key string) ([]byte, error) {
	item, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrNotFound
	}
	return item.Value, nil
}

func (s *DynamoStore) putInput(key string, value []byte, ttl time.Duration) (*dynamodb.PutItemInput, error) {
	av, err := attributevalue.MarshalMap(dynamoItem{Key: key, Value: value, TTL: s.expiry(ttl)})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", key, err)
	}
	return &dynamodb.PutItemInput{TableName: aws.String(s.Table), Item: av}, nil
}

func (s *DynamoStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	in, err := s.putInput(key, value, ttl)
	if err != nil {
		return err
	}
	if _, err := s.Client.PutItem(ctx, in); err != nil {
		return unavailable("putitem", err)
	}
	return nil
}

func (s *DynamoStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	in, err := s.putInput(key, value, ttl)
	if err != nil {
		return false, err
	}
	// An expired row that DynamoDB has not swept yet counts as absent.
	in.ConditionExpression = aws.String("attribute_not_exists(k) OR (attribute_exists(#ttl) AND #ttl <= :now)")
	in.ExpressionAttributeNames = map[string]string{"#ttl": "ttl"}
	in.ExpressionAttributeValues = map[string]types.AttributeValue{":now": s.nowAttr()}
	return conditional("putitem", func() error {
		_, err := s.Client.PutItem(ctx, in)
		return err
	})
}

func (s *DynamoStore) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	in, err := s.putInput(key, value, ttl)
	if err != nil {
		return false, err
	}
	in.ConditionExpression = aws.String("v = :old AND (attribute_not_exists(#ttl) OR #ttl > :now)")
	in.ExpressionAttributeNames = map[string]string{"#ttl": "ttl"}
	in.ExpressionAttributeValues = map[string]types.AttributeValue{
		":old": &types.AttributeValueMemberB{Value: old},
		":now": s.nowAttr(),
	}
	return conditional("putitem", func() error {
		_, err := s.Client.PutItem(ctx, in)
		return err
	})
}

func (s *DynamoStore) Delete(ctx context.Context, key string) (bool, error) {
	out, err := s.Client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.Table),
		Key:          s.key(key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, unavailable("deleteitem", err)
	}
	if len(out.Attributes) == 0 {
		return false, nil
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return s.live(item), nil
}

func (s *DynamoStore) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	return conditional("deleteitem", func() error {
		_, err := s.Client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                aws.String(s.Table),
			Key:                      s.key(key),
			ConditionExpression:      aws.String("v = :old AND (attribute_not_exists(#ttl) OR #ttl > :now)"),
			ExpressionAttributeNames: map[string]string{"#ttl": "ttl"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":old": &types.AttributeValueMemberB{Value: old},
				":now": s.nowAttr(),
			},
		})
		return err
	})
}

func (s *DynamoStore) AddToSet(ctx context.Context, key, member string) error {
	_, err := s.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.Table),
		Key:              s.key(key),
		UpdateExpression: aws.String("ADD m :s"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberSS{Value: []string{member}},
		},
	})
	if err != nil {
		return unavailable("updateitem", err)
	}
	return nil
}

// RemoveFromSet is conditional on membership, so only one concurrent caller
// can observe the removal.
func (s *DynamoStore) RemoveFromSet(ctx context.Context, key, member string) (bool, error) {
	return conditional("updateitem", func() error {
		_, err := s.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(s.Table),
			Key:                 s.key(key),
			UpdateExpression:    aws.String("DELETE m :s"),
			ConditionExpression: aws.String("contains(m, :member)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":s":      &types.AttributeValueMemberSS{Value: []string{member}},
				":member": &types.AttributeValueMemberS{Value: member},
			},
		})
		return err
	})
}

func (s *DynamoStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	item, err := s.load(ctx, key)
	if err != nil || item == nil {
		return nil, err
	}
	return item.Members, nil
}

// conditional maps a failed condition check to (false, nil).
func conditional(op string, call func() error) (bool, error) {
	err := call()
	if err == nil {
		return true, nil
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return false, nil
	}
	return false, unavailable(op, err)
}
