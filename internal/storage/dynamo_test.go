package storage

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"chatpair/backend/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo evaluates just the condition expressions DynamoStore issues.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	err   error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func pk(key map[string]types.AttributeValue) string {
	return key["k"].(*types.AttributeValueMemberS).Value
}

func numAttr(av types.AttributeValue) int64 {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	v, _ := strconv.ParseInt(n.Value, 10, 64)
	return v
}

func expiredAt(item map[string]types.AttributeValue, now int64) bool {
	ttl, ok := item["ttl"]
	return ok && numAttr(ttl) <= now
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.GetItemOutput{Item: f.items[pk(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	k := pk(in.Item)
	cur, exists := f.items[k]
	if in.ConditionExpression != nil {
		now := numAttr(in.ExpressionAttributeValues[":now"])
		cond := aws.ToString(in.ConditionExpression)
		switch {
		case strings.HasPrefix(cond, "attribute_not_exists(k)"):
			if exists && !expiredAt(cur, now) {
				return nil, conditionFailed()
			}
		case strings.HasPrefix(cond, "v = :old"):
			old := in.ExpressionAttributeValues[":old"].(*types.AttributeValueMemberB).Value
			v, ok := cur["v"].(*types.AttributeValueMemberB)
			if !exists || !ok || !bytes.Equal(v.Value, old) || expiredAt(cur, now) {
				return nil, conditionFailed()
			}
		}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	k := pk(in.Key)
	item, ok := f.items[k]
	if !ok {
		item = map[string]types.AttributeValue{"k": in.Key["k"]}
	}
	var members []string
	if ss, ok := item["m"].(*types.AttributeValueMemberSS); ok {
		members = append(members, ss.Value...)
	}
	delta := in.ExpressionAttributeValues[":s"].(*types.AttributeValueMemberSS).Value[0]

	switch aws.ToString(in.UpdateExpression) {
	case "ADD m :s":
		for _, m := range members {
			if m == delta {
				return &dynamodb.UpdateItemOutput{}, nil
			}
		}
		members = append(members, delta)
	case "DELETE m :s":
		idx := -1
		for i, m := range members {
			if m == delta {
				idx = i
			}
		}
		if idx < 0 {
			return nil, conditionFailed()
		}
		members = append(members[:idx], members[idx+1:]...)
	}
	if len(members) == 0 {
		delete(item, "m")
	} else {
		item["m"] = &types.AttributeValueMemberSS{Value: members}
	}
	f.items[k] = item
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	k := pk(in.Key)
	old, exists := f.items[k]
	if in.ConditionExpression != nil {
		now := numAttr(in.ExpressionAttributeValues[":now"])
		want := in.ExpressionAttributeValues[":old"].(*types.AttributeValueMemberB).Value
		v, ok := old["v"].(*types.AttributeValueMemberB)
		if !exists || !ok || !bytes.Equal(v.Value, want) || expiredAt(old, now) {
			return nil, conditionFailed()
		}
	}
	delete(f.items, k)
	return &dynamodb.DeleteItemOutput{Attributes: old}, nil
}

func newTestDynamoStore() (*DynamoStore, *fakeDynamo, *time.Time) {
	fake := newFakeDynamo()
	s := NewDynamoStore(fake, "chatpair")
	now := time.Unix(1_800_000_000, 0)
	s.now = func() time.Time { return now }
	return s, fake, &now
}

func TestDynamoStore_KeyValue(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestDynamoStore()

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.SetIfAbsent(ctx, "k", []byte("a"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetIfAbsent(ctx, "k", []byte("b"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndSwap(ctx, "k", []byte("b"), []byte("c"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndSwap(ctx, "k", []byte("a"), []byte("c"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), got)

	ok, err = s.CompareAndDelete(ctx, "k", []byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.CompareAndDelete(ctx, "k", []byte("c"))
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, s.Set(ctx, "k", []byte("c"), 0))

	existed, err := s.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = s.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestDynamoStore_ExpiredRowsAreAbsent(t *testing.T) {
	ctx := context.Background()
	s, _, now := newTestDynamoStore()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 30*time.Second))
	_, err := s.Get(ctx, "k")
	require.NoError(t, err)

	*now = now.Add(time.Minute)

	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.SetIfAbsent(ctx, "k", []byte("fresh"), 0)
	require.NoError(t, err)
	assert.True(t, ok, "unswept expired row must not block SetIfAbsent")
}

func TestDynamoStore_Sets(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestDynamoStore()

	require.NoError(t, s.AddToSet(ctx, "q", "a"))
	require.NoError(t, s.AddToSet(ctx, "q", "b"))

	members, err := s.SetMembers(ctx, "q")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	removed, err := s.RemoveFromSet(ctx, "q", "a")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.RemoveFromSet(ctx, "q", "a")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestDynamoStore_TransportErrorIsUnavailable(t *testing.T) {
	ctx := context.Background()
	s, fake, _ := newTestDynamoStore()
	fake.err = errors.New("connection reset")

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)

	_, err = s.SetIfAbsent(ctx, "k", []byte("v"), 0)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)

	_, err = s.RemoveFromSet(ctx, "q", "a")
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
}
