package storage

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var errCASMismatch = errors.New("compare-and-swap mismatch")

// RedisStore is the networked Store backed by Redis strings and sets.
type RedisStore struct {
	Redis *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{Redis: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.Redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.Redis.Set(ctx, key, value, positive(ttl)).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.Redis.SetNX(ctx, key, value, positive(ttl)).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

// CompareAndSwap runs an optimistic WATCH/MULTI transaction on key.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	err := s.Redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return errCASMismatch
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(cur, old) {
			return errCASMismatch
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, value, positive(ttl))
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errCASMismatch), errors.Is(err, redis.TxFailedErr):
		return false, nil
	default:
		return false, unavailable("cas", err)
	}
}

func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.Redis.Del(ctx, key).Result()
	if err != nil {
		return false, unavailable("del", err)
	}
	return n > 0, nil
}

// CompareAndDelete uses the same WATCH/MULTI transaction as CompareAndSwap.
func (s *RedisStore) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	err := s.Redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return errCASMismatch
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(cur, old) {
			return errCASMismatch
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errCASMismatch), errors.Is(err, redis.TxFailedErr):
		return false, nil
	default:
		return false, unavailable("cad", err)
	}
}

func (s *RedisStore) AddToSet(ctx context.Context, key, member string) error {
	if err := s.Redis.SAdd(ctx, key, member).Err(); err != nil {
		return unavailable("sadd", err)
	}
	return nil
}

func (s *RedisStore) RemoveFromSet(ctx context.Context, key, member string) (bool, error) {
	n, err := s.Redis.SRem(ctx, key, member).Result()
	if err != nil {
		return false, unavailable("srem", err)
	}
	return n > 0, nil
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.Redis.SMembers(ctx, key).Result()
	if err != nil {
		return nil, unavailable("smembers", err)
	}
	return members, nil
}

func positive(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}
