// Package storage holds the key-value abstraction the chat engine is written
// against, its in-process, Redis and DynamoDB implementations, and the
// PostgreSQL archive of finished sessions and exchange transactions.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatpair/backend/internal/models"
)

// ErrNotFound is returned by Get for a key that does not exist or has expired.
// It is distinct from models.ErrStoreUnavailable: a missing key is data, a
// failed round trip is not.
var ErrNotFound = errors.New("key not found")

// Store is the persistence collaborator. Every method commits its own delta
// atomically; none holds a lock across calls.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfAbsent writes value only when key does not exist and reports whether it did.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces the value only if it still equals old.
	// A missing key never matches.
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// CompareAndDelete removes key only if its value still equals old. Of
	// several callers holding the same old value exactly one sees true.
	CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error)

	AddToSet(ctx context.Context, key, member string) error
	// RemoveFromSet reports whether member was present. Exactly one of several
	// concurrent callers removing the same member sees true.
	RemoveFromSet(ctx context.Context, key, member string) (bool, error)
	SetMembers(ctx context.Context, key string) ([]string, error)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrStoreUnavailable, op, err)
}
