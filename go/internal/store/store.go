package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is missing or expired.
	ErrNotFound = errors.New("store: key not found")

	// ErrConflict is returned when an optimistic update kept losing to concurrent writers.
	ErrConflict = errors.New("store: too many concurrent updates")

	// ErrDelete may be returned from an UpdateFunc to remove the key atomically.
	ErrDelete = errors.New("store: delete key")
)

// DefaultMaxRetries bounds the compare-and-set loop of Update.
const DefaultMaxRetries = 16

// UpdateFunc receives the current value (nil when the key is missing) and returns
// the value to write. Returning a nil value with a nil error leaves the key untouched.
// The function may run more than once and must not have side effects.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is the shared key/value state every replica reads and writes.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Update applies fn atomically with respect to other writers of the same key.
	// Every write refreshes the key's expiry to ttl.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error

	Close() error
}
