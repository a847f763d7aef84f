package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	clock clockwork.Clock
}

// NewMemoryStore creates an empty store. A nil clock uses the real clock.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		items: make(map[string]memoryItem),
		clock: clock,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(key, value, ttl)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, key)
	return nil
}

// Update holds the store mutex for the whole read-modify-write, so it never conflicts.
func (s *MemoryStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, _ := s.lookup(key)
	next, err := fn(current)
	if errors.Is(err, ErrDelete) {
		delete(s.items, key)
		return nil
	}
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	s.put(key, next, ttl)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// TTL reports the remaining lifetime of a key, zero when it has none.
func (s *MemoryStore) TTL(key string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		return 0, false
	}
	if item.expiresAt.IsZero() {
		return 0, true
	}
	return item.expiresAt.Sub(s.clock.Now()), true
}

func (s *MemoryStore) lookup(key string) ([]byte, bool) {
	item, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if !item.expiresAt.IsZero() && !s.clock.Now().Before(item.expiresAt) {
		delete(s.items, key)
		return nil, false
	}
	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, true
}

func (s *MemoryStore) put(key string, value []byte, ttl time.Duration) {
	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = s.clock.Now().Add(ttl)
	}
	s.items[key] = item
}
