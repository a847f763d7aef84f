package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("storychain")

// boltEnvelope carries the expiry next to the value since bbolt has no TTLs.
type boltEnvelope struct {
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Value     []byte    `json:"value"`
}

// BoltStore is a single-node persistent Store backed by a bbolt file.
// bbolt serializes writers, so Update never conflicts.
type BoltStore struct {
	db    *bolt.DB
	clock clockwork.Clock
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string, clock clockwork.Clock) (*BoltStore, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bolt bucket: %w", err)
	}

	return &BoltStore{db: db, clock: clock}, nil
}

func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		value, ok, err := s.read(tx.Bucket(boltBucket), key)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		out = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.write(tx.Bucket(boltBucket), key, value, ttl)
	})
}

func (s *BoltStore) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	})
}

func (s *BoltStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		current, _, err := s.read(b, key)
		if err != nil {
			return err
		}

		next, err := fn(current)
		if errors.Is(err, ErrDelete) {
			return b.Delete([]byte(key))
		}
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		return s.write(b, key, next, ttl)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// read decodes the envelope at key. Expired entries read as missing and are
// swept lazily by the next write to the same key.
func (s *BoltStore) read(b *bolt.Bucket, key string) ([]byte, bool, error) {
	raw := b.Get([]byte(key))
	if raw == nil {
		return nil, false, nil
	}

	var env boltEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false, fmt.Errorf("decode bolt entry %s: %w", key, err)
	}
	if !env.ExpiresAt.IsZero() && !s.clock.Now().Before(env.ExpiresAt) {
		return nil, false, nil
	}
	return env.Value, true, nil
}

func (s *BoltStore) write(b *bolt.Bucket, key string, value []byte, ttl time.Duration) error {
	env := boltEnvelope{Value: value}
	if ttl > 0 {
		env.ExpiresAt = s.clock.Now().Add(ttl)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode bolt entry %s: %w", key, err)
	}
	return b.Put([]byte(key), raw)
}
