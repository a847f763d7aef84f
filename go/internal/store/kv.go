package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// KVStore keeps room state in a JetStream key/value bucket.
// Expiry is a property of the bucket, so the ttl passed to writes is ignored.
type KVStore struct {
	kv         jetstream.KeyValue
	maxRetries int
}

// KVConfig describes the bucket backing a KVStore.
type KVConfig struct {
	Bucket   string
	TTL      time.Duration
	Replicas int
}

// NewKVStore creates (or updates) the bucket described by cfg on nc.
func NewKVStore(ctx context.Context, nc *nats.Conn, cfg KVConfig) (*KVStore, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	replicas := cfg.Replicas
	if replicas <= 0 {
		replicas = 1
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "storychain room state",
		History:     1,
		TTL:         cfg.TTL,
		Storage:     jetstream.FileStorage,
		Replicas:    replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %s: %w", cfg.Bucket, err)
	}

	log.Info().Str("bucket", cfg.Bucket).Dur("ttl", cfg.TTL).Msg("jetstream kv bucket ready")
	return &KVStore{kv: kv, maxRetries: DefaultMaxRetries}, nil
}

// kvKey maps store keys onto the KV key alphabet, which has no ':'.
func kvKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

func isKVMissing(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

func isKVRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.kv.Get(ctx, kvKey(key))
	if isKVMissing(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return entry.Value(), nil
}

func (s *KVStore) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if _, err := s.kv.Put(ctx, kvKey(key), value); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	err := s.kv.Delete(ctx, kvKey(key))
	if err != nil && !isKVMissing(err) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Update uses the entry revision as the compare-and-set token.
func (s *KVStore) Update(ctx context.Context, key string, _ time.Duration, fn UpdateFunc) error {
	k := kvKey(key)

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		var (
			current  []byte
			revision uint64
		)
		entry, err := s.kv.Get(ctx, k)
		switch {
		case err == nil:
			current = entry.Value()
			revision = entry.Revision()
		case isKVMissing(err):
		default:
			return fmt.Errorf("kv get %s: %w", key, err)
		}

		next, err := fn(current)
		if errors.Is(err, ErrDelete) {
			if current == nil {
				return nil
			}
			err = s.kv.Delete(ctx, k, jetstream.LastRevision(revision))
			if err == nil || isKVMissing(err) {
				return nil
			}
			if isKVRevisionConflict(err) {
				continue
			}
			return fmt.Errorf("kv delete %s: %w", key, err)
		}
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}

		if current == nil {
			_, err = s.kv.Create(ctx, k, next)
		} else {
			_, err = s.kv.Update(ctx, k, next, revision)
		}
		if err == nil {
			return nil
		}
		if isKVRevisionConflict(err) {
			log.Debug().Str("key", key).Int("attempt", attempt).Msg("kv revision moved, retrying")
			continue
		}
		return fmt.Errorf("kv write %s: %w", key, err)
	}
	return fmt.Errorf("kv update %s: %w", key, ErrConflict)
}

// Close is a no-op; the NATS connection belongs to the caller.
func (s *KVStore) Close() error {
	return nil
}
