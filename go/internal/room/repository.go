package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/storychain/go/internal/store"
)

// ErrUnchanged is returned by a mutation to reject a transition without writing.
// Mutate passes it back to the caller once the store operation finished.
var ErrUnchanged = errors.New("room unchanged")

// DefaultTTL is how long an idle room survives in the store.
const DefaultTTL = time.Hour

// Repository loads and atomically mutates rooms in a shared store.
type Repository struct {
	store store.Store
	ttl   time.Duration
	clock clockwork.Clock
}

func NewRepository(s store.Store, ttl time.Duration, clock clockwork.Clock) *Repository {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Repository{store: s, ttl: ttl, clock: clock}
}

// Load reads a room. A missing room yields store.ErrNotFound.
func (r *Repository) Load(ctx context.Context, name string) (*Room, error) {
	data, err := r.store.Get(ctx, StoreKey(name))
	if err != nil {
		return nil, err
	}
	rm, _, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", name, err)
	}
	return rm, nil
}

// Mutate re-reads the room, applies fn and writes the result back with a
// compare-and-set. When the room is missing init creates it; a nil init makes
// Mutate fail with store.ErrNotFound.
//
// If fn returns ErrUnchanged the transition is dropped, but repairs made while
// decoding are still persisted. The returned room is the state as committed
// (or as read, when nothing was written).
func (r *Repository) Mutate(ctx context.Context, name string, init func() *Room, fn func(rm *Room) error) (*Room, error) {
	var (
		result    *Room
		unchanged bool
	)

	err := r.store.Update(ctx, StoreKey(name), r.ttl, func(current []byte) ([]byte, error) {
		result = nil
		unchanged = false

		var (
			rm    *Room
			dirty bool
		)
		if current == nil {
			if init == nil {
				return nil, store.ErrNotFound
			}
			rm = init()
			dirty = true
		} else {
			decoded, healed, err := Decode(current)
			if err != nil {
				return nil, err
			}
			rm = decoded
			if healed {
				log.Warn().Str("room", name).Msg("repaired persisted room state")
				dirty = true
			}
		}

		err := fn(rm)
		result = rm
		switch {
		case errors.Is(err, ErrUnchanged):
			unchanged = true
		case err != nil:
			return nil, err
		default:
			dirty = true
		}

		if !dirty {
			return nil, nil
		}
		rm.UpdatedAt = r.clock.Now()
		return rm.MarshalBinary()
	})
	if err != nil {
		return nil, err
	}
	if unchanged {
		return result, ErrUnchanged
	}
	return result, nil
}
