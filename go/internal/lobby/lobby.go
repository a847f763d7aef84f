// Package lobby tracks who is waiting in a lobby before a story game starts.
package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/valyala/fastrand"

	"github.com/mcdev12/storychain/go/internal/broadcast"
	"github.com/mcdev12/storychain/go/internal/room"
	"github.com/mcdev12/storychain/go/internal/store"
)

const (
	DefaultPartySize = 3
	DefaultTTL       = time.Hour
)

// Publisher delivers events to the members of a broadcast group.
type Publisher interface {
	Publish(ctx context.Context, group string, event broadcast.Event) error
}

type Config struct {
	PartySize int
	TTL       time.Duration
}

// Service keeps each lobby's member list in the shared store.
type Service struct {
	store     store.Store
	publisher Publisher
	cfg       Config
	shuffle   func([]string)
}

func NewService(s store.Store, publisher Publisher, cfg Config) *Service {
	if cfg.PartySize <= 0 {
		cfg.PartySize = DefaultPartySize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Service{
		store:     s,
		publisher: publisher,
		cfg:       cfg,
		shuffle:   shuffle,
	}
}

// Key is the store key of a lobby's member list.
func Key(code string) string {
	return "room:" + code + ":players"
}

// Group is the broadcast group of a lobby.
func Group(code string) string {
	return "lobby_" + code
}

// Join adds player to the lobby and returns the list the joiner should be sent.
// Joining twice leaves the list untouched. The party starts when a join brings
// the lobby to its full size.
func (s *Service) Join(ctx context.Context, code, player string) (PlayerList, error) {
	code, player, err := normalize(code, player)
	if err != nil {
		return PlayerList{}, err
	}

	var (
		players []string
		added   bool
	)
	err = s.store.Update(ctx, Key(code), s.cfg.TTL, func(current []byte) ([]byte, error) {
		list, err := decode(current)
		if err != nil {
			return nil, err
		}
		players, added = list, false
		if contains(list, player) {
			return nil, nil
		}
		players = append(list, player)
		added = true
		return json.Marshal(players)
	})
	if err != nil {
		return PlayerList{}, fmt.Errorf("join lobby %s: %w", code, err)
	}

	if !added {
		log.Debug().Str("lobby", code).Str("player", player).Msg("player already in lobby")
	} else {
		log.Info().Str("lobby", code).Str("player", player).Int("players", len(players)).Msg("player joined lobby")
	}

	s.publish(ctx, code, PlayerJoined{Type: EventPlayerJoined, Player: player, Players: players})
	if added && len(players) == s.cfg.PartySize {
		order := append([]string(nil), players...)
		s.shuffle(order)
		log.Info().Str("lobby", code).Strs("turn_order", order).Msg("party complete, starting game")
		s.publish(ctx, code, GameStart{Type: EventGameStart, TurnOrder: order})
	}

	return PlayerList{Type: EventPlayerList, Players: players}, nil
}

// Leave removes player from the lobby. The entry is deleted once the lobby is empty.
func (s *Service) Leave(ctx context.Context, code, player string) error {
	code, player, err := normalize(code, player)
	if err != nil {
		return err
	}

	var (
		players []string
		removed bool
	)
	err = s.store.Update(ctx, Key(code), s.cfg.TTL, func(current []byte) ([]byte, error) {
		list, err := decode(current)
		if err != nil {
			return nil, err
		}
		players, removed = list, false
		next := make([]string, 0, len(list))
		for _, p := range list {
			if p != player {
				next = append(next, p)
			}
		}
		if len(next) == len(list) {
			return nil, nil
		}
		players, removed = next, true
		if len(next) == 0 {
			return nil, store.ErrDelete
		}
		return json.Marshal(next)
	})
	if err != nil {
		return fmt.Errorf("leave lobby %s: %w", code, err)
	}
	if !removed {
		return nil
	}

	log.Info().Str("lobby", code).Str("player", player).Int("players", len(players)).Msg("player left lobby")
	s.publish(ctx, code, PlayerLeft{Type: EventPlayerLeft, Player: player, Players: players})
	return nil
}

// Players returns the current member list, empty when the lobby does not exist.
func (s *Service) Players(ctx context.Context, code string) ([]string, error) {
	code, err := room.NormalizeName(code)
	if err != nil {
		return nil, err
	}
	data, err := s.store.Get(ctx, Key(code))
	if errors.Is(err, store.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (s *Service) publish(ctx context.Context, code string, event broadcast.Event) {
	if err := s.publisher.Publish(ctx, Group(code), event); err != nil {
		log.Error().Err(err).Str("lobby", code).Str("event", event.EventType()).Msg("failed to publish lobby event")
	}
}

func normalize(code, player string) (string, string, error) {
	code, err := room.NormalizeName(code)
	if err != nil {
		return "", "", err
	}
	player, err = room.NormalizePlayer(player)
	if err != nil {
		return "", "", err
	}
	return code, player, nil
}

func decode(data []byte) ([]string, error) {
	if data == nil {
		return []string{}, nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode lobby players: %w", err)
	}
	if list == nil {
		list = []string{}
	}
	return list, nil
}

func contains(list []string, player string) bool {
	for _, p := range list {
		if p == player {
			return true
		}
	}
	return false
}

// shuffle is a Fisher-Yates shuffle on fastrand.
func shuffle(players []string) {
	for i := len(players) - 1; i > 0; i-- {
		j := int(fastrand.Uint32n(uint32(i + 1)))
		players[i], players[j] = players[j], players[i]
	}
}
