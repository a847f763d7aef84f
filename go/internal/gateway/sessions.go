package gateway

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/storychain/go/internal/lobby"
	"github.com/mcdev12/storychain/go/internal/room"
	"github.com/mcdev12/storychain/go/internal/story"
)

// StoryEngine is the part of the game engine the gateway drives.
type StoryEngine interface {
	Join(ctx context.Context, name, player string) (*room.Room, error)
	Leave(ctx context.Context, name, player string) error
	Submit(ctx context.Context, name, player, text string) error
	Snapshot(ctx context.Context, name string) (story.StateSnapshot, error)
	SnapshotOf(ctx context.Context, rm *room.Room) story.StateSnapshot
}

// Lobby is the waiting-room service behind /ws/lobby.
type Lobby interface {
	Join(ctx context.Context, code, player string) (lobby.PlayerList, error)
	Leave(ctx context.Context, code, player string) error
}

// session reacts to the lifecycle of one kind of connection.
type session interface {
	open(ctx context.Context, c *Connection) error
	handle(ctx context.Context, c *Connection, msg ClientMessage)
	closed(ctx context.Context, c *Connection)
}

type storySession struct {
	engine StoryEngine
	room   string
	player string // from the query string, optional
}

func (s *storySession) open(ctx context.Context, c *Connection) error {
	if s.player == "" {
		return nil
	}
	return s.join(ctx, c, s.player)
}

func (s *storySession) handle(ctx context.Context, c *Connection, msg ClientMessage) {
	switch msg.Type {
	case MessagePlayerJoin:
		if err := s.join(ctx, c, msg.Player); err != nil {
			c.sendError(err.Error())
		}

	case MessageSubmitSentence:
		player := c.Player()
		if player == "" {
			c.sendError("join the room before submitting")
			return
		}
		if err := s.engine.Submit(ctx, s.room, player, msg.Text); err != nil {
			log.Error().Err(err).Str("room", s.room).Str("player", player).Msg("submission failed")
			c.sendError("could not submit sentence")
		}

	default:
		log.Debug().Str("room", s.room).Str("type", msg.Type).Msg("ignoring unknown message type")
	}
}

func (s *storySession) join(ctx context.Context, c *Connection, raw string) error {
	player, err := room.NormalizePlayer(raw)
	if err != nil {
		return err
	}
	if current := c.Player(); current != "" && current != player {
		return errors.New("connection already joined as " + current)
	}

	rm, err := s.engine.Join(ctx, s.room, player)
	if err != nil {
		log.Error().Err(err).Str("room", s.room).Str("player", player).Msg("join failed")
		return errors.New("could not join room")
	}
	c.bind(player)
	c.sendEvent(s.engine.SnapshotOf(ctx, rm))
	return nil
}

// closed removes the player unless they are still connected elsewhere.
func (s *storySession) closed(ctx context.Context, c *Connection) {
	player := c.Player()
	if player == "" || c.manager.playerConnected(c.Group, player, c) {
		return
	}
	if err := s.engine.Leave(ctx, s.room, player); err != nil {
		log.Error().Err(err).Str("room", s.room).Str("player", player).Msg("failed to leave room on disconnect")
	}
}

type lobbySession struct {
	lobby  Lobby
	code   string
	player string
}

func (s *lobbySession) open(ctx context.Context, c *Connection) error {
	player, err := room.NormalizePlayer(s.player)
	if err != nil {
		return err
	}
	list, err := s.lobby.Join(ctx, s.code, player)
	if err != nil {
		log.Error().Err(err).Str("lobby", s.code).Str("player", player).Msg("lobby join failed")
		return errors.New("could not join lobby")
	}
	c.bind(player)
	c.sendEvent(list)
	return nil
}

// handle ignores client messages; the lobby is driven by connects and disconnects.
func (s *lobbySession) handle(ctx context.Context, c *Connection, msg ClientMessage) {
	log.Debug().Str("lobby", s.code).Str("type", msg.Type).Msg("ignoring lobby client message")
}

func (s *lobbySession) closed(ctx context.Context, c *Connection) {
	player := c.Player()
	if player == "" || c.manager.playerConnected(c.Group, player, c) {
		return
	}
	if err := s.lobby.Leave(ctx, s.code, player); err != nil {
		log.Error().Err(err).Str("lobby", s.code).Str("player", player).Msg("failed to leave lobby on disconnect")
	}
}
