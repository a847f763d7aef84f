package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/storychain/go/internal/broadcast"
)

// Connection represents a websocket connection to a client
type Connection struct {
	id          string
	Group       string
	Conn        *websocket.Conn
	ConnectedAt time.Time

	manager *ConnectionManager
	session session

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	player   string
	lastPing time.Time
}

var _ broadcast.Subscriber = (*Connection)(nil)

func (c *Connection) Player() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.player
}

// bind ties the connection to player. A connection joins as one player only.
func (c *Connection) bind(player string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.player != "" && c.player != player {
		return false
	}
	c.player = player
	return true
}

// Deliver queues data without blocking. A full buffer closes the connection.
func (c *Connection) Deliver(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		log.Warn().
			Str("connection_id", c.id).
			Str("player", c.Player()).
			Msg("connection send buffer full, closing connection")
		c.close()
		return false
	}
}

// sendEvent delivers an event to this connection only.
func (c *Connection) sendEvent(event broadcast.Event) {
	data, err := broadcast.Encode(event)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.id).Msg("failed to encode direct event")
		return
	}
	c.Deliver(data)
}

func (c *Connection) sendError(message string) {
	c.sendEvent(ErrorEvent{Type: EventError, Message: message})
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump handles sending messages to the websocket connection
func (c *Connection) writePump() {
	cfg := c.manager.config
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to write message to websocket")
				c.close()
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to send ping")
				c.close()
				return
			}

		case <-c.done:
			c.flush()
			c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued, best effort.
func (c *Connection) flush() {
	for {
		select {
		case message := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump handles reading messages from the websocket connection
func (c *Connection) readPump() {
	cfg := c.manager.config
	defer func() {
		c.close()
		c.manager.release(c)
	}()

	c.Conn.SetReadLimit(cfg.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("unexpected websocket close error")
			}
			return
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	}
}

// handleClientMessage decodes one client message and hands it to the session.
// A panic in the session is contained to this message.
func (c *Connection) handleClientMessage(message []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("connection_id", c.id).
				Str("group", c.Group).
				Msg("panic while handling client message")
			c.sendError("internal server error")
		}
	}()

	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil || msg.Type == "" {
		log.Debug().Str("connection_id", c.id).Msg("received malformed client message")
		c.sendError("invalid message format")
		return
	}

	log.Debug().
		Str("connection_id", c.id).
		Str("player", c.Player()).
		Str("type", msg.Type).
		Msg("received client message")

	ctx, cancel := c.manager.operationContext()
	defer cancel()
	c.session.handle(ctx, c, msg)
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string { return c.id }
