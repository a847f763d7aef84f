package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/storychain/go/internal/broadcast"
)

// ConnectionManager manages the websocket connections of story rooms and lobbies
type ConnectionManager struct {
	// Connection pools organized by broadcast group
	groupConnections map[string]map[*Connection]bool
	mu               sync.RWMutex

	upgrader    websocket.Upgrader
	config      ConnectionConfig
	broadcaster broadcast.Broadcaster
}

// ConnectionConfig holds configuration for websocket connections
type ConnectionConfig struct {
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
	ReadBufferSize   int
	WriteBufferSize  int
	SendBufferSize   int
	OperationTimeout time.Duration
	CheckOrigin      func(r *http.Request) bool
}

// DefaultConnectionConfig returns default websocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     30 * time.Second,
		MaxMessageSize:   1024, // 1KB max message size
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		SendBufferSize:   256,
		OperationTimeout: 30 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			// origins are enforced by the CORS layer
			return true
		},
	}
}

// ConnectionStats summarizes the live connections.
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveGroups     int            `json:"active_groups"`
	GroupConnections map[string]int `json:"group_connections"`
}

func NewConnectionManager(config ConnectionConfig, broadcaster broadcast.Broadcaster) *ConnectionManager {
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = 256
	}
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = 30 * time.Second
	}
	return &ConnectionManager{
		groupConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcaster: broadcaster,
	}
}

// UpgradeConnection upgrades the request, subscribes the connection to group
// and hands it to sess. It returns once the pumps are running.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, group string, sess session) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied to the client
		return nil, err
	}

	now := time.Now()
	connection := &Connection{
		id:          uuid.New().String(),
		Group:       group,
		Conn:        conn,
		ConnectedAt: now,
		manager:     cm,
		session:     sess,
		send:        make(chan []byte, cm.config.SendBufferSize),
		done:        make(chan struct{}),
		lastPing:    now,
	}

	cm.registerConnection(connection)
	cm.broadcaster.Subscribe(group, connection)

	go connection.writePump()

	ctx, cancel := cm.operationContext()
	err = sess.open(ctx, connection)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("connection_id", connection.id).Str("group", group).Msg("session rejected connection")
		connection.sendError(err.Error())
		connection.close()
	}

	go connection.readPump()

	log.Info().
		Str("connection_id", connection.id).
		Str("group", group).
		Msg("websocket connection established")

	return connection, nil
}

func (cm *ConnectionManager) operationContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cm.config.OperationTimeout)
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.groupConnections[conn.Group] == nil {
		cm.groupConnections[conn.Group] = make(map[*Connection]bool)
	}
	cm.groupConnections[conn.Group][conn] = true

	log.Debug().
		Str("connection_id", conn.id).
		Str("group", conn.Group).
		Int("total_connections", len(cm.groupConnections[conn.Group])).
		Msg("connection registered")
}

// unregisterConnection reports whether conn was still registered.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	connections, exists := cm.groupConnections[conn.Group]
	if !exists || !connections[conn] {
		return false
	}
	delete(connections, conn)
	if len(connections) == 0 {
		delete(cm.groupConnections, conn.Group)
	}

	log.Info().
		Str("connection_id", conn.id).
		Str("player", conn.Player()).
		Str("group", conn.Group).
		Msg("connection unregistered")
	return true
}

// release tears a finished connection down and lets its session clean up.
func (cm *ConnectionManager) release(conn *Connection) {
	cm.broadcaster.Unsubscribe(conn.Group, conn)
	if !cm.unregisterConnection(conn) {
		return
	}

	ctx, cancel := cm.operationContext()
	defer cancel()
	conn.session.closed(ctx, conn)
}

// playerConnected reports whether another connection of the group is bound to player.
func (cm *ConnectionManager) playerConnected(group, player string, except *Connection) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	for conn := range cm.groupConnections[group] {
		if conn != except && conn.Player() == player {
			return true
		}
	}
	return false
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		ActiveGroups:     len(cm.groupConnections),
		GroupConnections: make(map[string]int, len(cm.groupConnections)),
	}
	for group, connections := range cm.groupConnections {
		stats.GroupConnections[group] = len(connections)
		stats.TotalConnections += len(connections)
	}
	return stats
}

// CloseAll closes every open connection, for shutdown.
func (cm *ConnectionManager) CloseAll() {
	cm.mu.RLock()
	var all []*Connection
	for _, connections := range cm.groupConnections {
		for conn := range connections {
			all = append(all, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range all {
		conn.close()
	}
	log.Info().Int("connections", len(all)).Msg("closed all websocket connections")
}
