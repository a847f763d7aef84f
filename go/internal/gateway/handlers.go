package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/storychain/go/internal/broadcast"
	"github.com/mcdev12/storychain/go/internal/lobby"
	"github.com/mcdev12/storychain/go/internal/room"
	"github.com/mcdev12/storychain/go/internal/store"
)

// StatsSource reports fan-out counters; *broadcast.Hub implements it.
type StatsSource interface {
	Stats() broadcast.Stats
}

// Handler serves the websocket endpoints and the small HTTP API around them.
type Handler struct {
	manager *ConnectionManager
	engine  StoryEngine
	lobby   Lobby
	stats   StatsSource
	health  *HealthChecker
}

type HandlerOption func(*Handler)

func WithStats(stats StatsSource) HandlerOption {
	return func(h *Handler) {
		h.stats = stats
	}
}

func WithHealthChecker(health *HealthChecker) HandlerOption {
	return func(h *Handler) {
		h.health = health
	}
}

func NewHandler(manager *ConnectionManager, engine StoryEngine, lobby Lobby, opts ...HandlerOption) *Handler {
	h := &Handler{
		manager: manager,
		engine:  engine,
		lobby:   lobby,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers websocket and API routes. Websocket paths are also
// served with a trailing slash since clients build them that way.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	for _, path := range []string{"/ws/story/{room}", "/ws/story/{room}/"} {
		r.HandleFunc(path, h.HandleStoryConnection).Methods(http.MethodGet)
	}
	for _, path := range []string{"/ws/lobby/{room}", "/ws/lobby/{room}/"} {
		r.HandleFunc(path, h.HandleLobbyConnection).Methods(http.MethodGet)
	}
	r.HandleFunc("/api/rooms/{room}/state", h.HandleRoomState).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", h.HandleStats).Methods(http.MethodGet)
	r.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)
}

// HandleStoryConnection handles GET /ws/story/{room}[?player=NAME]
func (h *Handler) HandleStoryConnection(w http.ResponseWriter, r *http.Request) {
	name, err := room.NormalizeName(mux.Vars(r)["room"])
	if err != nil {
		http.Error(w, "invalid room name", http.StatusBadRequest)
		return
	}

	sess := &storySession{
		engine: h.engine,
		room:   name,
		player: r.URL.Query().Get("player"),
	}
	if _, err := h.manager.UpgradeConnection(w, r, room.Group(name), sess); err != nil {
		log.Error().Err(err).Str("room", name).Msg("failed to upgrade story connection")
	}
}

// HandleLobbyConnection handles GET /ws/lobby/{room}?player=NAME
func (h *Handler) HandleLobbyConnection(w http.ResponseWriter, r *http.Request) {
	code, err := room.NormalizeName(mux.Vars(r)["room"])
	if err != nil {
		http.Error(w, "invalid room code", http.StatusBadRequest)
		return
	}
	player := r.URL.Query().Get("player")
	if _, err := room.NormalizePlayer(player); err != nil {
		http.Error(w, "player is required", http.StatusBadRequest)
		return
	}

	sess := &lobbySession{lobby: h.lobby, code: code, player: player}
	if _, err := h.manager.UpgradeConnection(w, r, lobby.Group(code), sess); err != nil {
		log.Error().Err(err).Str("lobby", code).Msg("failed to upgrade lobby connection")
	}
}

// HandleRoomState handles GET /api/rooms/{room}/state
func (h *Handler) HandleRoomState(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["room"]
	snap, err := h.engine.Snapshot(r.Context(), name)
	switch {
	case errors.Is(err, room.ErrInvalidName):
		http.Error(w, "invalid room name", http.StatusBadRequest)
		return
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "room not found", http.StatusNotFound)
		return
	case err != nil:
		log.Error().Err(err).Str("room", name).Msg("failed to get room state")
		http.Error(w, "failed to get room state", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type statsResponse struct {
	Connections ConnectionStats  `json:"connections"`
	Broadcast   *broadcast.Stats `json:"broadcast,omitempty"`
}

// HandleStats handles GET /api/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Connections: h.manager.GetConnectionStats()}
	if h.stats != nil {
		stats := h.stats.Stats()
		resp.Broadcast = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleHealth handles GET /health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		h.health.ServeHTTP(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
