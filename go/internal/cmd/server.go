package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/storychain/go/internal/progress"
	"github.com/mcdev12/storychain/go/internal/room"
)

func setupServer(cfg Config, services *Services) *http.Server {
	router := mux.NewRouter()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	services.Gateway.RegisterRoutes(router)
	if services.Recorder != nil {
		registerProgressRoutes(router, services.Recorder)
	}

	handler := c.Handler(router)

	return &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}

func registerProgressRoutes(router *mux.Router, recorder *progress.Recorder) {
	router.HandleFunc("/api/leaderboard", func(w http.ResponseWriter, r *http.Request) {
		limit := 10
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		totals, err := recorder.PlayerTotals(r.Context(), limit)
		if err != nil {
			log.Error().Err(err).Msg("failed to load leaderboard")
			http.Error(w, "failed to load leaderboard", http.StatusInternalServerError)
			return
		}
		writeJSON(w, totals)
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/rooms/{room}/result", func(w http.ResponseWriter, r *http.Request) {
		name, err := room.NormalizeName(mux.Vars(r)["room"])
		if err != nil {
			http.Error(w, "invalid room name", http.StatusBadRequest)
			return
		}

		result, err := recorder.LastGame(r.Context(), name)
		if errors.Is(err, progress.ErrNoGames) {
			http.Error(w, "no finished game for room", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error().Err(err).Str("room", name).Msg("failed to load game result")
			http.Error(w, "failed to load game result", http.StatusInternalServerError)
			return
		}
		writeJSON(w, struct {
			progress.GameResult
			Winner string `json:"winner"`
		}{result, result.Winner()})
	}).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
