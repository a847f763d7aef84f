package room

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Phase is the lifecycle state of a story room.
type Phase string

const (
	PhaseLobby      Phase = "lobby"
	PhaseInRound    Phase = "in_round"
	PhaseEvaluating Phase = "evaluating"
	PhaseComplete   Phase = "complete"
)

// MissedTurnText is the text recorded for a contribution produced by a turn timeout.
const MissedTurnText = "[missed turn]"

// Contribution is one player's entry in the current round.
type Contribution struct {
	Player   string `json:"player"`
	Text     string `json:"text"`
	Position int    `json:"position"`
	Skipped  bool   `json:"skipped,omitempty"`
}

// Room is the persisted state of one story room.
type Room struct {
	Name           string         `json:"name"`
	Phase          Phase          `json:"phase"`
	Players        []string       `json:"players"`
	Scores         map[string]int `json:"scores"`
	StageIndex     int            `json:"stage_index"`
	TotalStages    int            `json:"total_stages"`
	TurnIndex      int            `json:"turn_index"`
	TurnGeneration int64          `json:"turn_generation"`
	TurnDeadline   *time.Time     `json:"turn_deadline,omitempty"`
	Contributions  []Contribution `json:"contributions"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// New returns an empty room waiting in the lobby.
func New(name string, totalStages int, now time.Time) *Room {
	return &Room{
		Name:          name,
		Phase:         PhaseLobby,
		Players:       []string{},
		Scores:        make(map[string]int),
		TotalStages:   totalStages,
		Contributions: []Contribution{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// HasPlayer reports whether player is a member of the room.
func (r *Room) HasPlayer(player string) bool {
	return r.playerIndex(player) >= 0
}

func (r *Room) playerIndex(player string) int {
	for i, p := range r.Players {
		if p == player {
			return i
		}
	}
	return -1
}

// AddPlayer appends player unless already present. A returning player keeps
// their previous score.
func (r *Room) AddPlayer(player string) bool {
	if r.HasPlayer(player) {
		return false
	}
	r.Players = append(r.Players, player)
	if _, ok := r.Scores[player]; !ok {
		r.Scores[player] = 0
	}
	return true
}

// RemovePlayer removes player and returns the index they occupied.
// The turn index is shifted so the same player stays due when possible.
func (r *Room) RemovePlayer(player string) (int, bool) {
	idx := r.playerIndex(player)
	if idx < 0 {
		return -1, false
	}
	r.Players = append(r.Players[:idx], r.Players[idx+1:]...)
	if idx < r.TurnIndex {
		r.TurnIndex--
	}
	r.healTurnIndex()
	return idx, true
}

// DuePlayer returns the player whose turn it is.
func (r *Room) DuePlayer() (string, bool) {
	if r.TurnIndex < 0 || r.TurnIndex >= len(r.Players) {
		return "", false
	}
	return r.Players[r.TurnIndex], true
}

// AdvanceTurn moves the turn to the next player in join order.
func (r *Room) AdvanceTurn() {
	if len(r.Players) == 0 {
		r.TurnIndex = 0
		return
	}
	r.TurnIndex = (r.TurnIndex + 1) % len(r.Players)
}

// AddContribution appends an entry to the current round.
func (r *Room) AddContribution(player, text string, skipped bool) Contribution {
	c := Contribution{
		Player:   player,
		Text:     text,
		Position: len(r.Contributions),
		Skipped:  skipped,
	}
	r.Contributions = append(r.Contributions, c)
	return c
}

// RoundComplete reports whether every player has contributed to the current round.
func (r *Room) RoundComplete() bool {
	return len(r.Players) > 0 && len(r.Contributions) >= len(r.Players)
}

// Sentence joins the non-skipped contributions with single spaces.
func (r *Room) Sentence() string {
	parts := make([]string, 0, len(r.Contributions))
	for _, c := range r.Contributions {
		if c.Skipped {
			continue
		}
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, " ")
}

// Contributors returns the players of non-skipped contributions, in order.
func (r *Room) Contributors() []string {
	out := make([]string, 0, len(r.Contributions))
	for _, c := range r.Contributions {
		if !c.Skipped {
			out = append(out, c.Player)
		}
	}
	return out
}

// AddScore adjusts a player's score; scores may go negative.
func (r *Room) AddScore(player string, delta int) {
	r.Scores[player] += delta
}

// ResetRound clears pending contributions and hands the turn back to the first player.
func (r *Room) ResetRound() {
	r.Contributions = []Contribution{}
	r.TurnIndex = 0
	r.TurnDeadline = nil
}

// ScoresCopy returns a snapshot of the score table.
func (r *Room) ScoresCopy() map[string]int {
	out := make(map[string]int, len(r.Scores))
	for k, v := range r.Scores {
		out[k] = v
	}
	return out
}

// StageInRange reports whether StageIndex addresses a playable stage.
func (r *Room) StageInRange() bool {
	return r.StageIndex >= 0 && r.StageIndex < r.TotalStages
}

// Normalize fills defaults for fields missing from older records and repairs
// out-of-range indices. It reports whether anything changed.
func (r *Room) Normalize() bool {
	changed := false
	if r.Phase == "" {
		r.Phase = PhaseLobby
		changed = true
	}
	if r.Players == nil {
		r.Players = []string{}
		changed = true
	}
	if r.Scores == nil {
		r.Scores = make(map[string]int)
		changed = true
	}
	for _, p := range r.Players {
		if _, ok := r.Scores[p]; !ok {
			r.Scores[p] = 0
			changed = true
		}
	}
	if r.Contributions == nil {
		r.Contributions = []Contribution{}
		changed = true
	}
	if r.StageIndex < 0 {
		r.StageIndex = 0
		changed = true
	}
	if r.healTurnIndex() {
		changed = true
	}
	return changed
}

func (r *Room) healTurnIndex() bool {
	if r.TurnIndex < 0 || (r.TurnIndex > 0 && r.TurnIndex >= len(r.Players)) {
		r.TurnIndex = 0
		return true
	}
	return false
}

// MarshalBinary lets the room be handed to stores and clients as JSON.
func (r *Room) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

func (r *Room) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}

// Decode parses a stored room and normalizes it. healed reports whether
// the stored record needed repair.
func Decode(data []byte) (rm *Room, healed bool, err error) {
	rm = &Room{}
	if err := rm.UnmarshalBinary(data); err != nil {
		return nil, false, fmt.Errorf("decode room: %w", err)
	}
	return rm, rm.Normalize(), nil
}
