package story

import (
	"time"

	"github.com/mcdev12/storychain/go/internal/catalog"
	"github.com/mcdev12/storychain/go/internal/room"
)

// Event types sent to story room members.
const (
	EventPlayersUpdate      = "players_update"
	EventStoryUpdate        = "story_update"
	EventTurnUpdate         = "turn_update"
	EventTimeout            = "timeout_event"
	EventSentenceEvaluation = "sentence_evaluation"
	EventNewImage           = "new_image"
	EventGameComplete       = "game_complete"
	EventStateSnapshot      = "state_snapshot"
)

type PlayersUpdate struct {
	Type    string   `json:"type"`
	Players []string `json:"players"`
}

func (e PlayersUpdate) EventType() string { return e.Type }

type StoryUpdate struct {
	Type     string `json:"type"`
	Player   string `json:"player"`
	Text     string `json:"text"`
	Position int    `json:"position"`
}

func (e StoryUpdate) EventType() string { return e.Type }

type TurnUpdate struct {
	Type       string `json:"type"`
	NextPlayer string `json:"next_player"`
	TimeLimit  int    `json:"time_limit"`
	Turn       int64  `json:"turn"`
}

func (e TurnUpdate) EventType() string { return e.Type }

type TimeoutEvent struct {
	Type    string `json:"type"`
	Player  string `json:"player"`
	Penalty int    `json:"penalty"`
}

func (e TimeoutEvent) EventType() string { return e.Type }

type SentenceEvaluation struct {
	Type            string `json:"type"`
	Sentence        string `json:"sentence"`
	Score           int    `json:"score"`
	PointsPerPlayer int    `json:"points_per_player"`
	ImageIndex      int    `json:"image_index"`
}

func (e SentenceEvaluation) EventType() string { return e.Type }

type NewImage struct {
	Type             string `json:"type"`
	ImageIndex       int    `json:"image_index"`
	TotalImages      int    `json:"total_images"`
	ImageURL         string `json:"image_url"`
	ImageDescription string `json:"image_description"`
}

func (e NewImage) EventType() string { return e.Type }

type GameComplete struct {
	Type   string         `json:"type"`
	Scores map[string]int `json:"scores"`
}

func (e GameComplete) EventType() string { return e.Type }

// StateSnapshot is sent to a (re)joining client instead of replaying history.
type StateSnapshot struct {
	Type          string               `json:"type"`
	Room          string               `json:"room"`
	Phase         room.Phase           `json:"phase"`
	Players       []string             `json:"players"`
	Scores        map[string]int       `json:"scores"`
	ImageIndex    int                  `json:"image_index"`
	TotalImages   int                  `json:"total_images"`
	Stage         *catalog.Stage       `json:"stage,omitempty"`
	CurrentPlayer string               `json:"current_player,omitempty"`
	TimeRemaining int                  `json:"time_remaining"`
	Contributions []room.Contribution  `json:"contributions"`
}

func (e StateSnapshot) EventType() string { return e.Type }

func newPlayersUpdate(rm *room.Room) PlayersUpdate {
	return PlayersUpdate{Type: EventPlayersUpdate, Players: append([]string(nil), rm.Players...)}
}

func newTurnUpdate(player string, limit time.Duration, generation int64) TurnUpdate {
	return TurnUpdate{
		Type:       EventTurnUpdate,
		NextPlayer: player,
		TimeLimit:  int(limit / time.Second),
		Turn:       generation,
	}
}

func newImage(index, total int, stage catalog.Stage) NewImage {
	return NewImage{
		Type:             EventNewImage,
		ImageIndex:       index,
		TotalImages:      total,
		ImageURL:         stage.ImageURL,
		ImageDescription: stage.Description,
	}
}
