package lobby

const (
	EventPlayerList   = "player_list"
	EventPlayerJoined = "player_joined"
	EventPlayerLeft   = "player_left"
	EventGameStart    = "game_start"
)

// PlayerList is sent only to the connection that just joined.
type PlayerList struct {
	Type    string   `json:"type"`
	Players []string `json:"players"`
}

func (e PlayerList) EventType() string { return e.Type }

type PlayerJoined struct {
	Type    string   `json:"type"`
	Player  string   `json:"player"`
	Players []string `json:"players"`
}

func (e PlayerJoined) EventType() string { return e.Type }

type PlayerLeft struct {
	Type    string   `json:"type"`
	Player  string   `json:"player"`
	Players []string `json:"players"`
}

func (e PlayerLeft) EventType() string { return e.Type }

// GameStart carries the shuffled order in which the party will take turns.
type GameStart struct {
	Type      string   `json:"type"`
	TurnOrder []string `json:"turn_order"`
}

func (e GameStart) EventType() string { return e.Type }
