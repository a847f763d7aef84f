package gateway

const (
	MessagePlayerJoin     = "player_join"
	MessageSubmitSentence = "submit_sentence"

	EventError = "error"
)

// ClientMessage is anything a client sends over the socket.
type ClientMessage struct {
	Type   string `json:"type"`
	Player string `json:"player,omitempty"`
	Text   string `json:"text,omitempty"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e ErrorEvent) EventType() string { return e.Type }
