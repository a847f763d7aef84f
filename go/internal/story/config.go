package story

import "time"

// Config holds the game rules.
type Config struct {
	// MaxPartySize is the membership at which a waiting room always starts.
	MaxPartySize int
	// StartThresholds lists the membership counts that start (or restart) the
	// current stage when reached by a join. Defaults to {1, MaxPartySize}.
	StartThresholds []int

	SubmissionPoints int
	TimeoutPenalty   int

	OpeningTurn time.Duration
	NextTurn    time.Duration

	// EvaluationRetry is the delay before a failed round evaluation runs again.
	EvaluationRetry time.Duration

	TimerWorkers int
}

func DefaultConfig() Config {
	return Config{
		MaxPartySize:     3,
		StartThresholds:  []int{1, 3},
		SubmissionPoints: 2,
		TimeoutPenalty:   2,
		OpeningTurn:      20 * time.Second,
		NextTurn:         15 * time.Second,
		EvaluationRetry:  5 * time.Second,
		TimerWorkers:     10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPartySize <= 0 {
		c.MaxPartySize = d.MaxPartySize
	}
	if len(c.StartThresholds) == 0 {
		c.StartThresholds = []int{1, c.MaxPartySize}
	}
	if c.OpeningTurn <= 0 {
		c.OpeningTurn = d.OpeningTurn
	}
	if c.NextTurn <= 0 {
		c.NextTurn = d.NextTurn
	}
	if c.EvaluationRetry <= 0 {
		c.EvaluationRetry = d.EvaluationRetry
	}
	if c.TimerWorkers <= 0 {
		c.TimerWorkers = d.TimerWorkers
	}
	return c
}

func (c Config) startsAt(members int) bool {
	for _, n := range c.StartThresholds {
		if n == members {
			return true
		}
	}
	return false
}
