package evaluation

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNoScore is returned when a reply carries no digits.
var ErrNoScore = errors.New("reply contains no score")

// Scorer asks a language model to rate a prompt and returns its raw reply.
type Scorer interface {
	Score(ctx context.Context, prompt string) (string, error)
}

// Config bounds the evaluation call and its result.
type Config struct {
	MinScore      int
	MaxScore      int
	FallbackScore int
	Timeout       time.Duration

	// Rune budgets for the sentence and the stage description inside the prompt.
	MaxTextRunes    int
	MaxContextRunes int
}

func DefaultConfig() Config {
	return Config{
		MinScore:        1,
		MaxScore:        20,
		FallbackScore:   10,
		Timeout:         15 * time.Second,
		MaxTextRunes:    600,
		MaxContextRunes: 400,
	}
}

// Orchestrator turns a finished sentence into a bounded integer score.
// It never fails: every error path yields the fallback score.
type Orchestrator struct {
	scorer Scorer
	cfg    Config
}

// NewOrchestrator builds an orchestrator. A nil scorer always yields the fallback.
func NewOrchestrator(scorer Scorer, cfg Config) *Orchestrator {
	return &Orchestrator{scorer: scorer, cfg: cfg}
}

// Evaluate scores text against its context (the stage description).
func (o *Orchestrator) Evaluate(ctx context.Context, text, stageContext string) int {
	if o.scorer == nil {
		return o.cfg.FallbackScore
	}

	prompt := BuildPrompt(text, stageContext, o.cfg)

	callCtx := ctx
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := o.scorer.Score(callCtx, prompt)
	if err != nil {
		log.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("scoring call failed, using fallback score")
		return o.cfg.FallbackScore
	}

	score, err := ExtractScore(reply, o.cfg.MinScore, o.cfg.MaxScore)
	if err != nil {
		log.Warn().Err(err).Str("reply", truncateRunes(reply, 80)).Msg("unparseable score, using fallback score")
		return o.cfg.FallbackScore
	}

	log.Debug().Int("score", score).Dur("elapsed", time.Since(start)).Msg("sentence scored")
	return score
}

// ExtractScore keeps only the digit characters of reply, parses them and
// clamps the result to [lo, hi].
func ExtractScore(reply string, lo, hi int) (int, error) {
	var b strings.Builder
	for _, r := range reply {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return 0, ErrNoScore
	}

	score, err := strconv.Atoi(digits)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return hi, nil
		}
		return 0, err
	}
	if score < lo {
		return lo, nil
	}
	if score > hi {
		return hi, nil
	}
	return score, nil
}
