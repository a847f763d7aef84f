package story

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/storychain/go/internal/broadcast"
	"github.com/mcdev12/storychain/go/internal/catalog"
	"github.com/mcdev12/storychain/go/internal/progress"
	"github.com/mcdev12/storychain/go/internal/room"
	"github.com/mcdev12/storychain/go/internal/store"
)

// Publisher delivers events to the members of a broadcast group.
type Publisher interface {
	Publish(ctx context.Context, group string, event broadcast.Event) error
}

// Evaluator scores a finished sentence. It must always return a usable score.
type Evaluator interface {
	Evaluate(ctx context.Context, text, stageContext string) int
}

// ResultRecorder stores the outcome of finished games.
type ResultRecorder interface {
	RecordGame(ctx context.Context, result progress.GameResult) error
}

// Engine runs the per-room game state machine. Every transition re-reads the
// room from the shared store, mutates it with a compare-and-set and only then
// publishes events and arms timers.
type Engine struct {
	cfg       Config
	rooms     *room.Repository
	publisher Publisher
	evaluator Evaluator
	stages    catalog.Provider
	recorder  ResultRecorder
	clock     clockwork.Clock

	scheduler *TurnScheduler
	locks     *roomLocks

	// rooms with an evaluation running in this process
	evaluatingMu sync.Mutex
	evaluating   map[string]struct{}
}

type Option func(*Engine)

func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

func WithRecorder(recorder ResultRecorder) Option {
	return func(e *Engine) {
		e.recorder = recorder
	}
}

func NewEngine(cfg Config, rooms *room.Repository, publisher Publisher, evaluator Evaluator, stages catalog.Provider, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg.withDefaults(),
		rooms:     rooms,
		publisher: publisher,
		evaluator: evaluator,
		stages:    stages,
		clock:     clockwork.NewRealClock(),
		locks:     newRoomLocks(),

		evaluating: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.scheduler = NewTurnScheduler(e.clock, e.HandleTimeout, e.cfg.TimerWorkers)
	return e
}

// Run processes turn timeouts until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	return e.scheduler.Run(ctx)
}

func (e *Engine) Scheduler() *TurnScheduler {
	return e.scheduler
}

// turnPlan is a turn begun inside a mutation, announced after commit.
type turnPlan struct {
	key   TurnKey
	limit time.Duration
	ok    bool
}

// beginTurn hands the turn to the due player under a fresh generation.
func (e *Engine) beginTurn(rm *room.Room) turnPlan {
	player, ok := rm.DuePlayer()
	if !ok {
		rm.TurnDeadline = nil
		return turnPlan{}
	}

	limit := e.cfg.NextTurn
	if len(rm.Contributions) == 0 {
		limit = e.cfg.OpeningTurn
	}
	rm.TurnGeneration++
	deadline := e.clock.Now().Add(limit)
	rm.TurnDeadline = &deadline

	return turnPlan{
		key:   TurnKey{Room: rm.Name, Player: player, Generation: rm.TurnGeneration},
		limit: limit,
		ok:    true,
	}
}

// startStage (re)opens the current stage with an empty round.
func (e *Engine) startStage(rm *room.Room) turnPlan {
	if !rm.StageInRange() {
		rm.StageIndex = 0
	}
	rm.Phase = room.PhaseInRound
	rm.ResetRound()
	return e.beginTurn(rm)
}

// announceTurn publishes the turn and arms its timer. Callers hold the room lock
// so a stale plan can never replace a newer timer.
func (e *Engine) announceTurn(ctx context.Context, plan turnPlan) {
	if !plan.ok {
		return
	}
	e.publish(ctx, plan.key.Room, newTurnUpdate(plan.key.Player, plan.limit, plan.key.Generation))
	e.scheduler.Arm(plan.key, plan.limit)
}

func (e *Engine) publish(ctx context.Context, name string, events ...broadcast.Event) {
	group := room.Group(name)
	for _, ev := range events {
		if err := e.publisher.Publish(ctx, group, ev); err != nil {
			log.Error().Err(err).Str("room", name).Str("event", ev.EventType()).Msg("failed to publish event")
		}
	}
}

func (e *Engine) stageEvent(ctx context.Context, rm *room.Room) NewImage {
	stage, err := e.stages.Stage(ctx, rm.StageIndex)
	if err != nil {
		log.Warn().Err(err).Str("room", rm.Name).Int("stage", rm.StageIndex).Msg("stage metadata unavailable")
	}
	return newImage(rm.StageIndex, rm.TotalStages, stage)
}

func validate(name, player string) (string, string, error) {
	name, err := room.NormalizeName(name)
	if err != nil {
		return "", "", err
	}
	player, err = room.NormalizePlayer(player)
	if err != nil {
		return "", "", err
	}
	return name, player, nil
}

// Join adds player to the room, creating the room on first use. Joining twice
// is a no-op. The returned room is the committed state, for snapshots.
func (e *Engine) Join(ctx context.Context, name, player string) (*room.Room, error) {
	name, player, err := validate(name, player)
	if err != nil {
		return nil, err
	}
	total, err := e.stages.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count stages: %w", err)
	}

	rm, err := e.join(ctx, name, player, total)
	if err != nil {
		return nil, err
	}
	if rm.Phase != room.PhaseEvaluating {
		return rm, nil
	}

	// a round left waiting for its score is finished before the snapshot
	e.finishRound(ctx, name)
	if fresh, err := e.rooms.Load(ctx, name); err == nil {
		rm = fresh
	}
	return rm, nil
}

func (e *Engine) join(ctx context.Context, name, player string, total int) (*room.Room, error) {
	unlock := e.locks.lock(name)
	defer unlock()

	var (
		started bool
		turn    turnPlan
	)
	rm, err := e.rooms.Mutate(ctx, name,
		func() *room.Room { return room.New(name, total, e.clock.Now()) },
		func(rm *room.Room) error {
			started, turn = false, turnPlan{}
			if rm.HasPlayer(player) {
				return room.ErrUnchanged
			}
			rm.AddPlayer(player)
			if rm.TotalStages <= 0 {
				rm.TotalStages = total
			}
			canStart := rm.Phase == room.PhaseLobby || rm.Phase == room.PhaseInRound
			if canStart && e.cfg.startsAt(len(rm.Players)) {
				started = true
				turn = e.startStage(rm)
			}
			return nil
		})
	if errors.Is(err, room.ErrUnchanged) {
		log.Debug().Str("room", name).Str("player", player).Msg("player already in room")
		return rm, nil
	}
	if err != nil {
		return nil, fmt.Errorf("join room %s: %w", name, err)
	}

	log.Info().
		Str("room", name).
		Str("player", player).
		Int("players", len(rm.Players)).
		Bool("started", started).
		Msg("player joined")

	e.publish(ctx, name, newPlayersUpdate(rm))
	if started {
		e.publish(ctx, name, e.stageEvent(ctx, rm))
		e.announceTurn(ctx, turn)
	}
	return rm, nil
}

// Leave removes player from the room. The room itself is kept so the player
// can come back with their score.
func (e *Engine) Leave(ctx context.Context, name, player string) error {
	name, player, err := validate(name, player)
	if err != nil {
		return err
	}

	evaluate, err := e.leave(ctx, name, player)
	if err != nil || !evaluate {
		return err
	}
	e.finishRound(ctx, name)
	return nil
}

func (e *Engine) leave(ctx context.Context, name, player string) (bool, error) {
	unlock := e.locks.lock(name)
	defer unlock()

	var (
		evaluate bool
		idle     bool
		turn     turnPlan
	)
	rm, err := e.rooms.Mutate(ctx, name, nil, func(rm *room.Room) error {
		evaluate, idle, turn = false, false, turnPlan{}
		due, hasDue := rm.DuePlayer()
		if _, ok := rm.RemovePlayer(player); !ok {
			return room.ErrUnchanged
		}
		if rm.Phase == room.PhaseEvaluating {
			evaluate = true
			return nil
		}
		if rm.Phase != room.PhaseInRound {
			return nil
		}
		switch {
		case len(rm.Players) == 0:
			rm.TurnDeadline = nil
			idle = true
		case rm.RoundComplete():
			rm.Phase = room.PhaseEvaluating
			rm.TurnDeadline = nil
			evaluate = true
		case hasDue && due == player:
			turn = e.beginTurn(rm)
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, room.ErrUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("leave room %s: %w", name, err)
	}

	log.Info().Str("room", name).Str("player", player).Int("players", len(rm.Players)).Msg("player left")

	e.publish(ctx, name, newPlayersUpdate(rm))
	if idle || evaluate {
		e.scheduler.Cancel(name)
	}
	e.announceTurn(ctx, turn)
	return evaluate, nil
}

// Submit records the due player's contribution. Submissions that are blank,
// out of turn or outside a round are ignored.
func (e *Engine) Submit(ctx context.Context, name, player, text string) error {
	name, player, err := validate(name, player)
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		log.Debug().Str("room", name).Str("player", player).Msg("ignoring empty submission")
		return nil
	}

	evaluate, err := e.submit(ctx, name, player, text)
	if err != nil || !evaluate {
		return err
	}
	e.finishRound(ctx, name)
	return nil
}

func (e *Engine) submit(ctx context.Context, name, player, text string) (bool, error) {
	unlock := e.locks.lock(name)
	defer unlock()

	var (
		accepted room.Contribution
		evaluate bool
		pending  bool
		turn     turnPlan
	)
	_, err := e.rooms.Mutate(ctx, name, nil, func(rm *room.Room) error {
		evaluate, pending, turn = false, false, turnPlan{}
		if rm.Phase == room.PhaseEvaluating {
			pending = true
			return room.ErrUnchanged
		}
		if rm.Phase != room.PhaseInRound {
			return room.ErrUnchanged
		}
		if due, ok := rm.DuePlayer(); !ok || due != player {
			return room.ErrUnchanged
		}

		accepted = rm.AddContribution(player, text, false)
		rm.AddScore(player, e.cfg.SubmissionPoints)
		if rm.RoundComplete() {
			rm.Phase = room.PhaseEvaluating
			rm.TurnDeadline = nil
			evaluate = true
			return nil
		}
		rm.AdvanceTurn()
		turn = e.beginTurn(rm)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		log.Debug().Str("room", name).Msg("submission for unknown room")
		return false, nil
	}
	if errors.Is(err, room.ErrUnchanged) {
		if pending {
			log.Warn().Str("room", name).Msg("submission found round still waiting for its score")
			return true, nil
		}
		log.Debug().Str("room", name).Str("player", player).Msg("ignoring submission from player who is not due")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("submit to room %s: %w", name, err)
	}

	e.publish(ctx, name, StoryUpdate{
		Type:     EventStoryUpdate,
		Player:   accepted.Player,
		Text:     accepted.Text,
		Position: accepted.Position,
	})
	if evaluate {
		e.scheduler.Cancel(name)
	}
	e.announceTurn(ctx, turn)
	return evaluate, nil
}

// HandleTimeout applies an expired turn. Stale keys (the turn moved on, the
// player left, the round ended) are dropped without side effects.
func (e *Engine) HandleTimeout(ctx context.Context, key TurnKey) error {
	if key.Evaluation {
		return e.Evaluate(ctx, key.Room)
	}
	evaluate, err := e.timeout(ctx, key)
	if err != nil || !evaluate {
		return err
	}
	e.finishRound(ctx, key.Room)
	return nil
}

func (e *Engine) timeout(ctx context.Context, key TurnKey) (bool, error) {
	unlock := e.locks.lock(key.Room)
	defer unlock()

	var (
		evaluate bool
		turn     turnPlan
	)
	_, err := e.rooms.Mutate(ctx, key.Room, nil, func(rm *room.Room) error {
		evaluate, turn = false, turnPlan{}
		if rm.Phase != room.PhaseInRound || rm.TurnGeneration != key.Generation {
			return room.ErrUnchanged
		}
		if due, ok := rm.DuePlayer(); !ok || due != key.Player {
			return room.ErrUnchanged
		}

		rm.AddScore(key.Player, -e.cfg.TimeoutPenalty)
		rm.AddContribution(key.Player, room.MissedTurnText, true)
		if rm.RoundComplete() {
			rm.Phase = room.PhaseEvaluating
			rm.TurnDeadline = nil
			evaluate = true
			return nil
		}
		rm.AdvanceTurn()
		turn = e.beginTurn(rm)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, room.ErrUnchanged) {
		log.Debug().Str("room", key.Room).Int64("turn", key.Generation).Msg("stale turn timeout ignored")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("timeout in room %s: %w", key.Room, err)
	}

	log.Info().Str("room", key.Room).Str("player", key.Player).Msg("turn timed out")

	e.publish(ctx, key.Room, TimeoutEvent{
		Type:    EventTimeout,
		Player:  key.Player,
		Penalty: e.cfg.TimeoutPenalty,
	})
	e.announceTurn(ctx, turn)
	return evaluate, nil
}

// finishRound evaluates a round whose last contribution is already committed.
// Failures are logged here; Evaluate has armed a retry by then.
func (e *Engine) finishRound(ctx context.Context, name string) {
	if err := e.Evaluate(ctx, name); err != nil {
		log.Error().Err(err).Str("room", name).Msg("round evaluation failed, retry scheduled")
	}
}

// Evaluate scores the finished round of a room in the evaluating phase and
// moves the game to the next stage or to completion. The scoring call runs
// without the room lock; its result is applied only if the room is still
// waiting for it. When the evaluation cannot be committed a retry is armed
// on the room's timer.
func (e *Engine) Evaluate(ctx context.Context, name string) error {
	if !e.claimEvaluation(name) {
		log.Debug().Str("room", name).Msg("evaluation already running")
		return nil
	}
	defer e.releaseEvaluation(name)

	if err := e.evaluate(ctx, name); err != nil {
		e.retryEvaluation(name)
		return err
	}
	return nil
}

func (e *Engine) claimEvaluation(name string) bool {
	e.evaluatingMu.Lock()
	defer e.evaluatingMu.Unlock()
	if _, ok := e.evaluating[name]; ok {
		return false
	}
	e.evaluating[name] = struct{}{}
	return true
}

func (e *Engine) releaseEvaluation(name string) {
	e.evaluatingMu.Lock()
	defer e.evaluatingMu.Unlock()
	delete(e.evaluating, name)
}

// retryEvaluation arms an evaluation retry unless a turn timer already runs,
// which means the round was applied meanwhile.
func (e *Engine) retryEvaluation(name string) {
	unlock := e.locks.lock(name)
	defer unlock()

	if key, ok := e.scheduler.Active(name); ok && !key.Evaluation {
		return
	}
	e.scheduler.Arm(TurnKey{Room: name, Evaluation: true}, e.cfg.EvaluationRetry)
}

func (e *Engine) evaluate(ctx context.Context, name string) error {
	total, err := e.stages.Count(ctx)
	if err != nil {
		return fmt.Errorf("count stages: %w", err)
	}

	unlock := e.locks.lock(name)
	rm, err := e.rooms.Mutate(ctx, name, nil, func(rm *room.Room) error {
		if rm.Phase != room.PhaseEvaluating {
			return room.ErrUnchanged
		}
		healed := false
		if rm.TotalStages <= 0 {
			rm.TotalStages = total
			healed = true
		}
		if !rm.StageInRange() {
			rm.StageIndex = 0
			healed = true
		}
		if !healed {
			return room.ErrUnchanged
		}
		log.Warn().Str("room", name).Msg("reset corrupt stage index before evaluation")
		return nil
	})
	unlock()
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil && !errors.Is(err, room.ErrUnchanged) {
		return fmt.Errorf("evaluate room %s: %w", name, err)
	}
	if rm.Phase != room.PhaseEvaluating {
		log.Debug().Str("room", name).Str("phase", string(rm.Phase)).Msg("nothing to evaluate")
		return nil
	}

	sentence := rm.Sentence()
	stageIndex := rm.StageIndex
	generation := rm.TurnGeneration

	stage, err := e.stages.Stage(ctx, stageIndex)
	if err != nil {
		log.Warn().Err(err).Str("room", name).Int("stage", stageIndex).Msg("evaluating without stage description")
	}
	score := e.evaluator.Evaluate(ctx, sentence, stage.Description)

	return e.applyEvaluation(ctx, name, sentence, score, stageIndex, generation)
}

func (e *Engine) applyEvaluation(ctx context.Context, name, sentence string, score, stageIndex int, generation int64) error {
	unlock := e.locks.lock(name)
	defer unlock()

	var (
		points   int
		finished bool
		turn     turnPlan
	)
	rm, err := e.rooms.Mutate(ctx, name, nil, func(rm *room.Room) error {
		points, finished, turn = 0, false, turnPlan{}
		if rm.Phase != room.PhaseEvaluating || rm.StageIndex != stageIndex || rm.TurnGeneration != generation {
			return room.ErrUnchanged
		}

		contributors := rm.Contributors()
		if len(contributors) > 0 {
			points = score / len(contributors)
			for _, p := range contributors {
				rm.AddScore(p, points)
			}
		}

		rm.StageIndex++
		rm.ResetRound()
		if rm.StageIndex >= rm.TotalStages {
			rm.Phase = room.PhaseComplete
			finished = true
			return nil
		}
		rm.Phase = room.PhaseInRound
		turn = e.beginTurn(rm)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, room.ErrUnchanged) {
		log.Warn().Str("room", name).Int("stage", stageIndex).Msg("evaluation result discarded, room moved on")
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply evaluation to room %s: %w", name, err)
	}

	log.Info().
		Str("room", name).
		Int("stage", stageIndex).
		Int("score", score).
		Int("points", points).
		Msg("round evaluated")

	e.publish(ctx, name, SentenceEvaluation{
		Type:            EventSentenceEvaluation,
		Sentence:        sentence,
		Score:           score,
		PointsPerPlayer: points,
		ImageIndex:      stageIndex,
	})

	if finished {
		e.scheduler.Cancel(name)
		e.publish(ctx, name, GameComplete{Type: EventGameComplete, Scores: rm.ScoresCopy()})
		e.recordResult(rm)
		return nil
	}

	e.publish(ctx, name, e.stageEvent(ctx, rm))
	e.announceTurn(ctx, turn)
	return nil
}

func (e *Engine) recordResult(rm *room.Room) {
	if e.recorder == nil {
		return
	}
	result := progress.GameResult{
		Room:        rm.Name,
		Stages:      rm.TotalStages,
		Scores:      rm.ScoresCopy(),
		CompletedAt: e.clock.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.recorder.RecordGame(ctx, result); err != nil {
			log.Error().Err(err).Str("room", result.Room).Msg("failed to record game result")
		}
	}()
}

// Snapshot returns the room as a reconnecting client should see it.
func (e *Engine) Snapshot(ctx context.Context, name string) (StateSnapshot, error) {
	name, err := room.NormalizeName(name)
	if err != nil {
		return StateSnapshot{}, err
	}
	rm, err := e.rooms.Load(ctx, name)
	if err != nil {
		return StateSnapshot{}, err
	}
	return e.SnapshotOf(ctx, rm), nil
}

// SnapshotOf renders an already loaded room.
func (e *Engine) SnapshotOf(ctx context.Context, rm *room.Room) StateSnapshot {
	snap := StateSnapshot{
		Type:          EventStateSnapshot,
		Room:          rm.Name,
		Phase:         rm.Phase,
		Players:       append([]string{}, rm.Players...),
		Scores:        rm.ScoresCopy(),
		ImageIndex:    rm.StageIndex,
		TotalImages:   rm.TotalStages,
		Contributions: append([]room.Contribution{}, rm.Contributions...),
	}

	if rm.StageInRange() {
		if stage, err := e.stages.Stage(ctx, rm.StageIndex); err == nil {
			snap.Stage = &stage
		}
	}

	if rm.Phase == room.PhaseInRound {
		if due, ok := rm.DuePlayer(); ok {
			snap.CurrentPlayer = due
		}
		if rm.TurnDeadline != nil {
			if remaining := rm.TurnDeadline.Sub(e.clock.Now()); remaining > 0 {
				snap.TimeRemaining = int(math.Ceil(remaining.Seconds()))
			}
		}
	}
	return snap
}
