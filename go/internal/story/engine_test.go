package story

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/storychain/go/internal/room"
	"github.com/mcdev12/storychain/go/internal/store"
)

func TestJoin_DuplicateIsNoop(t *testing.T) {
	env := newTestEnv(t, threePlayerConfig(), 3, &fixedEvaluator{score: 10})

	env.join(t, "demo", "Ana", "Ana", " Ana ")
	assert.Equal(t, []string{EventPlayersUpdate}, env.publisher.types())

	rm := env.load(t, "demo")
	assert.Equal(t, []string{"Ana"}, rm.Players)
	assert.Equal(t, map[string]int{"Ana": 0}, rm.Scores)
}

func TestJoin_ConcurrentJoinsNeverDuplicate(t *testing.T) {
	cfg := threePlayerConfig()
	cfg.StartThresholds = []int{100}
	env := newTestEnv(t, cfg, 3, &fixedEvaluator{score: 10})

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.engine.Join(context.Background(), "demo", fmt.Sprintf("p%d", i%10))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rm := env.load(t, "demo")
	assert.Len(t, rm.Players, 10)
	assert.ElementsMatch(t, rm.Players, uniq(rm.Players))
}

func uniq(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func TestJoin_StartThresholds(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), 3, &fixedEvaluator{score: 10})

	env.join(t, "demo", "Ana")
	assert.Equal(t, room.PhaseInRound, env.load(t, "demo").Phase, "first join starts a solo game")
	firstGen := env.load(t, "demo").TurnGeneration

	env.publisher.reset()
	env.join(t, "demo", "Bo")
	assert.Equal(t, []string{EventPlayersUpdate}, env.publisher.types(), "intermediate counts do not restart")

	env.publisher.reset()
	env.join(t, "demo", "Cid")
	assert.Equal(t, []string{EventPlayersUpdate, EventNewImage, EventTurnUpdate}, env.publisher.types())
	rm := env.load(t, "demo")
	assert.Greater(t, rm.TurnGeneration, firstGen)
	assert.Equal(t, 0, rm.TurnIndex)
}

func TestJoin_RejectsInvalidNames(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), 3, &fixedEvaluator{score: 10})

	_, err := env.engine.Join(context.Background(), "bad.room", "Ana")
	assert.ErrorIs(t, err, room.ErrInvalidName)
	_, err = env.engine.Join(context.Background(), "demo", "   ")
	assert.ErrorIs(t, err, room.ErrInvalidPlayer)

	rm, err := env.engine.Join(context.Background(), "my room", "Ana")
	require.NoError(t, err)
	assert.Equal(t, "my_room", rm.Name)
}

func TestSubmit_IgnoredCases(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, threePlayerConfig(), 3, &fixedEvaluator{score: 10})
	env.join(t, "demo", "Ana", "Bo", "Cid")
	before := env.load(t, "demo")
	env.publisher.reset()

	require.NoError(t, env.engine.Submit(ctx, "demo", "Bo", "hindi pa"), "not due")
	require.NoError(t, env.engine.Submit(ctx, "demo", "Ana", "   \t"), "blank")
	require.NoError(t, env.engine.Submit(ctx, "demo", "Zed", "sino"), "not a member")
	require.NoError(t, env.engine.Submit(ctx, "nowhere", "Ana", "wala"), "unknown room")

	assert.Empty(t, env.publisher.types())
	assert.Equal(t, before, env.load(t, "demo"))
}

func TestSubmit_TrimsText(t *testing.T) {
	env := newTestEnv(t, threePlayerConfig(), 3, &fixedEvaluator{score: 10})
	env.join(t, "demo", "Ana", "Bo", "Cid")

	require.NoError(t, env.engine.Submit(context.Background(), "demo", "Ana", "  Masaya\n"))
	assert.Equal(t, "Masaya", env.load(t, "demo").Contributions[0].Text)
}

func TestSubmit_HealsCorruptTurnIndex(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, threePlayerConfig(), 3, &fixedEvaluator{score: 10})
	env.join(t, "demo", "Ana", "Bo", "Cid")

	corrupt := env.load(t, "demo")
	corrupt.TurnIndex = 9
	raw, err := corrupt.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, env.store.Set(ctx, room.StoreKey("demo"), raw, time.Hour))

	// Bo is rejected but the repair is persisted
	require.NoError(t, env.engine.Submit(ctx, "demo", "Bo", "ako"))
	raw, err = env.store.Get(ctx, room.StoreKey("demo"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"turn_index":0`)

	require.NoError(t, env.engine.Submit(ctx, "demo", "Ana", "Masaya"))
	rm := env.load(t, "demo")
	require.Len(t, rm.Contributions, 1)
	assert.Equal(t, 1, rm.TurnIndex)
}

func TestSubmit_ConcurrentDuplicateAcceptedOnce(t *testing.T) {
	env := newTestEnv(t, threePlayerConfig(), 3, &fixedEvaluator{score: 10})
	env.join(t, "demo", "Ana", "Bo", "Cid")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.engine.Submit(context.Background(), "demo", "Ana", "Masaya"))
		}()
	}
	wg.Wait()

	rm := env.load(t, "demo")
	assert.Len(t, rm.Contributions, 1)
	assert.Equal(t, 2, rm.Scores["Ana"])
}

func TestTimeout_StaleKeysAreNoops(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, threePlayerConfig(), 3, &fixedEvaluator{score: 10})
	env.join(t, "demo", "Ana", "Bo", "Cid")
	opening := env.load(t, "demo")

	require.NoError(t, env.engine.Submit(ctx, "demo", "Ana", "Masaya"))
	before := env.load(t, "demo")
	env.publisher.reset()

	stale := []TurnKey{
		{Room: "demo", Player: "Ana", Generation: opening.TurnGeneration},
		{Room: "demo", Player: "Bo", Generation: opening.TurnGeneration},
		{Room: "demo", Player: "Ana", Generation: before.TurnGeneration},
		{Room: "missing", Player: "Bo", Generation: 1},
	}
	for _, key := range stale {
		require.NoError(t, env.engine.HandleTimeout(ctx, key))
	}

	assert.Empty(t, env.publisher.types())
	assert.Equal(t, before, env.load(t, "demo"))

	// the live key applies exactly once
	live := TurnKey{Room: "demo", Player: "Bo", Generation: before.TurnGeneration}
	require.NoError(t, env.engine.HandleTimeout(ctx, live))
	require.NoError(t, env.engine.HandleTimeout(ctx, live))
	rm := env.load(t, "demo")
	assert.Len(t, rm.Contributions, 2)
	assert.Equal(t, -2, rm.Scores["Bo"])
}

func TestTimeout_AllSkippedRoundDistributesNothing(t *testing.T) {
	ctx := context.Background()
	eval := &fixedEvaluator{score: 15}
	env := newTestEnv(t, soloConfig(), 2, eval)
	env.join(t, "solo", "Ana")

	rm := env.load(t, "solo")
	require.NoError(t, env.engine.HandleTimeout(ctx, TurnKey{Room: "solo", Player: "Ana", Generation: rm.TurnGeneration}))

	rm = env.load(t, "solo")
	assert.Equal(t, -2, rm.Scores["Ana"])
	assert.Equal(t, 1, rm.StageIndex)

	var evaluated *SentenceEvaluation
	for _, ev := range env.publisher.all() {
		if se, ok := ev.(SentenceEvaluation); ok {
			evaluated = &se
		}
	}
	require.NotNil(t, evaluated)
	assert.Equal(t, "", evaluated.Sentence)
	assert.Equal(t, 0, evaluated.PointsPerPlayer)
}

func TestTimeout_FiresFromClock(t *testing.T) {
	env := newTestEnv(t, soloConfig(), 2, &fixedEvaluator{score: 10})
	env.join(t, "solo", "Ana")

	env.clock.Advance(19 * time.Second)
	assert.Never(t, func() bool {
		rm, err := env.rooms.Load(context.Background(), "solo")
		return err == nil && len(rm.Contributions) > 0
	}, 50*time.Millisecond, 10*time.Millisecond)

	env.clock.Advance(2 * time.Second)
	assert.Eventually(t, func() bool {
		rm, err := env.rooms.Load(context.Background(), "solo")
		return err == nil && rm.StageIndex == 1 && rm.Scores["Ana"] == -2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		key, ok := env.engine.Scheduler().Active("solo")
		return ok && key.Player == "Ana" && key.Generation == env.load(t, "solo").TurnGeneration
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEvaluate_HealsCorruptStageIndex(t *testing.T) {
	ctx := context.Background()
	eval := &fixedEvaluator{score: 8}
	env := newTestEnv(t, threePlayerConfig(), 3, eval)
	env.join(t, "demo", "Ana", "Bo", "Cid")

	rm := env.load(t, "demo")
	rm.Phase = room.PhaseEvaluating
	rm.StageIndex = 42
	rm.AddContribution("Ana", "isa", false)
	rm.AddContribution("Bo", "dalawa", false)
	rm.AddContribution("Cid", "tatlo", false)
	raw, err := rm.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, env.store.Set(ctx, room.StoreKey("demo"), raw, time.Hour))

	require.NoError(t, env.engine.Evaluate(ctx, "demo"))

	rm = env.load(t, "demo")
	assert.Equal(t, 1, rm.StageIndex)
	assert.Equal(t, map[string]int{"Ana": 2, "Bo": 2, "Cid": 2}, rm.Scores)
	assert.Equal(t, room.PhaseInRound, rm.Phase)
}

func TestEvaluate_OutsideEvaluatingIsNoop(t *testing.T) {
	env := newTestEnv(t, threePlayerConfig(), 3, &fixedEvaluator{score: 8})
	env.join(t, "demo", "Ana", "Bo", "Cid")
	env.publisher.reset()

	require.NoError(t, env.engine.Evaluate(context.Background(), "demo"))
	require.NoError(t, env.engine.Evaluate(context.Background(), "missing"))
	assert.Empty(t, env.publisher.types())
}

// stuckSoloRoom leaves room "solo" in the evaluating phase: Ana's round is
// committed but writing its score fails.
func stuckSoloRoom(t *testing.T, eval Evaluator) (*testEnv, *flakyStore) {
	t.Helper()

	clock := clockwork.NewFakeClock()
	mem := store.NewMemoryStore(clock)
	flaky := &flakyStore{MemoryStore: mem}
	env := startTestEnv(t, soloConfig(), 2, eval, clock, mem, flaky)
	env.join(t, "solo", "Ana")

	// submission, stage check, then the score write
	flaky.failUpdate(3)
	require.NoError(t, env.engine.Submit(context.Background(), "solo", "Ana", "Masaya"))
	require.Equal(t, room.PhaseEvaluating, env.load(t, "solo").Phase)
	return env, flaky
}

func TestEvaluate_RetriesAfterStoreFailure(t *testing.T) {
	ctx := context.Background()
	env, _ := stuckSoloRoom(t, &fixedEvaluator{score: 8})

	key, ok := env.engine.Scheduler().Active("solo")
	require.True(t, ok)
	assert.True(t, key.Evaluation)
	assert.NotContains(t, env.publisher.types(), EventSentenceEvaluation)

	env.clock.Advance(DefaultConfig().EvaluationRetry)
	require.Eventually(t, func() bool {
		rm, err := env.rooms.Load(ctx, "solo")
		return err == nil && rm.Phase == room.PhaseInRound && rm.StageIndex == 1
	}, time.Second, 5*time.Millisecond)

	rm := env.load(t, "solo")
	assert.Equal(t, map[string]int{"Ana": 10}, rm.Scores)
	assert.Contains(t, env.publisher.types(), EventSentenceEvaluation)

	require.Eventually(t, func() bool {
		key, ok := env.engine.Scheduler().Active("solo")
		return ok && !key.Evaluation && key.Player == "Ana"
	}, time.Second, 5*time.Millisecond)
}

func TestEvaluate_ResumedByLaterTransition(t *testing.T) {
	ctx := context.Background()

	cases := map[string]func(t *testing.T, env *testEnv){
		"new player joins": func(t *testing.T, env *testEnv) {
			rm, err := env.engine.Join(ctx, "solo", "Bo")
			require.NoError(t, err)
			assert.Equal(t, room.PhaseInRound, rm.Phase)
			assert.Equal(t, 1, rm.StageIndex)
		},
		"same player rejoins": func(t *testing.T, env *testEnv) {
			rm, err := env.engine.Join(ctx, "solo", "Ana")
			require.NoError(t, err)
			assert.Equal(t, room.PhaseInRound, rm.Phase)
		},
		"submission arrives": func(t *testing.T, env *testEnv) {
			require.NoError(t, env.engine.Submit(ctx, "solo", "Ana", "ulit"))
			assert.Empty(t, env.load(t, "solo").Contributions)
		},
	}

	for name, act := range cases {
		t.Run(name, func(t *testing.T) {
			env, _ := stuckSoloRoom(t, &fixedEvaluator{score: 8})
			// the process that armed the retry is gone
			env.engine.Scheduler().Cancel("solo")

			act(t, env)

			rm := env.load(t, "solo")
			assert.Equal(t, room.PhaseInRound, rm.Phase)
			assert.Equal(t, 1, rm.StageIndex)
			assert.Equal(t, 10, rm.Scores["Ana"])
			assert.Contains(t, env.publisher.types(), EventSentenceEvaluation)
		})
	}
}

func TestEvaluate_RetryKeepsLiveTurnTimer(t *testing.T) {
	env := newTestEnv(t, soloConfig(), 2, &fixedEvaluator{score: 8})
	env.join(t, "solo", "Ana")

	live, ok := env.engine.Scheduler().Active("solo")
	require.True(t, ok)

	env.engine.retryEvaluation("solo")

	key, ok := env.engine.Scheduler().Active("solo")
	require.True(t, ok)
	assert.Equal(t, live, key)
}

func TestLeave(t *testing.T) {
	ctx := context.Background()

	t.Run("due player leaving hands the turn on", func(t *testing.T) {
		env := newTestEnv(t, threePlayerConfig(), 3, &fixedEvaluator{score: 10})
		env.join(t, "demo", "Ana", "Bo", "Cid")
		require.NoError(t, env.engine.Submit(ctx, "demo", "Ana", "Masaya"))
		env.publisher.reset()

		require.NoError(t, env.engine.Leave(ctx, "demo", "Bo"))
		assert.Equal(t, []string{EventPlayersUpdate, EventTurnUpdate}, env.publisher.types())
		assert.Equal(t, "Cid", env.publisher.all()[1].(TurnUpdate).NextPlayer)

		rm := env.load(t, "demo")
		assert.Equal(t, []string{"Ana", "Cid"}, rm.Players)
		due, _ := rm.DuePlayer()
		assert.Equal(t, "Cid", due)
		assert.Contains(t, rm.Scores, "Bo", "scores survive leaving")
	})

	t.Run("leaving completes a full round", func(t *testing.T) {
		env := newTestEnv(t, threePlayerConfig(), 3, &fixedEvaluator{score: 10})
		env.join(t, "demo", "Ana", "Bo", "Cid")
		require.NoError(t, env.engine.Submit(ctx, "demo", "Ana", "Masaya"))
		require.NoError(t, env.engine.Submit(ctx, "demo", "Bo", "ang"))
		env.publisher.reset()

		require.NoError(t, env.engine.Leave(ctx, "demo", "Cid"))
		assert.Equal(t, []string{EventPlayersUpdate, EventSentenceEvaluation, EventNewImage, EventTurnUpdate}, env.publisher.types())
		assert.Equal(t, 1, env.load(t, "demo").StageIndex)
	})

	t.Run("non due player leaving keeps the turn", func(t *testing.T) {
		env := newTestEnv(t, threePlayerConfig(), 3, &fixedEvaluator{score: 10})
		env.join(t, "demo", "Ana", "Bo", "Cid")
		require.NoError(t, env.engine.Submit(ctx, "demo", "Ana", "Masaya"))
		gen := env.load(t, "demo").TurnGeneration
		env.publisher.reset()

		require.NoError(t, env.engine.Leave(ctx, "demo", "Cid"))
		assert.Equal(t, []string{EventPlayersUpdate}, env.publisher.types())
		rm := env.load(t, "demo")
		due, _ := rm.DuePlayer()
		assert.Equal(t, "Bo", due)
		assert.Equal(t, gen, rm.TurnGeneration)
	})

	t.Run("last player leaving keeps the room and disarms the timer", func(t *testing.T) {
		env := newTestEnv(t, soloConfig(), 3, &fixedEvaluator{score: 10})
		env.join(t, "solo", "Ana")

		require.NoError(t, env.engine.Leave(ctx, "solo", "Ana"))
		rm := env.load(t, "solo")
		assert.Empty(t, rm.Players)
		assert.Nil(t, rm.TurnDeadline)
		_, armed := env.engine.Scheduler().Active("solo")
		assert.False(t, armed)

		// rejoining resumes with the old score
		env.join(t, "solo", "Ana")
		assert.Equal(t, room.PhaseInRound, env.load(t, "solo").Phase)
	})

	t.Run("unknown player or room is ignored", func(t *testing.T) {
		env := newTestEnv(t, soloConfig(), 3, &fixedEvaluator{score: 10})
		env.join(t, "solo", "Ana")
		env.publisher.reset()

		require.NoError(t, env.engine.Leave(ctx, "solo", "Bo"))
		require.NoError(t, env.engine.Leave(ctx, "missing", "Ana"))
		assert.Empty(t, env.publisher.types())
	})
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, threePlayerConfig(), 3, &fixedEvaluator{score: 10})
	env.join(t, "demo", "Ana", "Bo", "Cid")
	require.NoError(t, env.engine.Submit(ctx, "demo", "Ana", "Masaya"))
	env.clock.Advance(5 * time.Second)

	snap, err := env.engine.Snapshot(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, EventStateSnapshot, snap.Type)
	assert.Equal(t, room.PhaseInRound, snap.Phase)
	assert.Equal(t, "Bo", snap.CurrentPlayer)
	assert.Equal(t, 10, snap.TimeRemaining)
	require.NotNil(t, snap.Stage)
	assert.Equal(t, "stage-0", snap.Stage.ID)
	require.Len(t, snap.Contributions, 1)

	_, err = env.engine.Snapshot(ctx, "missing")
	assert.Error(t, err)
}

func TestRoomLocks_ReleaseEntries(t *testing.T) {
	locks := newRoomLocks()
	unlock := locks.lock("a")
	assert.Equal(t, 1, locks.size())
	unlock()
	assert.Equal(t, 0, locks.size())
}
