package story

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/storychain/go/internal/broadcast"
	"github.com/mcdev12/storychain/go/internal/catalog"
	"github.com/mcdev12/storychain/go/internal/progress"
	"github.com/mcdev12/storychain/go/internal/room"
	"github.com/mcdev12/storychain/go/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []broadcast.Event
	groups []string
}

func (p *recordingPublisher) Publish(ctx context.Context, group string, event broadcast.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	p.groups = append(p.groups, group)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.EventType()
	}
	return out
}

func (p *recordingPublisher) all() []broadcast.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]broadcast.Event(nil), p.events...)
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
	p.groups = nil
}

type fixedEvaluator struct {
	mu    sync.Mutex
	score int
	calls []string
}

func (f *fixedEvaluator) Evaluate(ctx context.Context, text, stageContext string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	return f.score
}

func (f *fixedEvaluator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingRecorder struct {
	mu      sync.Mutex
	results []progress.GameResult
}

func (r *recordingRecorder) RecordGame(ctx context.Context, result progress.GameResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	return nil
}

func (r *recordingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

type testEnv struct {
	engine    *Engine
	rooms     *room.Repository
	store     *store.MemoryStore
	publisher *recordingPublisher
	clock     *clockwork.FakeClock
}

func testStages(t *testing.T, n int) *catalog.StaticCatalog {
	t.Helper()
	stages := make([]catalog.Stage, n)
	for i := range stages {
		stages[i] = catalog.Stage{
			ID:          fmt.Sprintf("stage-%d", i),
			ImageURL:    fmt.Sprintf("/img/%d.jpg", i),
			Description: fmt.Sprintf("picture number %d", i),
		}
	}
	c, err := catalog.NewStaticCatalog(stages)
	require.NoError(t, err)
	return c
}

func newTestEnv(t *testing.T, cfg Config, stages int, evaluator Evaluator, opts ...Option) *testEnv {
	t.Helper()

	clock := clockwork.NewFakeClock()
	mem := store.NewMemoryStore(clock)
	return startTestEnv(t, cfg, stages, evaluator, clock, mem, mem, opts...)
}

// startTestEnv runs an engine whose rooms live in backing; mem is the store
// underneath it that tests inspect and corrupt directly.
func startTestEnv(t *testing.T, cfg Config, stages int, evaluator Evaluator, clock *clockwork.FakeClock, mem *store.MemoryStore, backing store.Store, opts ...Option) *testEnv {
	t.Helper()

	rooms := room.NewRepository(backing, time.Hour, clock)
	pub := &recordingPublisher{}

	opts = append([]Option{WithClock(clock)}, opts...)
	engine := NewEngine(cfg, rooms, pub, evaluator, testStages(t, stages), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &testEnv{engine: engine, rooms: rooms, store: mem, publisher: pub, clock: clock}
}

func (env *testEnv) load(t *testing.T, name string) *room.Room {
	t.Helper()
	rm, err := env.rooms.Load(context.Background(), name)
	require.NoError(t, err)
	assertTurnInvariant(t, rm)
	return rm
}

func (env *testEnv) join(t *testing.T, name string, players ...string) {
	t.Helper()
	for _, p := range players {
		_, err := env.engine.Join(context.Background(), name, p)
		require.NoError(t, err)
	}
}

// assertTurnInvariant checks 0 <= turn index < max(1, len(players)).
func assertTurnInvariant(t *testing.T, rm *room.Room) {
	t.Helper()
	upper := len(rm.Players)
	if upper < 1 {
		upper = 1
	}
	assert.GreaterOrEqual(t, rm.TurnIndex, 0)
	assert.Less(t, rm.TurnIndex, upper)
}

func threePlayerConfig() Config {
	cfg := DefaultConfig()
	cfg.StartThresholds = []int{3}
	return cfg
}

// flakyStore fails a chosen Update call, the way a dropped Redis connection would.
type flakyStore struct {
	*store.MemoryStore

	mu     sync.Mutex
	calls  int
	failAt int
}

var errStoreDown = errors.New("connection refused")

func (s *flakyStore) Update(ctx context.Context, key string, ttl time.Duration, fn store.UpdateFunc) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls == s.failAt
	s.mu.Unlock()

	if fail {
		return errStoreDown
	}
	return s.MemoryStore.Update(ctx, key, ttl, fn)
}

// failUpdate makes the n-th Update from now on fail.
func (s *flakyStore) failUpdate(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAt = s.calls + n
}

func soloConfig() Config {
	cfg := DefaultConfig()
	cfg.StartThresholds = []int{1}
	return cfg
}
