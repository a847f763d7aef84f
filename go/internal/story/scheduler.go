package story

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const workChannelBufferSize = 256

// TurnKey identifies one armed turn. A timeout only acts when the room still
// sits on the same generation with the same player due.
type TurnKey struct {
	Room       string
	Player     string
	Generation int64
	// Evaluation marks a retry of a round evaluation that failed to commit.
	Evaluation bool
}

// TimeoutHandler is invoked by a worker for each expired turn.
type TimeoutHandler func(ctx context.Context, key TurnKey) error

type armedTimer struct {
	key   TurnKey
	timer clockwork.Timer
	stop  chan struct{}
}

// TurnScheduler keeps at most one turn timer per room and hands expired turns
// to a pool of workers.
type TurnScheduler struct {
	clock      clockwork.Clock
	handler    TimeoutHandler
	numWorkers int

	workCh chan TurnKey
	done   chan struct{}

	activeTimers   map[string]*armedTimer
	activeTimersMu sync.Mutex
	stopOnce       sync.Once
}

func NewTurnScheduler(clock clockwork.Clock, handler TimeoutHandler, numWorkers int) *TurnScheduler {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &TurnScheduler{
		clock:        clock,
		handler:      handler,
		numWorkers:   numWorkers,
		workCh:       make(chan TurnKey, workChannelBufferSize),
		done:         make(chan struct{}),
		activeTimers: make(map[string]*armedTimer),
	}
}

// Arm starts a timer for key, replacing any timer already armed for the room.
func (s *TurnScheduler) Arm(key TurnKey, d time.Duration) {
	t := &armedTimer{
		key:   key,
		timer: s.clock.NewTimer(d),
		stop:  make(chan struct{}),
	}
	s.replaceTimer(t)

	go s.wait(t)

	log.Debug().
		Str("room", key.Room).
		Str("player", key.Player).
		Int64("turn", key.Generation).
		Dur("duration", d).
		Msg("armed turn timer")
}

func (s *TurnScheduler) wait(t *armedTimer) {
	select {
	case <-t.timer.Chan():
		if !s.removeTimer(t) {
			// replaced between firing and now
			return
		}
		select {
		case s.workCh <- t.key:
			log.Debug().Str("room", t.key.Room).Int64("turn", t.key.Generation).Msg("turn timer fired - enqueued for processing")
		case <-s.done:
		}
	case <-t.stop:
		stopAndDrainTimer(t.timer)
	case <-s.done:
		stopAndDrainTimer(t.timer)
	}
}

// Cancel disarms the room's timer, if any.
func (s *TurnScheduler) Cancel(room string) {
	s.activeTimersMu.Lock()
	defer s.activeTimersMu.Unlock()

	if existing, ok := s.activeTimers[room]; ok {
		close(existing.stop)
		delete(s.activeTimers, room)
		log.Debug().Str("room", room).Msg("cancelled turn timer")
	}
}

// Active returns the key of the room's armed timer.
func (s *TurnScheduler) Active(room string) (TurnKey, bool) {
	s.activeTimersMu.Lock()
	defer s.activeTimersMu.Unlock()

	t, ok := s.activeTimers[room]
	if !ok {
		return TurnKey{}, false
	}
	return t.key, true
}

// ActiveCount reports how many rooms have an armed timer.
func (s *TurnScheduler) ActiveCount() int {
	s.activeTimersMu.Lock()
	defer s.activeTimersMu.Unlock()
	return len(s.activeTimers)
}

func (s *TurnScheduler) replaceTimer(t *armedTimer) {
	s.activeTimersMu.Lock()
	defer s.activeTimersMu.Unlock()

	if existing, ok := s.activeTimers[t.key.Room]; ok {
		close(existing.stop)
		log.Debug().Str("room", t.key.Room).Msg("replaced existing turn timer")
	}
	s.activeTimers[t.key.Room] = t
}

// removeTimer forgets t if it is still the room's current timer.
func (s *TurnScheduler) removeTimer(t *armedTimer) bool {
	s.activeTimersMu.Lock()
	defer s.activeTimersMu.Unlock()

	if s.activeTimers[t.key.Room] != t {
		return false
	}
	delete(s.activeTimers, t.key.Room)
	return true
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

// Run starts the worker pool and blocks until ctx is cancelled. On return all
// armed timers are stopped.
func (s *TurnScheduler) Run(ctx context.Context) error {
	log.Info().Int("workers", s.numWorkers).Msg("turn scheduler started")

	var wg sync.WaitGroup
	for i := 0; i < s.numWorkers; i++ {
		wg.Add(1)
		go s.worker(ctx, &wg, i)
	}

	<-ctx.Done()
	log.Info().Msg("turn scheduler shutting down")

	s.stopOnce.Do(func() { close(s.done) })

	s.activeTimersMu.Lock()
	for room, t := range s.activeTimers {
		stopAndDrainTimer(t.timer)
		delete(s.activeTimers, room)
	}
	s.activeTimersMu.Unlock()

	wg.Wait()
	log.Info().Msg("all turn workers shut down")
	return nil
}

func (s *TurnScheduler) worker(ctx context.Context, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case key := <-s.workCh:
			s.process(ctx, workerID, key)
		}
	}
}

func (s *TurnScheduler) process(ctx context.Context, workerID int, key TurnKey) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("room", key.Room).Msg("turn timeout handler panicked")
		}
	}()

	if err := s.handler(ctx, key); err != nil {
		log.Error().
			Err(err).
			Int("worker_id", workerID).
			Str("room", key.Room).
			Int64("turn", key.Generation).
			Msg("failed to process turn timeout")
	}
}
