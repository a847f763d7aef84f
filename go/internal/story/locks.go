package story

import "sync"

// roomLocks is a keyed mutex. Entries are reference counted and dropped once
// nobody holds or waits for them.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	sync.Mutex
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[string]*roomLock)}
}

// lock blocks until the room is free and returns the matching unlock.
func (l *roomLocks) lock(name string) func() {
	l.mu.Lock()
	rl, ok := l.locks[name]
	if !ok {
		rl = &roomLock{}
		l.locks[name] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()

	return func() {
		rl.Unlock()

		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, name)
		}
		l.mu.Unlock()
	}
}

func (l *roomLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
