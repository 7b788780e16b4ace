package flow

import "sync"

// trialLocks hands out one mutex per trial id. Entries are dropped once no
// goroutine holds or waits for them.
type trialLocks struct {
	mu    sync.Mutex
	locks map[string]*trialLock
}

type trialLock struct {
	mu   sync.Mutex
	refs int
}

func newTrialLocks() *trialLocks {
	return &trialLocks{locks: make(map[string]*trialLock)}
}

// lock blocks until the trial's mutex is held and returns its release function.
func (l *trialLocks) lock(trialID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[trialID]
	if !ok {
		entry = &trialLock{}
		l.locks[trialID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, trialID)
		}
		l.mu.Unlock()
	}
}

// size reports how many trials currently have a lock entry.
func (l *trialLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
