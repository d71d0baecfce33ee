package scan

import "sync"

type slotKey struct{ paper, page int }

// slotLocks is a keyed mutex over (paper, page) slots. Entries are
// dropped once nobody holds or waits for them.
type slotLocks struct {
	mu    sync.Mutex
	slots map[slotKey]*slotLock
}

type slotLock struct {
	mu   sync.Mutex
	refs int
}

// lock blocks until the slot is free and returns its unlock function.
func (l *slotLocks) lock(paper, page int) func() {
	k := slotKey{paper, page}
	l.mu.Lock()
	if l.slots == nil {
		l.slots = make(map[slotKey]*slotLock)
	}
	sl, ok := l.slots[k]
	if !ok {
		sl = &slotLock{}
		l.slots[k] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.slots, k)
		}
		l.mu.Unlock()
	}
}
