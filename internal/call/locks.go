package call

import "sync"

// lockTable hands out one mutex per call id so that operations targeting
// the same call serialize while distinct calls proceed independently.
// Entries are reference-counted and dropped on final release, keeping the
// table bounded by the number of in-flight operations rather than the
// number of calls ever seen.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*refLock)}
}

// acquire blocks until the caller holds the lock for id and returns the
// matching release function.
func (t *lockTable) acquire(id string) func() {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &refLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, id)
		}
		t.mu.Unlock()
	}
}
