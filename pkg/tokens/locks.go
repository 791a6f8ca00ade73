package tokens

import (
	"sync"

	"github.com/platinummonkey/tokenmeter/pkg/subscribers"
)

// refLocks serializes fixed-cap consumption per usage ref within a process.
// Entries are dropped once no caller holds or waits on them.
type refLocks struct {
	mu    sync.Mutex
	locks map[subscribers.Ref]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newRefLocks() *refLocks {
	return &refLocks{locks: make(map[subscribers.Ref]*refLock)}
}

// lock blocks until ref is free and returns the matching unlock
func (l *refLocks) lock(ref subscribers.Ref) func() {
	l.mu.Lock()
	entry, ok := l.locks[ref]
	if !ok {
		entry = &refLock{}
		l.locks[ref] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, ref)
		}
		l.mu.Unlock()
	}
}
