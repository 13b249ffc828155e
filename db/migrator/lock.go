package migrator

import (
	"sync"
	"time"
)

// lock ensures that only one mutating operation runs at a time. It never
// waits: acquiring a held lock fails immediately.
type lock struct {
	mu     sync.Mutex
	metaMu sync.RWMutex
	holder string
	since  time.Time
}

// guard is the proof of holding the lock. It must be released on every exit
// path of the operation that acquired it.
type guard struct {
	l    *lock
	once sync.Once
}

func (l *lock) acquire(op string, now time.Time) (*guard, error) {
	if !l.mu.TryLock() {
		l.metaMu.RLock()
		defer l.metaMu.RUnlock()
		return nil, LockContentionError{Operation: op, HeldBy: l.holder, Since: l.since}
	}

	l.metaMu.Lock()
	l.holder = op
	l.since = now
	l.metaMu.Unlock()

	return &guard{l: l}, nil
}

// release unlocks the lock. Calling it more than once is a no-op.
func (g *guard) release() {
	g.once.Do(func() {
		g.l.metaMu.Lock()
		g.l.holder = ""
		g.l.since = time.Time{}
		g.l.metaMu.Unlock()
		g.l.mu.Unlock()
	})
}
