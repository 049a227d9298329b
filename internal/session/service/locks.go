package service

import "sync"

// sessionLocks serializes state transitions per session id. Locks are never
// removed; the per-session footprint is one mutex for the process lifetime,
// which is acceptable at the expected session counts.
type sessionLocks struct {
	locks sync.Map // session id -> *sync.Mutex
}

func (l *sessionLocks) lock(id string) func() {
	mu, _ := l.locks.LoadOrStore(id, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}
