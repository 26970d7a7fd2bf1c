package versioning

import "sync"

// artifactLocks serializes commits to the same artifact within one process.
// Across processes the row lock and compare-and-swap in the store hold the
// same guarantee.
type artifactLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *artifactLocks) get(artifactID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := l.locks[artifactID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	l.locks[artifactID] = lock
	return lock
}
