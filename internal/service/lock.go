package service

import "sync"

// Locks tracks which actors have a script running. There is no queueing: a
// busy key is rejected immediately.
type Locks struct {
	mx   sync.Mutex
	held map[string]struct{}
}

func NewLocks() *Locks {
	return &Locks{held: make(map[string]struct{})}
}

// TryAcquire marks key as held and returns true, or returns false if it
// already is.
func (l *Locks) TryAcquire(key string) bool {
	l.mx.Lock()
	defer l.mx.Unlock()
	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

// Release clears key. Releasing a key that is not held is a no-op.
func (l *Locks) Release(key string) {
	l.mx.Lock()
	defer l.mx.Unlock()
	delete(l.held, key)
}

func (l *Locks) Held(key string) bool {
	l.mx.Lock()
	defer l.mx.Unlock()
	_, ok := l.held[key]
	return ok
}
