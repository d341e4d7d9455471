package group

import (
	"encoding/hex"
	"sync"
)

type (
	sessionLock struct {
		mu   sync.Mutex
		refs int
	}

	// sessionLocks serializes store mutations per session id.
	sessionLocks struct {
		mu    sync.Mutex
		locks map[string]*sessionLock
	}
)

func newSessionLocks() *sessionLocks {
	return &sessionLocks{
		locks: make(map[string]*sessionLock),
	}
}

// lock blocks until the session is free and returns its unlock func.
func (l *sessionLocks) lock(sessionID []byte) func() {
	key := hex.EncodeToString(sessionID)

	l.mu.Lock()
	sl, ok := l.locks[key]
	if !ok {
		sl = &sessionLock{}
		l.locks[key] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()

		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
