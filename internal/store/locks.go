package store

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrSessionBusy is returned by TryAcquire when another turn holds the session.
var ErrSessionBusy = errors.New("session has a turn in flight")

// SessionLocks serializes turns per session id. Entries are dropped once no
// caller holds or waits on them.
type SessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	sem  *semaphore.Weighted
	refs int
}

func NewSessionLocks() *SessionLocks {
	return &SessionLocks{locks: make(map[string]*sessionLock)}
}

func (l *SessionLocks) ref(id string) *sessionLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl, ok := l.locks[id]
	if !ok {
		sl = &sessionLock{sem: semaphore.NewWeighted(1)}
		l.locks[id] = sl
	}
	sl.refs++
	return sl
}

func (l *SessionLocks) unref(id string, sl *sessionLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(l.locks, id)
	}
}

// Acquire waits until the session is free or ctx is done.
func (l *SessionLocks) Acquire(ctx context.Context, id string) (func(), error) {
	sl := l.ref(id)
	if err := sl.sem.Acquire(ctx, 1); err != nil {
		l.unref(id, sl)
		return nil, err
	}
	return l.releaser(id, sl), nil
}

// TryAcquire takes the session only if it is free.
func (l *SessionLocks) TryAcquire(id string) (func(), error) {
	sl := l.ref(id)
	if !sl.sem.TryAcquire(1) {
		l.unref(id, sl)
		return nil, ErrSessionBusy
	}
	return l.releaser(id, sl), nil
}

func (l *SessionLocks) releaser(id string, sl *sessionLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			sl.sem.Release(1)
			l.unref(id, sl)
		})
	}
}

// Len returns the number of sessions currently tracked.
func (l *SessionLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
