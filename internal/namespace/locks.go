package namespace

import (
	"context"
	"fmt"
	"sync"
)

// UserLocker is implemented by stores that can serialize one user's
// hierarchy mutations across processes.
type UserLocker interface {
	LockUser(ctx context.Context, userID string) (unlock func(), err error)
}

// userLocks is a keyed mutex. Entries are dropped once nobody holds or
// waits for them.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*userLock)
	}
	ul := l.locks[userID]
	if ul == nil {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}

func (l *userLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// lockUser serializes operations that read and then rewrite the parent
// relation of userID's entries. Other users are never blocked.
func (m *Manager) lockUser(ctx context.Context, userID string) (func(), error) {
	unlock := m.locks.lock(userID)
	locker, ok := m.store.(UserLocker)
	if !ok {
		return unlock, nil
	}
	release, err := locker.LockUser(ctx, userID)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("lock namespace: %w", err)
	}
	return func() {
		release()
		unlock()
	}, nil
}
