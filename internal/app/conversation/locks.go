package conversation

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/PabloGalante/intel-relay/internal/domain"
)

// identityLocks serializes requests of the same identity. Entries are
// reference counted and dropped once nobody holds or waits for them.
type identityLocks struct {
	mu    sync.Mutex
	locks map[domain.Identity]*identityLock
}

type identityLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newIdentityLocks() *identityLocks {
	return &identityLocks{locks: make(map[domain.Identity]*identityLock)}
}

// Lock blocks until the identity is free or ctx is done.
func (l *identityLocks) Lock(ctx context.Context, id domain.Identity) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &identityLock{sem: semaphore.NewWeighted(1)}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	if err := lk.sem.Acquire(ctx, 1); err != nil {
		l.release(id, lk)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			lk.sem.Release(1)
			l.release(id, lk)
		})
	}, nil
}

func (l *identityLocks) release(id domain.Identity, lk *identityLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, id)
	}
}

func (l *identityLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
