package sfu

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

// userLock is a FIFO mutex: blocked channel senders are woken in arrival order.
type userLock struct {
	sem  chan struct{}
	refs int // holders and waiters, guarded by the registry map
}

// lockRegistry hands out per-user locks and evicts them once nobody holds
// or waits on them.
type lockRegistry struct {
	locks *xsync.MapOf[int64, *userLock]
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: xsync.NewMapOf[int64, *userLock]()}
}

func (r *lockRegistry) ref(userID int64) *userLock {
	l, _ := r.locks.Compute(userID, func(old *userLock, loaded bool) (*userLock, bool) {
		if !loaded {
			old = &userLock{sem: make(chan struct{}, 1)}
		}
		old.refs++
		return old, false
	})
	return l
}

func (r *lockRegistry) unref(userID int64) {
	r.locks.Compute(userID, func(old *userLock, loaded bool) (*userLock, bool) {
		if !loaded {
			return nil, true
		}
		old.refs--
		return old, old.refs <= 0
	})
}

// lock blocks until the user's lock is acquired or ctx is done.
func (r *lockRegistry) lock(ctx context.Context, userID int64) (func(), error) {
	l := r.ref(userID)
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		r.unref(userID)
		return nil, ctx.Err()
	}
	return r.releaser(userID, l), nil
}

// tryLock acquires the user's lock only if it is free.
func (r *lockRegistry) tryLock(userID int64) (func(), bool) {
	l := r.ref(userID)
	select {
	case l.sem <- struct{}{}:
		return r.releaser(userID, l), true
	default:
		r.unref(userID)
		return nil, false
	}
}

func (r *lockRegistry) releaser(userID int64, l *userLock) func() {
	return func() {
		<-l.sem
		r.unref(userID)
	}
}

// size is the number of live lock entries.
func (r *lockRegistry) size() int {
	return r.locks.Size()
}
