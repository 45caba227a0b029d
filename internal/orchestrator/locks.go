package orchestrator

import (
	"context"
	"errors"
	"sync"
)

// ErrRunInProgress is returned under LockReject when another run holds the
// same tenant and feed.
var ErrRunInProgress = errors.New("a run for this feed is already in progress")

// LockPolicy decides what a run does when its feed is busy.
type LockPolicy int

const (
	// LockQueue waits for the running run to finish.
	LockQueue LockPolicy = iota
	// LockReject fails fast with ErrRunInProgress.
	LockReject
)

// ParseLockPolicy maps "queue" and "reject" to a policy.
func ParseLockPolicy(s string) (LockPolicy, error) {
	switch s {
	case "", "queue":
		return LockQueue, nil
	case "reject":
		return LockReject, nil
	}
	return LockQueue, errors.New("lock policy must be queue or reject")
}

type sourceLock struct {
	ch   chan struct{}
	refs int
}

// sourceLocks serializes runs per key. Entries are removed once nobody
// holds or waits for them.
type sourceLocks struct {
	mu    sync.Mutex
	locks map[string]*sourceLock
}

func newSourceLocks() *sourceLocks {
	return &sourceLocks{locks: make(map[string]*sourceLock)}
}

// acquire takes the lock for key. The returned release must be called
// exactly once.
func (l *sourceLocks) acquire(ctx context.Context, key string, policy LockPolicy) (func(), error) {
	l.mu.Lock()
	sl, ok := l.locks[key]
	if !ok {
		sl = &sourceLock{ch: make(chan struct{}, 1)}
		l.locks[key] = sl
	}
	sl.refs++
	l.mu.Unlock()

	select {
	case sl.ch <- struct{}{}:
		return func() { l.release(key, sl) }, nil
	default:
	}

	if policy == LockReject {
		l.drop(key, sl)
		return nil, ErrRunInProgress
	}
	select {
	case sl.ch <- struct{}{}:
		return func() { l.release(key, sl) }, nil
	case <-ctx.Done():
		l.drop(key, sl)
		return nil, ctx.Err()
	}
}

func (l *sourceLocks) release(key string, sl *sourceLock) {
	<-sl.ch
	l.drop(key, sl)
}

func (l *sourceLocks) drop(key string, sl *sourceLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(l.locks, key)
	}
}

func lockKey(tenant, feed string) string {
	return tenant + "\x00" + feed
}
