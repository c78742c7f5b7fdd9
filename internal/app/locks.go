package app

import (
	"context"
	"sync"

	"github.com/dkeye/huddle/internal/domain"
)

// TransitionLocks serializes join/leave per user. Different users never
// contend.
type TransitionLocks struct {
	mu   sync.Mutex
	busy map[domain.UserID]chan struct{}
}

func NewTransitionLocks() *TransitionLocks {
	return &TransitionLocks{busy: make(map[domain.UserID]chan struct{})}
}

// TryAcquire takes the user's lock without waiting.
func (l *TransitionLocks) TryAcquire(uid domain.UserID) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.busy[uid]; ok {
		return nil, false
	}
	return l.hold(uid), true
}

// Acquire waits for the user's lock.
func (l *TransitionLocks) Acquire(ctx context.Context, uid domain.UserID) (func(), error) {
	for {
		l.mu.Lock()
		ch, ok := l.busy[uid]
		if !ok {
			release := l.hold(uid)
			l.mu.Unlock()
			return release, nil
		}
		l.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// hold must be called with l.mu held.
func (l *TransitionLocks) hold(uid domain.UserID) func() {
	ch := make(chan struct{})
	l.busy[uid] = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.busy, uid)
			l.mu.Unlock()
			close(ch)
		})
	}
}
