package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionLocksTryAcquire(t *testing.T) {
	l := NewTransitionLocks()
	release, ok := l.TryAcquire("alice")
	require.True(t, ok)

	_, ok = l.TryAcquire("alice")
	assert.False(t, ok, "second transition for the same user must be rejected")

	other, ok := l.TryAcquire("bob")
	require.True(t, ok, "users are independent")
	other()

	release()
	release()
	again, ok := l.TryAcquire("alice")
	require.True(t, ok)
	again()
}

func TestTransitionLocksAcquireWaits(t *testing.T) {
	l := NewTransitionLocks()
	release, _ := l.TryAcquire("alice")

	got := make(chan struct{})
	go func() {
		r, err := l.Acquire(context.Background(), "alice")
		if err == nil {
			r()
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired")
	}
}

func TestTransitionLocksAcquireCanceled(t *testing.T) {
	l := NewTransitionLocks()
	release, _ := l.TryAcquire("alice")
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Acquire(ctx, "alice")
	assert.ErrorIs(t, err, context.Canceled)
}
