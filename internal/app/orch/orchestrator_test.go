package orch

import (
	"context"
	"sync"
	"testing"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/presence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConn struct {
	mu     sync.Mutex
	full   bool
	closed bool
	sent   int
}

func (c *stubConn) TrySend(core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return core.ErrBackpressure
	}
	c.sent++
	return nil
}

func (c *stubConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func TestEvictedDisconnectKeepsMembership(t *testing.T) {
	ctx := context.Background()
	o := New(presence.NewMemoryStore(), app.SimplePolicy{})

	o.Connect("alice", "c1", &stubConn{}, nil)
	r, err := o.Rooms.Join(ctx, "alice", nil, false)
	require.NoError(t, err)

	// Reconnect: the new connection evicts the old one, then the old read
	// loop finishes.
	o.Connect("alice", "c2", &stubConn{}, nil)
	assert.False(t, o.Disconnect(ctx, "alice", "c1"))

	room, ok := o.Rooms.RoomOf("alice")
	require.True(t, ok)
	assert.Equal(t, r, room)

	again, err := o.Rooms.Join(ctx, "alice", &r, false)
	require.NoError(t, err)
	assert.Equal(t, r, again)

	assert.True(t, o.Disconnect(ctx, "alice", "c2"))
	_, ok = o.Rooms.RoomOf("alice")
	assert.False(t, ok)
	_, ok = o.Rooms.Room(r)
	assert.False(t, ok)
}

func TestBackpressureKicks(t *testing.T) {
	o := New(presence.NewMemoryStore(), app.SimplePolicy{})
	slow := &stubConn{full: true}
	o.Connect("alice", "c1", slow, nil)

	err := o.Send("alice", map[string]string{"type": "left"})
	assert.ErrorIs(t, err, core.ErrBackpressure)
	assert.True(t, slow.closed)
}
