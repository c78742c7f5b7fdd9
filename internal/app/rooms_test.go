package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/presence"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roomsFixture struct {
	reg   *Registry
	store *presence.MemoryStore
	rooms *RoomManager
	conns map[domain.UserID]*fakeConn
}

func newRoomsFixture(t *testing.T, users ...domain.UserID) *roomsFixture {
	t.Helper()
	f := &roomsFixture{
		reg:   NewRegistry(),
		store: presence.NewMemoryStore(),
		conns: make(map[domain.UserID]*fakeConn),
	}
	f.rooms = NewRoomManager(f.store, f.reg)
	for i, u := range users {
		c := &fakeConn{}
		f.conns[u] = c
		f.reg.Register(u, core.ConnID("conn-"+fmt.Sprint(i)), c, nil)
	}
	return f
}

func (f *roomsFixture) exists(t *testing.T, path string) bool {
	t.Helper()
	_, ok, err := f.store.Get(context.Background(), path)
	require.NoError(t, err)
	return ok
}

func peers(events []map[string]any) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e["peerUid"].(string))
	}
	return out
}

func TestJoinNullCreatesRoom(t *testing.T) {
	ctx := context.Background()
	f := newRoomsFixture(t, "alice")

	id, err := f.rooms.Join(ctx, "alice", nil, true)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	info, ok := f.rooms.Room(id)
	require.True(t, ok)
	assert.Equal(t, []domain.UserID{"alice"}, info.Members)
	assert.True(t, info.Locked)

	v, ok, _ := f.store.Get(ctx, presence.UserRoom("alice"))
	require.True(t, ok)
	assert.Equal(t, string(id), v)
	assert.True(t, f.exists(t, presence.RoomUser(id, "alice")))
	v, _, _ = f.store.Get(ctx, presence.RoomLocked(id))
	assert.Equal(t, true, v)
	assert.Empty(t, f.conns["alice"].events(t, protocol.TypeAddPeer))
	joined := f.conns["alice"].events(t, protocol.TypeJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, string(id), joined[0]["room"])
}

func TestJoinSameRoomIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newRoomsFixture(t, "alice", "bob")

	id, err := f.rooms.Join(ctx, "alice", nil, false)
	require.NoError(t, err)
	_, err = f.rooms.Join(ctx, "bob", &id, false)
	require.NoError(t, err)
	f.conns["alice"].reset()
	f.conns["bob"].reset()

	again, err := f.rooms.Join(ctx, "bob", &id, false)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Empty(t, f.conns["alice"].events(t, protocol.TypeAddPeer))
	assert.Empty(t, f.conns["bob"].events(t, protocol.TypeAddPeer))
	assert.Empty(t, f.conns["alice"].events(t, protocol.TypeRemovePeer))
	assert.Len(t, f.conns["bob"].events(t, protocol.TypeJoined), 1)
}

func TestJoinLeaveFanOut(t *testing.T) {
	ctx := context.Background()
	f := newRoomsFixture(t, "alice", "bob")

	r, err := f.rooms.Join(ctx, "alice", nil, false)
	require.NoError(t, err)
	_, err = f.rooms.Join(ctx, "bob", &r, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"alice"}, peers(f.conns["bob"].events(t, protocol.TypeAddPeer)))
	assert.Equal(t, []string{"bob"}, peers(f.conns["alice"].events(t, protocol.TypeAddPeer)))

	f.conns["bob"].mu.Lock()
	var first map[string]any
	require.NoError(t, json.Unmarshal(f.conns["bob"].frames[0], &first))
	f.conns["bob"].mu.Unlock()
	assert.Equal(t, protocol.TypeJoined, first["type"], "joined comes before addPeer")

	bobAdd := f.conns["bob"].events(t, protocol.TypeAddPeer)[0]
	assert.Equal(t, true, bobAdd["shouldCreateOffer"])
	assert.Equal(t, "conn-0", bobAdd["peerSocketId"])

	require.NoError(t, f.rooms.Leave(ctx, "bob"))
	assert.Equal(t, []string{"bob"}, peers(f.conns["alice"].events(t, protocol.TypeRemovePeer)))
	assert.Equal(t, []string{"alice"}, peers(f.conns["bob"].events(t, protocol.TypeRemovePeer)))

	info, ok := f.rooms.Room(r)
	require.True(t, ok)
	assert.Equal(t, []domain.UserID{"alice"}, info.Members)
	assert.True(t, f.exists(t, presence.Room(r)), "room with members keeps its document")
	assert.False(t, f.exists(t, presence.UserRoom("bob")))
}

func TestLastLeaveDeletesEphemeralRoom(t *testing.T) {
	ctx := context.Background()
	f := newRoomsFixture(t, "alice")

	r, err := f.rooms.Join(ctx, "alice", nil, false)
	require.NoError(t, err)
	require.NoError(t, f.store.Set(ctx, presence.Music(r)+"/track", "song"))

	require.NoError(t, f.rooms.Leave(ctx, "alice"))
	_, ok := f.rooms.Room(r)
	assert.False(t, ok)
	assert.False(t, f.exists(t, presence.Room(r)))
	assert.False(t, f.exists(t, presence.Music(r)))

	_, err = f.rooms.Join(ctx, "alice", &r, false)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestPermanentRoomSurvivesEmpty(t *testing.T) {
	ctx := context.Background()
	f := newRoomsFixture(t, "alice")
	lobby := domain.RoomID("lobby")
	require.NoError(t, f.rooms.EnsurePermanent(ctx, lobby))

	_, err := f.rooms.Join(ctx, "alice", &lobby, false)
	require.NoError(t, err)
	require.NoError(t, f.rooms.Leave(ctx, "alice"))

	_, ok := f.rooms.Room(lobby)
	assert.True(t, ok)
	assert.True(t, f.exists(t, presence.RoomPermanent(lobby)))
}

func TestJoinLockedRoomRejected(t *testing.T) {
	ctx := context.Background()
	f := newRoomsFixture(t, "alice", "bob")

	r, err := f.rooms.Join(ctx, "alice", nil, true)
	require.NoError(t, err)

	_, err = f.rooms.Join(ctx, "bob", &r, false)
	assert.ErrorIs(t, err, ErrRoomLocked)
	assert.Empty(t, f.conns["alice"].events(t, protocol.TypeAddPeer))

	_, err = f.rooms.SetLocked(ctx, "alice", false)
	require.NoError(t, err)
	assert.Len(t, f.conns["alice"].events(t, protocol.TypeRoomLocked), 1)

	_, err = f.rooms.Join(ctx, "bob", &r, false)
	assert.NoError(t, err)
}

func TestJoinRejectedWhileTransitioning(t *testing.T) {
	ctx := context.Background()
	f := newRoomsFixture(t, "alice")

	release, ok := f.rooms.locks.TryAcquire("alice")
	require.True(t, ok)
	_, err := f.rooms.Join(ctx, "alice", nil, false)
	assert.ErrorIs(t, err, ErrTransitionInProgress)
	assert.ErrorIs(t, f.rooms.Leave(ctx, "alice"), ErrTransitionInProgress)
	release()

	_, err = f.rooms.Join(ctx, "alice", nil, false)
	assert.NoError(t, err)
}

func TestJoinOtherRoomLeavesFirst(t *testing.T) {
	ctx := context.Background()
	f := newRoomsFixture(t, "alice", "bob", "carol")

	r1, err := f.rooms.Join(ctx, "alice", nil, false)
	require.NoError(t, err)
	_, err = f.rooms.Join(ctx, "bob", &r1, false)
	require.NoError(t, err)
	r2, err := f.rooms.Join(ctx, "carol", nil, false)
	require.NoError(t, err)

	_, err = f.rooms.Join(ctx, "bob", &r2, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"bob"}, peers(f.conns["alice"].events(t, protocol.TypeRemovePeer)))
	room, ok := f.rooms.RoomOf("bob")
	require.True(t, ok)
	assert.Equal(t, r2, room)
	info, _ := f.rooms.Room(r1)
	assert.Equal(t, []domain.UserID{"alice"}, info.Members)
}

func TestTransferOnDisconnect(t *testing.T) {
	ctx := context.Background()
	f := newRoomsFixture(t, "alice", "bob")

	r, err := f.rooms.Join(ctx, "alice", nil, false)
	require.NoError(t, err)
	_, err = f.rooms.Join(ctx, "bob", &r, false)
	require.NoError(t, err)

	require.NoError(t, f.rooms.TransferOnDisconnect(ctx, "bob"))
	assert.Empty(t, f.conns["bob"].events(t, protocol.TypeRemovePeer))
	assert.Equal(t, []string{"bob"}, peers(f.conns["alice"].events(t, protocol.TypeRemovePeer)))

	v, _, _ := f.store.Get(ctx, presence.UserStatus("bob"))
	assert.Equal(t, string(domain.StatusOffline), v)
}

func TestConcurrentJoinsDistinctUsers(t *testing.T) {
	ctx := context.Background()
	users := make([]domain.UserID, 16)
	for i := range users {
		users[i] = domain.UserID(fmt.Sprintf("u%02d", i))
	}
	f := newRoomsFixture(t, users...)
	lobby := domain.RoomID("lobby")
	require.NoError(t, f.rooms.EnsurePermanent(ctx, lobby))

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.rooms.Join(ctx, u, &lobby, false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	info, _ := f.rooms.Room(lobby)
	assert.Equal(t, users, info.Members)
	v, _, _ := f.store.Get(ctx, presence.RoomUsers(lobby))
	assert.Len(t, presence.Keys(v), len(users))

	// Every pair got introduced exactly once, from one side or the other.
	total := 0
	for _, c := range f.conns {
		total += len(c.events(t, protocol.TypeAddPeer))
	}
	assert.Equal(t, len(users)*(len(users)-1), total)
}

func TestReconcileClearsStaleMembership(t *testing.T) {
	ctx := context.Background()
	f := newRoomsFixture(t)
	require.NoError(t, f.store.Update(ctx, map[string]any{
		presence.UserRoom("alice"):        "r1",
		presence.UserRoomState("alice"):   string(domain.RoomStateJoined),
		presence.UserStatus("alice"):      string(domain.StatusActive),
		presence.UserMute("alice"):        true,
		presence.RoomUser("r1", "alice"):  true,
		presence.Music("r1") + "/track":   "song",
		presence.RoomPermanent("lobby"):   true,
		presence.RoomUser("lobby", "bob"): true,
		presence.UserRoom("bob"):          "lobby",
	}))

	require.NoError(t, f.rooms.Reconcile(ctx))

	assert.False(t, f.exists(t, presence.UserRoom("alice")))
	assert.False(t, f.exists(t, presence.UserRoomState("alice")))
	assert.False(t, f.exists(t, presence.UserRoom("bob")))
	v, _, _ := f.store.Get(ctx, presence.UserStatus("alice"))
	assert.Equal(t, string(domain.StatusOffline), v)
	v, _, _ = f.store.Get(ctx, presence.UserMute("alice"))
	assert.Equal(t, true, v, "preferences survive")

	assert.False(t, f.exists(t, presence.Room("r1")))
	assert.False(t, f.exists(t, presence.Music("r1")))
	assert.True(t, f.exists(t, presence.RoomPermanent("lobby")))
	assert.False(t, f.exists(t, presence.RoomUsers("lobby")))
}
