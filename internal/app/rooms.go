package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/presence"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrTransitionInProgress = errors.New("room transition in progress")
	ErrRoomLocked           = errors.New("room locked")
	ErrRoomNotFound         = errors.New("room not found")
	ErrNotInRoom            = errors.New("not in a room")
)

// Notifier delivers client-bound events.
type Notifier interface {
	Send(uid domain.UserID, v any) error
	ConnOf(uid domain.UserID) (core.ConnID, bool)
}

// RoomManager owns room membership and mirrors it into the Presence Store.
type RoomManager struct {
	store  core.PresenceStore
	notify Notifier
	locks  *TransitionLocks

	mu        sync.Mutex
	rooms     map[domain.RoomID]*domain.Room
	userRooms map[domain.UserID]map[domain.RoomID]struct{}
}

func NewRoomManager(store core.PresenceStore, notify Notifier) *RoomManager {
	return &RoomManager{
		store:     store,
		notify:    notify,
		locks:     NewTransitionLocks(),
		rooms:     make(map[domain.RoomID]*domain.Room),
		userRooms: make(map[domain.UserID]map[domain.RoomID]struct{}),
	}
}

// EnsurePermanent registers rooms that are never garbage-collected.
func (m *RoomManager) EnsurePermanent(ctx context.Context, ids ...domain.RoomID) error {
	updates := make(map[string]any, len(ids))
	m.mu.Lock()
	for _, id := range ids {
		room, ok := m.rooms[id]
		if !ok {
			room = domain.NewRoom(id, false, true)
			m.rooms[id] = room
		}
		room.Permanent = true
		updates[presence.RoomPermanent(id)] = true
	}
	m.mu.Unlock()
	if err := m.store.Update(ctx, updates); err != nil {
		return fmt.Errorf("seed permanent rooms: %w", err)
	}
	log.Info().Str("module", "app.rooms").Int("count", len(ids)).Msg("permanent rooms ready")
	return nil
}

// Reconcile clears membership left in a persistent store by a previous run:
// nobody is connected at startup, so every room is empty and every user
// offline. Permanent rooms keep their flag.
func (m *RoomManager) Reconcile(ctx context.Context) error {
	updates := map[string]any{}
	users, _, err := m.store.Get(ctx, presence.Users)
	if err != nil {
		return fmt.Errorf("read users: %w", err)
	}
	for _, uid := range presence.Keys(users) {
		id := domain.UserID(uid)
		updates[presence.UserRoom(id)] = nil
		updates[presence.UserRoomState(id)] = nil
		updates[presence.UserStatus(id)] = string(domain.StatusOffline)
	}
	rooms, _, err := m.store.Get(ctx, presence.Rooms)
	if err != nil {
		return fmt.Errorf("read rooms: %w", err)
	}
	docs, _ := rooms.(map[string]any)
	for _, key := range presence.Keys(rooms) {
		id := domain.RoomID(key)
		doc, _ := docs[key].(map[string]any)
		if doc["permanent"] == true {
			updates[presence.RoomUsers(id)] = nil
			continue
		}
		updates[presence.Room(id)] = nil
		updates[presence.Music(id)] = nil
	}
	if len(updates) == 0 {
		return nil
	}
	if err := m.store.Update(ctx, updates); err != nil {
		return fmt.Errorf("reconcile store: %w", err)
	}
	log.Info().Str("module", "app.rooms").Int("users", len(presence.Keys(users))).
		Int("rooms", len(presence.Keys(rooms))).Msg("stale presence cleared")
	return nil
}

// Join moves uid into target, or into a fresh room when target is nil.
// Joining a room uid already belongs to is a no-op.
func (m *RoomManager) Join(ctx context.Context, uid domain.UserID, target *domain.RoomID, locked bool) (domain.RoomID, error) {
	release, ok := m.locks.TryAcquire(uid)
	if !ok {
		return "", ErrTransitionInProgress
	}
	defer release()

	if target != nil {
		m.mu.Lock()
		room, ok := m.rooms[*target]
		switch {
		case !ok:
			m.mu.Unlock()
			return "", fmt.Errorf("join %s: %w", *target, ErrRoomNotFound)
		case room.Members.Has(uid):
			m.mu.Unlock()
			log.Debug().Str("module", "app.rooms").Str("uid", string(uid)).Str("room", string(room.ID)).Msg("already a member")
			m.send(uid, protocol.Joined{Type: protocol.TypeJoined, Room: room.ID})
			return room.ID, nil
		case !room.CanJoin(uid):
			m.mu.Unlock()
			return "", fmt.Errorf("join %s: %w", *target, ErrRoomLocked)
		}
		m.mu.Unlock()
	}

	if err := m.leave(ctx, uid, true); err != nil {
		// Membership already moved in memory; the store catches up on the next write.
		log.Error().Err(err).Str("module", "app.rooms").Str("uid", string(uid)).Msg("leave before join")
	}

	m.mu.Lock()
	var room *domain.Room
	created := false
	if target == nil {
		room = domain.NewRoom(domain.NewRoomID(), locked, false)
		m.rooms[room.ID] = room
		created = true
	} else {
		// The room may have been collected or locked while we were leaving.
		var ok bool
		if room, ok = m.rooms[*target]; !ok {
			m.mu.Unlock()
			return "", fmt.Errorf("join %s: %w", *target, ErrRoomNotFound)
		}
		if !room.CanJoin(uid) {
			m.mu.Unlock()
			return "", fmt.Errorf("join %s: %w", *target, ErrRoomLocked)
		}
	}
	existing := room.Members.Slice()
	room.Members.Add(uid)
	m.trackLocked(uid, room.ID)
	m.mu.Unlock()

	updates := map[string]any{
		presence.RoomUser(room.ID, uid): true,
		presence.UserRoom(uid):          string(room.ID),
		presence.UserRoomState(uid):     string(domain.RoomStateJoined),
	}
	if created {
		updates[presence.RoomLocked(room.ID)] = locked
	}
	if err := m.store.Update(ctx, updates); err != nil {
		log.Error().Err(err).Str("module", "app.rooms").Str("room", string(room.ID)).Msg("store join write")
	}

	// joined precedes the introductions so the joiner knows which room the
	// addPeer events belong to.
	m.send(uid, protocol.Joined{Type: protocol.TypeJoined, Room: room.ID})
	joinerConn, _ := m.notify.ConnOf(uid)
	for _, other := range existing {
		m.send(other, protocol.AddPeer{
			Type:         protocol.TypeAddPeer,
			PeerSocketID: string(joinerConn),
			PeerUID:      uid,
		})
		otherConn, _ := m.notify.ConnOf(other)
		m.send(uid, protocol.AddPeer{
			Type:              protocol.TypeAddPeer,
			PeerSocketID:      string(otherConn),
			PeerUID:           other,
			ShouldCreateOffer: true,
		})
	}

	log.Info().Str("module", "app.rooms").Str("uid", string(uid)).Str("room", string(room.ID)).
		Bool("created", created).Int("peers", len(existing)).Msg("joined room")
	return room.ID, nil
}

// Leave removes uid from every room it occupies.
func (m *RoomManager) Leave(ctx context.Context, uid domain.UserID) error {
	release, ok := m.locks.TryAcquire(uid)
	if !ok {
		return ErrTransitionInProgress
	}
	defer release()
	return m.leave(ctx, uid, true)
}

// TransferOnDisconnect is Leave for a connection that is already gone: nothing
// is echoed back to uid and its status is reset. It waits for an in-flight
// transition instead of rejecting.
func (m *RoomManager) TransferOnDisconnect(ctx context.Context, uid domain.UserID) error {
	release, err := m.locks.Acquire(ctx, uid)
	if err != nil {
		return err
	}
	defer release()
	if err := m.leave(ctx, uid, false); err != nil {
		return err
	}
	return m.store.Set(ctx, presence.UserStatus(uid), string(domain.StatusOffline))
}

func (m *RoomManager) leave(ctx context.Context, uid domain.UserID, echo bool) error {
	type departure struct {
		id        domain.RoomID
		remaining []domain.UserID
	}

	m.mu.Lock()
	var left []departure
	for id := range m.userRooms[uid] {
		room, ok := m.rooms[id]
		if !ok {
			continue
		}
		room.Members.Remove(uid)
		left = append(left, departure{id: id, remaining: room.Members.Slice()})
	}
	delete(m.userRooms, uid)
	m.mu.Unlock()

	if len(left) == 0 {
		return nil
	}
	slices.SortFunc(left, func(a, b departure) int { return cmp.Compare(a.id, b.id) })

	var errs []error
	for _, d := range left {
		for _, other := range d.remaining {
			m.send(other, protocol.RemovePeer{Type: protocol.TypeRemovePeer, PeerUID: uid})
			if echo {
				m.send(uid, protocol.RemovePeer{Type: protocol.TypeRemovePeer, PeerUID: other})
			}
		}
		if err := m.store.Delete(ctx, presence.RoomUser(d.id, uid)); err != nil {
			errs = append(errs, fmt.Errorf("store leave %s: %w", d.id, err))
			continue
		}
		if err := m.collect(ctx, d.id); err != nil {
			errs = append(errs, err)
		}
		log.Info().Str("module", "app.rooms").Str("uid", string(uid)).Str("room", string(d.id)).
			Int("remaining", len(d.remaining)).Msg("left room")
	}

	if err := m.store.Update(ctx, map[string]any{
		presence.UserRoom(uid):      nil,
		presence.UserRoomState(uid): nil,
	}); err != nil {
		errs = append(errs, fmt.Errorf("store clear user room: %w", err))
	}
	return errors.Join(errs...)
}

// collect deletes an empty, non-permanent room. Membership is re-checked in
// memory and again inside the store transaction, so a room that gained a
// member during the write survives.
func (m *RoomManager) collect(ctx context.Context, id domain.RoomID) error {
	m.mu.Lock()
	room, ok := m.rooms[id]
	if !ok || !room.Collectable() {
		m.mu.Unlock()
		return nil
	}
	delete(m.rooms, id)
	m.mu.Unlock()

	deleted := false
	err := m.store.Transaction(ctx, presence.Room(id), func(cur any) (any, error) {
		doc, _ := cur.(map[string]any)
		if len(presence.Keys(doc["users"])) > 0 || doc["permanent"] == true {
			return cur, nil
		}
		deleted = true
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("collect room %s: %w", id, err)
	}
	if !deleted {
		log.Warn().Str("module", "app.rooms").Str("room", string(id)).Msg("room regained members in store, kept")
		return nil
	}
	if err := m.store.Delete(ctx, presence.Music(id)); err != nil {
		return fmt.Errorf("collect music state %s: %w", id, err)
	}
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room deleted")
	return nil
}

// SetLocked toggles the lock flag of the caller's room.
func (m *RoomManager) SetLocked(ctx context.Context, uid domain.UserID, locked bool) (domain.RoomID, error) {
	m.mu.Lock()
	var room *domain.Room
	for id := range m.userRooms[uid] {
		room = m.rooms[id]
	}
	if room == nil {
		m.mu.Unlock()
		return "", ErrNotInRoom
	}
	room.Locked = locked
	members := room.Members.Slice()
	m.mu.Unlock()

	if err := m.store.Set(ctx, presence.RoomLocked(room.ID), locked); err != nil {
		return room.ID, fmt.Errorf("store lock %s: %w", room.ID, err)
	}
	for _, member := range members {
		m.send(member, protocol.RoomLocked{Type: protocol.TypeRoomLocked, Room: room.ID, Locked: locked})
	}
	return room.ID, nil
}

// RoomOf returns the room uid is in.
func (m *RoomManager) RoomOf(uid domain.UserID) (domain.RoomID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.userRooms[uid] {
		return id, true
	}
	return "", false
}

func (m *RoomManager) Room(id domain.RoomID) (domain.RoomInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	if !ok {
		return domain.RoomInfo{}, false
	}
	return room.Info(), true
}

func (m *RoomManager) List() []domain.RoomInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.RoomInfo, 0, len(m.rooms))
	for _, room := range m.rooms {
		out = append(out, room.Info())
	}
	slices.SortFunc(out, func(a, b domain.RoomInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// trackLocked must be called with m.mu held.
func (m *RoomManager) trackLocked(uid domain.UserID, id domain.RoomID) {
	set, ok := m.userRooms[uid]
	if !ok {
		set = make(map[domain.RoomID]struct{})
		m.userRooms[uid] = set
	}
	set[id] = struct{}{}
}

func (m *RoomManager) send(uid domain.UserID, v any) {
	if err := m.notify.Send(uid, v); err != nil {
		log.Debug().Err(err).Str("module", "app.rooms").Str("uid", string(uid)).Msg("notify failed")
	}
}
