package domain

import (
	"slices"

	"github.com/google/uuid"
)

type RoomID string

// NewRoomID returns a fresh id; ids are never reused.
func NewRoomID() RoomID {
	return RoomID(uuid.NewString())
}

// MemberSet is an unordered set of user ids.
type MemberSet map[UserID]struct{}

func NewMemberSet(ids ...UserID) MemberSet {
	s := make(MemberSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s MemberSet) Add(id UserID)    { s[id] = struct{}{} }
func (s MemberSet) Remove(id UserID) { delete(s, id) }
func (s MemberSet) Len() int         { return len(s) }
func (s MemberSet) Empty() bool      { return len(s) == 0 }

func (s MemberSet) Has(id UserID) bool {
	_, ok := s[id]
	return ok
}

// Slice returns the members sorted, so fan-out order is deterministic.
func (s MemberSet) Slice() []UserID {
	out := make([]UserID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Without returns the sorted members other than id.
func (s MemberSet) Without(id UserID) []UserID {
	out := make([]UserID, 0, len(s))
	for _, m := range s.Slice() {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}

type Room struct {
	ID        RoomID
	Members   MemberSet
	Locked    bool
	Permanent bool
}

func NewRoom(id RoomID, locked, permanent bool) *Room {
	return &Room{ID: id, Members: NewMemberSet(), Locked: locked, Permanent: permanent}
}

// Collectable reports whether the room must be garbage-collected.
func (r *Room) Collectable() bool {
	return !r.Permanent && r.Members.Empty()
}

// CanJoin reports whether uid may enter the room.
func (r *Room) CanJoin(uid UserID) bool {
	return !r.Locked || r.Members.Has(uid)
}

// RoomInfo is a read-only view for APIs.
type RoomInfo struct {
	ID        RoomID   `json:"id"`
	Members   []UserID `json:"members"`
	Locked    bool     `json:"locked"`
	Permanent bool     `json:"permanent"`
}

func (r *Room) Info() RoomInfo {
	return RoomInfo{ID: r.ID, Members: r.Members.Slice(), Locked: r.Locked, Permanent: r.Permanent}
}
