package client

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/huddle/internal/client/mesh"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrTransitioning = errors.New("room transition in progress")

// Conn is the part of Socket the room session needs.
type Conn interface {
	Emit(typ string, payload any) error
	On(typ string, fn Handler)
	OnConnect(fn func(reconnect bool))
}

// RoomSession tracks which room the local user is in and feeds the peer
// events of that room into the mesh controller.
type RoomSession struct {
	conn Conn
	mesh *mesh.Controller

	mu            sync.Mutex
	room          *domain.RoomID
	transitioning bool
	pending       *protocol.Join // in-flight join; nil while a leave is in flight
	rejoining     bool
	muted         bool
	locked        bool

	OnPinged   func(from domain.UserID)
	OnRejected func(room *domain.RoomID, reason string)
}

func NewRoomSession(conn Conn, ctrl *mesh.Controller) *RoomSession {
	s := &RoomSession{conn: conn, mesh: ctrl}

	conn.On(protocol.TypeJoined, s.onJoined)
	conn.On(protocol.TypeLeft, s.onLeft)
	conn.On(protocol.TypeJoinRejected, s.onJoinRejected)
	conn.On(protocol.TypeAddPeer, s.onAddPeer)
	conn.On(protocol.TypeRemovePeer, s.onRemovePeer)
	conn.On(protocol.TypeSessionDescription, s.onSessionDescription)
	conn.On(protocol.TypeICECandidate, s.onICECandidate)
	conn.On(protocol.TypeSignal, s.onSignal)
	conn.On(protocol.TypePinged, s.onPinged)
	conn.On(protocol.TypeMuted, s.onMuted)
	conn.On(protocol.TypeRoomLocked, s.onRoomLocked)
	conn.OnConnect(s.onConnect)
	return s
}

// Join asks the server to move into room, or into a fresh room when nil.
func (s *RoomSession) Join(room *domain.RoomID, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinLocked(room, locked)
}

func (s *RoomSession) joinLocked(room *domain.RoomID, locked bool) error {
	if s.transitioning {
		return ErrTransitioning
	}
	req := protocol.Join{Room: room, Locked: locked}
	if err := s.conn.Emit(protocol.TypeJoin, req); err != nil {
		return err
	}
	s.transitioning = true
	s.pending = &req
	return nil
}

func (s *RoomSession) Leave() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaveLocked()
}

func (s *RoomSession) leaveLocked() error {
	if s.transitioning {
		return ErrTransitioning
	}
	if s.room == nil {
		return nil
	}
	if err := s.conn.Emit(protocol.TypeLeave, nil); err != nil {
		return err
	}
	s.transitioning = true
	s.pending = nil
	return nil
}

func (s *RoomSession) Room() (domain.RoomID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return "", false
	}
	return *s.room, true
}

func (s *RoomSession) Transitioning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitioning
}

// Size counts the local user plus every linked peer; zero outside a room.
func (s *RoomSession) Size() int {
	s.mu.Lock()
	inRoom := s.room != nil
	s.mu.Unlock()
	if !inRoom {
		return 0
	}
	return 1 + len(s.mesh.Peers())
}

func (s *RoomSession) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *RoomSession) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

func (s *RoomSession) ToggleMute() error { return s.conn.Emit(protocol.TypeToggleMute, nil) }

func (s *RoomSession) Ping(uid domain.UserID) error {
	return s.conn.Emit(protocol.TypePing, protocol.Ping{PeerUID: uid})
}

func (s *RoomSession) Lock(locked bool) error {
	return s.conn.Emit(protocol.TypeLock, protocol.Lock{Locked: locked})
}

// onConnect rejoins once after a reconnect. A transition whose reply was
// lost with the old connection is settled first: an in-flight join is sent
// again and an in-flight leave counts as done.
func (s *RoomSession) onConnect(reconnect bool) {
	if !reconnect {
		return
	}
	s.mu.Lock()
	var target *domain.RoomID
	locked := s.locked
	rejoin := s.room != nil
	if s.room != nil {
		room := *s.room
		target = &room
	}
	closeLinks := false
	if s.transitioning {
		s.transitioning = false
		if s.pending == nil {
			s.room = nil
			s.locked = false
			rejoin = false
			closeLinks = true
		} else {
			target, locked, rejoin = s.pending.Room, s.pending.Locked, true
		}
		s.pending = nil
	}
	if rejoin {
		log.Info().Str("module", "client.session").Str("room", roomLabel(target)).Msg("rejoining after reconnect")
		if err := s.joinLocked(target, locked); err != nil {
			log.Warn().Err(err).Str("module", "client.session").Msg("rejoin")
		} else {
			s.rejoining = true
		}
	}
	s.mu.Unlock()
	if closeLinks {
		s.mesh.CloseAll()
	}
}

func roomLabel(r *domain.RoomID) string {
	if r == nil {
		return "new"
	}
	return string(*r)
}

func (s *RoomSession) onJoined(data json.RawMessage) {
	var ev protocol.Joined
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Error().Err(err).Str("module", "client.session").Msg("bad joined")
		return
	}
	s.mu.Lock()
	s.room = &ev.Room
	s.transitioning = false
	s.pending = nil
	s.rejoining = false
	s.mu.Unlock()
	log.Info().Str("module", "client.session").Str("room", string(ev.Room)).Msg("joined")
}

func (s *RoomSession) onLeft(json.RawMessage) {
	s.mu.Lock()
	s.room = nil
	s.locked = false
	s.transitioning = false
	s.pending = nil
	s.rejoining = false
	s.mu.Unlock()
	s.mesh.CloseAll()
	log.Info().Str("module", "client.session").Msg("left room")
}

func (s *RoomSession) onJoinRejected(data json.RawMessage) {
	var ev protocol.JoinRejected
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Error().Err(err).Str("module", "client.session").Msg("bad join_rejected")
		return
	}
	s.mu.Lock()
	s.transitioning = false
	s.pending = nil
	// A failed rejoin, or a room that no longer admits us, ends the membership.
	lost := ev.Room != nil && s.room != nil && *ev.Room == *s.room &&
		(s.rejoining || ev.Reason == protocol.RejectNotFound || ev.Reason == protocol.RejectLocked)
	s.rejoining = false
	if lost {
		s.room = nil
		s.locked = false
	}
	cb := s.OnRejected
	s.mu.Unlock()
	if lost {
		s.mesh.CloseAll()
	}
	log.Warn().Str("module", "client.session").Str("reason", ev.Reason).Bool("room_lost", lost).Msg("join rejected")
	if cb != nil {
		cb(ev.Room, ev.Reason)
	}
}

func (s *RoomSession) onAddPeer(data json.RawMessage) {
	var ev protocol.AddPeer
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Error().Err(err).Str("module", "client.session").Msg("bad addPeer")
		return
	}
	if err := s.mesh.AddPeer(ev.PeerUID, ev.ShouldCreateOffer); err != nil {
		log.Error().Err(err).Str("module", "client.session").Str("peer", string(ev.PeerUID)).Msg("add peer")
	}
}

func (s *RoomSession) onRemovePeer(data json.RawMessage) {
	var ev protocol.RemovePeer
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Error().Err(err).Str("module", "client.session").Msg("bad removePeer")
		return
	}
	s.mesh.RemovePeer(ev.PeerUID)
}

func (s *RoomSession) onSessionDescription(data json.RawMessage) {
	var ev protocol.RelaySessionDescription
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Error().Err(err).Str("module", "client.session").Msg("bad sessionDescription")
		return
	}
	if err := json.Unmarshal(ev.SessionDescription, &sd); err != nil {
		log.Error().Err(err).Str("module", "client.session").Msg("bad sessionDescription payload")
		return
	}
	if err := s.mesh.HandleDescription(ev.PeerUID, sd); err != nil {
		log.Error().Err(err).Str("module", "client.session").Str("peer", string(ev.PeerUID)).Msg("apply description")
	}
}

func (s *RoomSession) onICECandidate(data json.RawMessage) {
	var ev protocol.RelayICECandidate
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Error().Err(err).Str("module", "client.session").Msg("bad iceCandidate")
		return
	}
	if err := json.Unmarshal(ev.ICECandidate, &c); err != nil {
		log.Error().Err(err).Str("module", "client.session").Msg("bad iceCandidate payload")
		return
	}
	if err := s.mesh.HandleCandidate(ev.PeerUID, c); err != nil {
		log.Warn().Err(err).Str("module", "client.session").Str("peer", string(ev.PeerUID)).Msg("apply candidate")
	}
}

func (s *RoomSession) onSignal(data json.RawMessage) {
	var ev protocol.Signal
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Error().Err(err).Str("module", "client.session").Msg("bad signal")
		return
	}
	if err := s.mesh.HandleSignal(ev.PeerUID, ev.Data); err != nil {
		log.Warn().Err(err).Str("module", "client.session").Str("peer", string(ev.PeerUID)).Msg("apply signal")
	}
}

func (s *RoomSession) onPinged(data json.RawMessage) {
	var ev protocol.Pinged
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	log.Info().Str("module", "client.session").Str("from", string(ev.PeerUID)).Msg("pinged")
	s.mu.Lock()
	cb := s.OnPinged
	s.mu.Unlock()
	if cb != nil {
		cb(ev.PeerUID)
	}
}

func (s *RoomSession) onMuted(data json.RawMessage) {
	var ev protocol.Muted
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	s.mu.Lock()
	s.muted = ev.Mute
	s.mu.Unlock()
}

func (s *RoomSession) onRoomLocked(data json.RawMessage) {
	var ev protocol.RoomLocked
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	s.mu.Lock()
	if s.room != nil && *s.room == ev.Room {
		s.locked = ev.Locked
	}
	s.mu.Unlock()
}

// Signaler adapts a Conn to the mesh controller's outbound side.
type Signaler struct {
	Conn Conn
}

func (s Signaler) SendDescription(to domain.UserID, sd webrtc.SessionDescription) error {
	b, err := json.Marshal(sd)
	if err != nil {
		return err
	}
	return s.Conn.Emit(protocol.TypeRelaySessionDescription, protocol.RelaySessionDescription{PeerUID: to, SessionDescription: b})
}

func (s Signaler) SendCandidate(to domain.UserID, c webrtc.ICECandidateInit) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.Conn.Emit(protocol.TypeRelayICECandidate, protocol.RelayICECandidate{PeerUID: to, ICECandidate: b})
}
