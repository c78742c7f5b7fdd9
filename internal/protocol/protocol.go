// Package protocol defines the JSON frames exchanged over the signaling socket.
// Every frame carries a "type" field; payload fields sit next to it.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/huddle/internal/domain"
)

// Version is the protocol revision spoken by this build. Clients pass it as
// the "v" connection parameter.
const Version = 3

// Connection-error reasons returned in the body of a rejected upgrade.
const (
	ReasonForbidden       = "forbidden"
	ReasonProtocolVersion = "protocol_version"
)

// Join rejection reasons.
const (
	RejectLocked        = "locked"
	RejectNotFound      = "not_found"
	RejectTransitioning = "transitioning"
	RejectRateLimited   = "rate_limited"
)

// Server-bound events.
const (
	TypeJoin                    = "join"
	TypeLeave                   = "leave"
	TypeSignal                  = "signal"
	TypeRelaySessionDescription = "relaySessionDescription"
	TypeRelayICECandidate       = "relayICECandidate"
	TypeActive                  = "active"
	TypeIdle                    = "idle"
	TypePing                    = "ping"
	TypeToggleMute              = "toggle_mute"
	TypeLock                    = "lock"
)

// Client-bound events.
const (
	TypeJoined             = "joined"
	TypeLeft               = "left"
	TypeJoinRejected       = "join_rejected"
	TypeAddPeer            = "addPeer"
	TypeRemovePeer         = "removePeer"
	TypeSessionDescription = "sessionDescription"
	TypeICECandidate       = "iceCandidate"
	TypePinged             = "pinged"
	TypeMuted              = "muted"
	TypeRoomLocked         = "roomLocked"
)

type Envelope struct {
	Type string `json:"type"`
}

// Peek returns the type of a raw frame.
func Peek(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("decode envelope: missing type")
	}
	return env.Type, nil
}

type Join struct {
	Type   string         `json:"type"`
	Room   *domain.RoomID `json:"room"`
	Locked bool           `json:"locked,omitempty"`
}

type Signal struct {
	Type         string          `json:"type"`
	PeerSocketID string          `json:"peerSocketId,omitempty"`
	PeerUID      domain.UserID   `json:"peerUid"`
	Data         json.RawMessage `json:"data"`
}

type RelaySessionDescription struct {
	Type               string          `json:"type"`
	PeerUID            domain.UserID   `json:"peerUid"`
	SessionDescription json.RawMessage `json:"sessionDescription"`
}

type RelayICECandidate struct {
	Type         string          `json:"type"`
	PeerUID      domain.UserID   `json:"peerUid"`
	ICECandidate json.RawMessage `json:"iceCandidate"`
}

type Ping struct {
	Type    string        `json:"type"`
	PeerUID domain.UserID `json:"peerUid"`
}

type Lock struct {
	Type   string `json:"type"`
	Locked bool   `json:"locked"`
}

type Joined struct {
	Type string        `json:"type"`
	Room domain.RoomID `json:"room"`
}

type JoinRejected struct {
	Type   string         `json:"type"`
	Room   *domain.RoomID `json:"room"`
	Reason string         `json:"reason"`
}

type AddPeer struct {
	Type              string        `json:"type"`
	PeerSocketID      string        `json:"peerSocketId"`
	PeerUID           domain.UserID `json:"peerUid"`
	ShouldCreateOffer bool          `json:"shouldCreateOffer"`
}

type RemovePeer struct {
	Type    string        `json:"type"`
	PeerUID domain.UserID `json:"peerUid"`
}

type Pinged struct {
	Type    string        `json:"type"`
	PeerUID domain.UserID `json:"peerUid"`
}

type Muted struct {
	Type string `json:"type"`
	Mute bool   `json:"mute"`
}

type RoomLocked struct {
	Type   string        `json:"type"`
	Room   domain.RoomID `json:"room"`
	Locked bool          `json:"locked"`
}

// ConnectError is the JSON body of a rejected upgrade.
type ConnectError struct {
	Reason string `json:"reason"`
}

// Simple builds a frame that carries only a type.
func Simple(t string) Envelope { return Envelope{Type: t} }
