package mesh

import (
	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Transport is the peer connection a Negotiator drives. Applying a remote
// offer while a local offer is pending rolls the local one back.
type Transport interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	AddTrack(webrtc.TrackLocal) error

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(*webrtc.TrackRemote))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))

	Close() error
}

// Signaler carries negotiation payloads to the remote peer. Sends must not
// block on the remote side's processing.
type Signaler interface {
	SendDescription(to domain.UserID, sd webrtc.SessionDescription) error
	SendCandidate(to domain.UserID, c webrtc.ICECandidateInit) error
}

// Observer receives the link events the UI cares about.
type Observer interface {
	StreamAdded(remote domain.UserID, track *webrtc.TrackRemote)
	ConnectionStateChanged(remote domain.UserID, state ConnectionState)
}

type ConnectionState string

const (
	ConnNew          ConnectionState = "new"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnDisconnected ConnectionState = "disconnected"
	ConnFailed       ConnectionState = "failed"
	ConnClosed       ConnectionState = "closed"
)

func connectionState(s webrtc.ICEConnectionState) ConnectionState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return ConnConnecting
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return ConnConnected
	case webrtc.ICEConnectionStateDisconnected:
		return ConnDisconnected
	case webrtc.ICEConnectionStateFailed:
		return ConnFailed
	case webrtc.ICEConnectionStateClosed:
		return ConnClosed
	default:
		return ConnNew
	}
}
