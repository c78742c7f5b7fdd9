package app

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

// SignalRelay forwards negotiation payloads between two users without
// looking inside them. Ordering is whatever the per-connection send queue
// gives: in order per pair, nothing across pairs.
type SignalRelay struct {
	notify Notifier
}

func NewSignalRelay(notify Notifier) *SignalRelay {
	return &SignalRelay{notify: notify}
}

func (r *SignalRelay) Signal(from, to domain.UserID, data json.RawMessage) error {
	conn, _ := r.notify.ConnOf(from)
	return r.deliver(from, to, protocol.Signal{
		Type:         protocol.TypeSignal,
		PeerSocketID: string(conn),
		PeerUID:      from,
		Data:         data,
	})
}

func (r *SignalRelay) SessionDescription(from, to domain.UserID, sd json.RawMessage) error {
	return r.deliver(from, to, protocol.RelaySessionDescription{
		Type:               protocol.TypeSessionDescription,
		PeerUID:            from,
		SessionDescription: sd,
	})
}

func (r *SignalRelay) ICECandidate(from, to domain.UserID, c json.RawMessage) error {
	return r.deliver(from, to, protocol.RelayICECandidate{
		Type:         protocol.TypeICECandidate,
		PeerUID:      from,
		ICECandidate: c,
	})
}

// Ping nudges another user.
func (r *SignalRelay) Ping(from, to domain.UserID) error {
	return r.deliver(from, to, protocol.Pinged{Type: protocol.TypePinged, PeerUID: from})
}

func (r *SignalRelay) deliver(from, to domain.UserID, v any) error {
	err := r.notify.Send(to, v)
	if errors.Is(err, ErrPeerGone) {
		// The eventual removePeer converges the sender's state.
		log.Debug().Str("module", "app.relay").Str("from", string(from)).Str("to", string(to)).Msg("target gone, dropped")
	}
	return err
}
