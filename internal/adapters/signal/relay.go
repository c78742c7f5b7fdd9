package signal

import (
	"encoding/json"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Relay failures are not reported to the sender; a vanished peer is followed
// by removePeer.

func (ctl *SignalWSController) handleRelaySignal(uid domain.UserID, data []byte) {
	var p protocol.Signal
	if err := json.Unmarshal(data, &p); err != nil || p.PeerUID == "" {
		log.Error().Err(err).Str("module", "signal").Msg("bad signal payload")
		return
	}
	_ = ctl.Orch.Relay.Signal(uid, p.PeerUID, p.Data)
}

func (ctl *SignalWSController) handleRelaySessionDescription(uid domain.UserID, data []byte) {
	var p protocol.RelaySessionDescription
	if err := json.Unmarshal(data, &p); err != nil || p.PeerUID == "" {
		log.Error().Err(err).Str("module", "signal").Msg("bad session description payload")
		return
	}
	_ = ctl.Orch.Relay.SessionDescription(uid, p.PeerUID, p.SessionDescription)
}

func (ctl *SignalWSController) handleRelayICECandidate(uid domain.UserID, data []byte) {
	var p protocol.RelayICECandidate
	if err := json.Unmarshal(data, &p); err != nil || p.PeerUID == "" {
		log.Error().Err(err).Str("module", "signal").Msg("bad ice candidate payload")
		return
	}
	_ = ctl.Orch.Relay.ICECandidate(uid, p.PeerUID, p.ICECandidate)
}

func (ctl *SignalWSController) handlePing(uid domain.UserID, data []byte) {
	var p protocol.Ping
	if err := json.Unmarshal(data, &p); err != nil || p.PeerUID == "" {
		log.Error().Err(err).Str("module", "signal").Msg("bad ping payload")
		return
	}
	if !ctl.Limiter.Allow(uid) {
		log.Debug().Str("module", "signal").Str("uid", string(uid)).Msg("ping rate limited")
		return
	}
	_ = ctl.Orch.Relay.Ping(uid, p.PeerUID)
}
