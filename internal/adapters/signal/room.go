package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(ctx context.Context, uid domain.UserID, data []byte) {
	var p protocol.Join
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		return
	}
	if !ctl.Limiter.Allow(uid) {
		ctl.send(uid, protocol.JoinRejected{Type: protocol.TypeJoinRejected, Room: p.Room, Reason: protocol.RejectRateLimited})
		return
	}

	// joined and the addPeer introductions are sent by the room manager.
	_, err := ctl.Orch.Rooms.Join(ctx, uid, p.Room, p.Locked)
	if err == nil {
		return
	}
	reason := rejectReason(err)
	if reason == "" {
		log.Error().Err(err).Str("module", "signal").Str("uid", string(uid)).Msg("join")
		return
	}
	log.Info().Err(err).Str("module", "signal").Str("uid", string(uid)).Str("reason", reason).Msg("join rejected")
	ctl.send(uid, protocol.JoinRejected{Type: protocol.TypeJoinRejected, Room: p.Room, Reason: reason})
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, app.ErrTransitionInProgress):
		return protocol.RejectTransitioning
	case errors.Is(err, app.ErrRoomLocked):
		return protocol.RejectLocked
	case errors.Is(err, app.ErrRoomNotFound):
		return protocol.RejectNotFound
	}
	return ""
}

func (ctl *SignalWSController) handleLeave(ctx context.Context, uid domain.UserID) {
	err := ctl.Orch.Rooms.Leave(ctx, uid)
	if errors.Is(err, app.ErrTransitionInProgress) {
		log.Debug().Str("module", "signal").Str("uid", string(uid)).Msg("leave during transition ignored")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("uid", string(uid)).Msg("leave")
	}
	ctl.send(uid, protocol.Simple(protocol.TypeLeft))
}

func (ctl *SignalWSController) handleLock(ctx context.Context, uid domain.UserID, data []byte) {
	var p protocol.Lock
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad lock payload")
		return
	}
	if _, err := ctl.Orch.Rooms.SetLocked(ctx, uid, p.Locked); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("uid", string(uid)).Msg("lock")
	}
}
