package signal

import (
	"context"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleStatus(ctx context.Context, uid domain.UserID, s domain.Status) {
	if err := ctl.Orch.Presence.SetStatus(ctx, uid, s); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("uid", string(uid)).Msg("set status")
	}
}

func (ctl *SignalWSController) handleToggleMute(ctx context.Context, uid domain.UserID) {
	muted, err := ctl.Orch.Presence.ToggleMute(ctx, uid)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("uid", string(uid)).Msg("toggle mute")
		return
	}
	ctl.send(uid, protocol.Muted{Type: protocol.TypeMuted, Mute: muted})
}
