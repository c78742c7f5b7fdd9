package orch

import (
	"context"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// Connect registers an authenticated connection; the newest one wins.
func (o *Orchestrator) Connect(uid domain.UserID, id core.ConnID, conn core.SignalConnection, cancel context.CancelFunc) {
	if evicted, ok := o.Registry.Register(uid, id, conn, cancel); ok {
		log.Info().Str("module", "orch").Str("uid", string(uid)).Str("evicted", string(evicted)).Msg("stale session replaced")
	}
}

// Disconnect runs when a connection's read loop ends and reports whether it
// was the user's live connection. An evicted connection leaves room state to
// its successor.
func (o *Orchestrator) Disconnect(ctx context.Context, uid domain.UserID, id core.ConnID) bool {
	if !o.Registry.Unregister(uid, id) {
		return false
	}
	if err := o.Rooms.TransferOnDisconnect(ctx, uid); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("uid", string(uid)).Msg("transfer on disconnect")
	}
	return true
}
