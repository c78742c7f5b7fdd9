package orch

import (
	"errors"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// Orchestrator wires the registry, room manager and relay together and is the
// single entry point used by transport adapters.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    *app.RoomManager
	Relay    *app.SignalRelay
	Presence *app.PresenceService
	Policy   app.Policy
}

func New(store core.PresenceStore, policy app.Policy) *Orchestrator {
	o := &Orchestrator{
		Registry: app.NewRegistry(),
		Presence: app.NewPresenceService(store),
		Policy:   policy,
	}
	o.Rooms = app.NewRoomManager(store, o)
	o.Relay = app.NewSignalRelay(o)
	return o
}

// Send delivers v to uid and applies the backpressure policy to slow consumers.
func (o *Orchestrator) Send(uid domain.UserID, v any) error {
	err := o.Registry.Send(uid, v)
	if !errors.Is(err, core.ErrBackpressure) || o.Policy == nil {
		return err
	}
	switch o.Policy.OnBackPressure(uid) {
	case app.KickMember:
		log.Warn().Str("module", "orch").Str("uid", string(uid)).Msg("send queue full, kicking")
		o.Registry.Cancel(uid)
	case app.DropFrame, app.NoAction:
	}
	return err
}

func (o *Orchestrator) ConnOf(uid domain.UserID) (core.ConnID, bool) {
	return o.Registry.ConnOf(uid)
}
