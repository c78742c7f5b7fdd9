package app

import (
	"context"
	"fmt"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/presence"
	"github.com/rs/zerolog/log"
)

// PresenceService writes per-user status and mute fields.
type PresenceService struct {
	store core.PresenceStore
}

func NewPresenceService(store core.PresenceStore) *PresenceService {
	return &PresenceService{store: store}
}

func (p *PresenceService) SetStatus(ctx context.Context, uid domain.UserID, s domain.Status) error {
	if err := p.store.Set(ctx, presence.UserStatus(uid), string(s)); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	log.Info().Str("module", "app.presence").Str("uid", string(uid)).Str("status", string(s)).Msg("status")
	return nil
}

// ToggleMute flips users/{uid}/mute and returns the new value.
func (p *PresenceService) ToggleMute(ctx context.Context, uid domain.UserID) (bool, error) {
	var muted bool
	err := p.store.Transaction(ctx, presence.UserMute(uid), func(cur any) (any, error) {
		prev, _ := cur.(bool)
		muted = !prev
		return muted, nil
	})
	if err != nil {
		return false, fmt.Errorf("toggle mute: %w", err)
	}
	return muted, nil
}

// Get reads the presence document of uid.
func (p *PresenceService) Get(ctx context.Context, uid domain.UserID) (domain.Presence, error) {
	v, ok, err := p.store.Get(ctx, presence.User(uid))
	if err != nil || !ok {
		return domain.Presence{}, err
	}
	doc, _ := v.(map[string]any)
	out := domain.Presence{}
	if s, ok := doc["room"].(string); ok {
		out.Room = domain.RoomID(s)
	}
	if s, ok := doc["roomState"].(string); ok {
		out.RoomState = domain.RoomState(s)
	}
	if s, ok := doc["status"].(string); ok {
		out.Status = domain.Status(s)
	}
	out.Mute, _ = doc["mute"].(bool)
	return out, nil
}
