package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// ErrPeerGone means the target user has no live connection.
var ErrPeerGone = errors.New("peer gone")

type connEntry struct {
	ID     core.ConnID
	Conn   core.SignalConnection
	Cancel context.CancelFunc
}

// Registry maps each user to exactly one live connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.UserID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[domain.UserID]*connEntry)}
}

// Register installs conn for uid. A previous connection of the same user is
// closed before the new mapping becomes visible; its id is returned.
func (r *Registry) Register(
	uid domain.UserID,
	id core.ConnID,
	conn core.SignalConnection,
	cancel context.CancelFunc,
) (core.ConnID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, evicted := r.conns[uid]
	if evicted && old.ID != id {
		if old.Cancel != nil {
			old.Cancel()
		}
		old.Conn.Close()
		log.Info().Str("module", "app.registry").Str("uid", string(uid)).Str("conn", string(old.ID)).Msg("evicted stale session")
	}
	r.conns[uid] = &connEntry{ID: id, Conn: conn, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("uid", string(uid)).Str("conn", string(id)).Msg("registered session")
	if !evicted || old.ID == id {
		return "", false
	}
	return old.ID, true
}

// Unregister drops the mapping only if it still points at id. It reports
// whether it did, so disconnect cleanup is skipped for evicted connections.
func (r *Registry) Unregister(uid domain.UserID, id core.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[uid]
	if !ok || e.ID != id {
		log.Debug().Str("module", "app.registry").Str("uid", string(uid)).Str("conn", string(id)).Msg("stale unregister ignored")
		return false
	}
	delete(r.conns, uid)
	log.Info().Str("module", "app.registry").Str("uid", string(uid)).Str("conn", string(id)).Msg("unregistered session")
	return true
}

func (r *Registry) Lookup(uid domain.UserID) (core.SignalConnection, core.ConnID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[uid]
	if !ok {
		return nil, "", false
	}
	return e.Conn, e.ID, true
}

func (r *Registry) ConnOf(uid domain.UserID) (core.ConnID, bool) {
	_, id, ok := r.Lookup(uid)
	return id, ok
}

// Cancel tears down the live connection of uid, if any.
func (r *Registry) Cancel(uid domain.UserID) bool {
	r.mu.RLock()
	e, ok := r.conns[uid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	e.Conn.Close()
	log.Info().Str("module", "app.registry").Str("uid", string(uid)).Msg("canceled session")
	return true
}

// Send encodes v and queues it on the user's connection.
func (r *Registry) Send(uid domain.UserID, v any) error {
	conn, _, ok := r.Lookup(uid)
	if !ok {
		return fmt.Errorf("send to %s: %w", uid, ErrPeerGone)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return conn.TrySend(b)
}

func (r *Registry) Online() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.conns))
	for uid := range r.conns {
		out = append(out, uid)
	}
	slices.Sort(out)
	return out
}
