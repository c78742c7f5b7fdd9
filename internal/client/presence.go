package client

import (
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

type visibility int

const (
	visibilityUnknown visibility = iota
	visibilityVisible
	visibilityHidden
)

// PresenceMonitor turns foreground/background transitions into presence
// events: visible users are active and get a room, hidden ones go idle after
// a grace period and leave a room they are alone in.
type PresenceMonitor struct {
	conn        Conn
	session     *RoomSession
	idleTimeout time.Duration

	mu    sync.Mutex
	state visibility
	timer *time.Timer
	gen   uint64
}

func NewPresenceMonitor(conn Conn, session *RoomSession, idleTimeout time.Duration) *PresenceMonitor {
	return &PresenceMonitor{conn: conn, session: session, idleTimeout: idleTimeout}
}

// Visible is edge-triggered; repeated calls are ignored.
func (p *PresenceMonitor) Visible() {
	p.mu.Lock()
	if p.state == visibilityVisible {
		p.mu.Unlock()
		return
	}
	p.state = visibilityVisible
	p.cancelLocked()
	p.mu.Unlock()

	if err := p.conn.Emit(protocol.TypeActive, nil); err != nil {
		log.Warn().Err(err).Str("module", "client.presence").Msg("emit active")
	}
	if _, inRoom := p.session.Room(); inRoom || p.session.Transitioning() {
		return
	}
	if err := p.session.Join(nil, false); err != nil {
		log.Warn().Err(err).Str("module", "client.presence").Msg("auto join")
	}
}

// Hidden arms the idle timer; repeated calls are ignored.
func (p *PresenceMonitor) Hidden() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == visibilityHidden {
		return
	}
	p.state = visibilityHidden
	p.cancelLocked()
	gen := p.gen
	p.timer = time.AfterFunc(p.idleTimeout, func() { p.fire(gen) })
}

// Stop cancels a pending idle timer.
func (p *PresenceMonitor) Stop() {
	p.mu.Lock()
	p.cancelLocked()
	p.mu.Unlock()
}

func (p *PresenceMonitor) cancelLocked() {
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *PresenceMonitor) fire(gen uint64) {
	p.mu.Lock()
	// A timer that was stopped too late must not act.
	if gen != p.gen || p.state != visibilityHidden {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	p.mu.Unlock()

	size := p.session.Size()
	if size > 1 {
		return
	}
	if err := p.conn.Emit(protocol.TypeIdle, nil); err != nil {
		log.Warn().Err(err).Str("module", "client.presence").Msg("emit idle")
	}
	if size == 1 {
		if err := p.session.Leave(); err != nil {
			log.Warn().Err(err).Str("module", "client.presence").Msg("leave on idle")
		}
	}
}
