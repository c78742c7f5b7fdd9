package signal

import (
	"context"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.Cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump keepalive")
				return
			}
		}
	}
}

// readPump is the connection's single inbound queue: frames are handled one
// at a time, in arrival order.
func (ctl *SignalWSController) readPump(ctx context.Context, uid domain.UserID, id core.ConnID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("uid", string(uid)).Str("conn", string(id)).Msg("readPump closing")
		c.Close()
		if ctl.Orch.Disconnect(context.WithoutCancel(ctx), uid, id) {
			ctl.Limiter.Forget(uid)
		}
	}()

	pongWait := ctl.Cfg.PingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("uid", string(uid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().Err(err).Str("module", "signal").Str("uid", string(uid)).Msg("readPump read error")
				}
				return
			}
			ctl.handleSignal(ctx, uid, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, uid domain.UserID, data []byte) {
	typ, err := protocol.Peek(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch typ {
	case protocol.TypeJoin:
		ctl.handleJoin(ctx, uid, data)
	case protocol.TypeLeave:
		ctl.handleLeave(ctx, uid)
	case protocol.TypeLock:
		ctl.handleLock(ctx, uid, data)
	case protocol.TypeSignal:
		ctl.handleRelaySignal(uid, data)
	case protocol.TypeRelaySessionDescription:
		ctl.handleRelaySessionDescription(uid, data)
	case protocol.TypeRelayICECandidate:
		ctl.handleRelayICECandidate(uid, data)
	case protocol.TypeActive:
		ctl.handleStatus(ctx, uid, domain.StatusActive)
	case protocol.TypeIdle:
		ctl.handleStatus(ctx, uid, domain.StatusIdle)
	case protocol.TypePing:
		ctl.handlePing(uid, data)
	case protocol.TypeToggleMute:
		ctl.handleToggleMute(ctx, uid)
	default:
		log.Warn().Str("module", "signal").Str("type", typ).Msg("unknown signal")
	}
}
