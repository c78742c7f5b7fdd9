package signal

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrConnClosed = errors.New("connection closed")

type SignalWSController struct {
	Orch     *orch.Orchestrator
	Verifier core.IdentityVerifier
	Cfg      *config.Config
	Limiter  *RoomRateLimiter
}

func NewSignalWSController(o *orch.Orchestrator, verifier core.IdentityVerifier, cfg *config.Config) *SignalWSController {
	return &SignalWSController{
		Orch:     o,
		Verifier: verifier,
		Cfg:      cfg,
		Limiter:  NewRoomRateLimiter(10, 10*time.Second),
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// bearerToken reads the token from the "token" connection parameter or the
// Authorization header.
func bearerToken(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	return strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
}

// HandleSignal authenticates and upgrades a signaling connection. Rejections
// happen before the upgrade and before any room state is touched.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	v, err := strconv.Atoi(c.Query("v"))
	if err != nil || v < ctl.Cfg.MinProtocolVersion {
		log.Warn().Str("module", "signal").Str("v", c.Query("v")).Msg("protocol version rejected")
		c.JSON(http.StatusUpgradeRequired, protocol.ConnectError{Reason: protocol.ReasonProtocolVersion})
		return
	}

	uid, err := ctl.Verifier.Verify(c.Request.Context(), bearerToken(c))
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("authentication failed")
		c.JSON(http.StatusUnauthorized, protocol.ConnectError{Reason: protocol.ReasonForbidden})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.Cfg.ReadLimit)

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.Cfg.SendBuffer),
	}
	id := core.NewConnID()
	connCtx, cancel := context.WithCancel(ctx)
	ctl.Orch.Connect(uid, id, conn, cancel)
	log.Info().Str("module", "signal").Str("uid", string(uid)).Str("conn", string(id)).Msg("new WS connection")

	go ctl.writePump(connCtx, conn)
	go ctl.readPump(connCtx, uid, id, conn)
}

func (ctl *SignalWSController) send(uid domain.UserID, v any) {
	if err := ctl.Orch.Send(uid, v); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("uid", string(uid)).Msg("send")
	}
}
