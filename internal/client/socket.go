// Package client is the headless side of the signaling protocol: the socket,
// the room session built on it, and the presence monitor.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrForbidden       = errors.New("forbidden")
	ErrProtocolVersion = errors.New("protocol version not supported by server")
	ErrNotConnected    = errors.New("not connected")
	ErrSendQueueFull   = errors.New("send queue full")
)

// TokenSource yields bearer tokens. refresh asks for a new one after the
// server rejected the previous token.
type TokenSource interface {
	Token(ctx context.Context, refresh bool) (string, error)
}

type StaticToken string

func (t StaticToken) Token(context.Context, bool) (string, error) { return string(t), nil }

// Handler receives the raw frame of an event.
type Handler func(data json.RawMessage)

type SocketConfig struct {
	URL          string
	Version      int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	SendBuffer   int
}

type listener struct {
	fn   Handler
	once bool
}

type inbound struct {
	typ       string
	data      json.RawMessage
	connected *bool
}

// Socket keeps one signaling connection alive, reconnecting with backoff.
// Events and connect notifications are dispatched one at a time on a single
// goroutine.
type Socket struct {
	cfg    SocketConfig
	tokens TokenSource
	dialer websocket.Dialer

	mu        sync.Mutex
	listeners map[string][]*listener
	onConnect []func(reconnect bool)
	send      chan []byte

	events chan inbound
}

func NewSocket(cfg SocketConfig, tokens TokenSource) *Socket {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.Version == 0 {
		cfg.Version = protocol.Version
	}
	return &Socket{
		cfg:       cfg,
		tokens:    tokens,
		dialer:    websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		listeners: make(map[string][]*listener),
		events:    make(chan inbound, 256),
	}
}

func (s *Socket) On(typ string, fn Handler) {
	s.mu.Lock()
	s.listeners[typ] = append(s.listeners[typ], &listener{fn: fn})
	s.mu.Unlock()
}

// Once registers a listener that fires for the next event of typ only.
func (s *Socket) Once(typ string, fn Handler) {
	s.mu.Lock()
	s.listeners[typ] = append(s.listeners[typ], &listener{fn: fn, once: true})
	s.mu.Unlock()
}

// OnConnect runs fn after every successful connect; reconnect is false the
// first time.
func (s *Socket) OnConnect(fn func(reconnect bool)) {
	s.mu.Lock()
	s.onConnect = append(s.onConnect, fn)
	s.mu.Unlock()
}

// Emit queues an event. payload may be nil or any value encoding to a JSON
// object; its fields are sent next to "type".
func (s *Socket) Emit(typ string, payload any) error {
	frame := map[string]any{}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", typ, err)
		}
		if err := json.Unmarshal(b, &frame); err != nil {
			return fmt.Errorf("encode %s: payload is not an object: %w", typ, err)
		}
	}
	frame["type"] = typ
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.send == nil {
		return ErrNotConnected
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Run connects and keeps reconnecting until ctx ends or the server rejects
// the protocol version.
func (s *Socket) Run(ctx context.Context) error {
	go s.dispatch(ctx)

	attempt := 0
	refresh := false
	connected := false
	for {
		tok, err := s.tokens.Token(ctx, refresh)
		if err != nil {
			log.Error().Err(err).Str("module", "client.socket").Msg("token")
		} else {
			conn, err := s.dial(ctx, tok)
			switch {
			case errors.Is(err, ErrProtocolVersion):
				log.Error().Err(err).Str("module", "client.socket").Msg("upgrade required")
				return err
			case errors.Is(err, ErrForbidden):
				log.Warn().Str("module", "client.socket").Msg("token rejected, refreshing")
				refresh = true
			case err != nil:
				log.Warn().Err(err).Str("module", "client.socket").Int("attempt", attempt).Msg("dial failed")
			default:
				attempt, refresh = 0, false
				s.serve(ctx, conn, connected)
				connected = true
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := sleep(ctx, s.backoff(attempt)); err != nil {
			return err
		}
		attempt++
	}
}

func (s *Socket) backoff(attempt int) time.Duration {
	d := s.cfg.ReconnectMin
	for i := 0; i < attempt && d < s.cfg.ReconnectMax; i++ {
		d *= 2
	}
	return min(d, s.cfg.ReconnectMax)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Socket) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("v", strconv.Itoa(s.cfg.Version))
	u.RawQuery = q.Encode()

	conn, resp, err := s.dialer.DialContext(ctx, u.String(), nil)
	if err == nil {
		return conn, nil
	}
	if resp == nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	defer resp.Body.Close()
	var body protocol.ConnectError
	_ = json.NewDecoder(resp.Body).Decode(&body)
	switch {
	case resp.StatusCode == http.StatusUpgradeRequired || body.Reason == protocol.ReasonProtocolVersion:
		return nil, ErrProtocolVersion
	case resp.StatusCode == http.StatusUnauthorized || body.Reason == protocol.ReasonForbidden:
		return nil, ErrForbidden
	}
	return nil, fmt.Errorf("websocket dial: %s: %w", resp.Status, err)
}

// serve pumps one connection until it drops.
func (s *Socket) serve(ctx context.Context, conn *websocket.Conn, reconnect bool) {
	send := make(chan []byte, s.cfg.SendBuffer)
	s.mu.Lock()
	s.send = send
	s.mu.Unlock()
	log.Info().Str("module", "client.socket").Bool("reconnect", reconnect).Msg("connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = conn.Close()
				return
			case data, ok := <-send:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					log.Warn().Err(err).Str("module", "client.socket").Msg("write")
					_ = conn.Close()
					return
				}
			}
		}
	}()

	select {
	case s.events <- inbound{connected: &reconnect}:
	case <-ctx.Done():
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "client.socket").Msg("connection lost")
			}
			break
		}
		typ, err := protocol.Peek(data)
		if err != nil {
			log.Error().Err(err).Str("module", "client.socket").Msg("bad frame")
			continue
		}
		select {
		case s.events <- inbound{typ: typ, data: data}:
		case <-ctx.Done():
		}
	}

	s.mu.Lock()
	s.send = nil
	s.mu.Unlock()
	close(send)
	_ = conn.Close()
	<-done
}

func (s *Socket) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			if ev.connected != nil {
				s.mu.Lock()
				fns := append([]func(bool){}, s.onConnect...)
				s.mu.Unlock()
				for _, fn := range fns {
					fn(*ev.connected)
				}
				continue
			}
			for _, fn := range s.take(ev.typ) {
				fn(ev.data)
			}
		}
	}
}

// take returns the listeners for typ and drops the one-shot ones.
func (s *Socket) take(typ string) []Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := s.listeners[typ]
	out := make([]Handler, 0, len(ls))
	kept := ls[:0]
	for _, l := range ls {
		out = append(out, l.fn)
		if !l.once {
			kept = append(kept, l)
		}
	}
	s.listeners[typ] = kept
	return out
}
