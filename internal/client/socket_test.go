package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/huddle/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signalServer accepts token "good" and answers every join with joined.
type signalServer struct {
	srv         *httptest.Server
	minVersion  int
	connects    atomic.Int32
	dropFirst   bool
	acceptToken string
}

func newSignalServer(t *testing.T, opts ...func(*signalServer)) *signalServer {
	t.Helper()
	s := &signalServer{minVersion: protocol.Version, acceptToken: "good"}
	for _, o := range opts {
		o(s)
	}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("v") != strconv.Itoa(protocol.Version) || s.minVersion > protocol.Version {
			w.WriteHeader(http.StatusUpgradeRequired)
			_ = json.NewEncoder(w).Encode(protocol.ConnectError{Reason: protocol.ReasonProtocolVersion})
			return
		}
		if r.URL.Query().Get("token") != s.acceptToken {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(protocol.ConnectError{Reason: protocol.ReasonForbidden})
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := s.connects.Add(1)
		if s.dropFirst && n == 1 {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			typ, _ := protocol.Peek(data)
			if typ == protocol.TypeJoin {
				_ = conn.WriteJSON(protocol.Joined{Type: protocol.TypeJoined, Room: "r1"})
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *signalServer) socket(tokens TokenSource) *Socket {
	return NewSocket(SocketConfig{
		URL:          "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/api/ws/signal",
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 40 * time.Millisecond,
	}, tokens)
}

type refreshingTokens struct {
	mu        sync.Mutex
	refreshes int
}

func (r *refreshingTokens) Token(_ context.Context, refresh bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if refresh {
		r.refreshes++
		return "good", nil
	}
	return "expired", nil
}

func run(t *testing.T, s *Socket) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errc
}

func TestSocketEmitOnOnce(t *testing.T) {
	srv := newSignalServer(t)
	s := srv.socket(StaticToken("good"))

	connected := make(chan bool, 4)
	s.OnConnect(func(reconnect bool) { connected <- reconnect })
	var on, once atomic.Int32
	s.On(protocol.TypeJoined, func(json.RawMessage) { on.Add(1) })
	s.Once(protocol.TypeJoined, func(json.RawMessage) { once.Add(1) })

	assert.ErrorIs(t, s.Emit(protocol.TypeJoin, nil), ErrNotConnected)
	run(t, s)
	select {
	case reconnect := <-connected:
		assert.False(t, reconnect)
	case <-time.After(2 * time.Second):
		t.Fatal("not connected")
	}

	require.NoError(t, s.Emit(protocol.TypeJoin, protocol.Join{}))
	require.NoError(t, s.Emit(protocol.TypeJoin, protocol.Join{}))
	require.Eventually(t, func() bool { return on.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), once.Load())
}

func TestSocketRefreshesRejectedToken(t *testing.T) {
	srv := newSignalServer(t)
	tokens := &refreshingTokens{}
	s := srv.socket(tokens)
	connected := make(chan bool, 1)
	s.OnConnect(func(reconnect bool) { connected <- reconnect })

	run(t, s)
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("not connected")
	}
	tokens.mu.Lock()
	assert.Equal(t, 1, tokens.refreshes)
	tokens.mu.Unlock()
}

func TestSocketProtocolVersionIsFatal(t *testing.T) {
	srv := newSignalServer(t, func(s *signalServer) { s.minVersion = protocol.Version + 1 })
	s := srv.socket(StaticToken("good"))

	_, errc := run(t, s)
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrProtocolVersion)
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept retrying")
	}
	assert.Zero(t, srv.connects.Load())
}

func TestSocketReconnects(t *testing.T) {
	srv := newSignalServer(t, func(s *signalServer) { s.dropFirst = true })
	s := srv.socket(StaticToken("good"))

	connected := make(chan bool, 4)
	s.OnConnect(func(reconnect bool) { connected <- reconnect })
	cancel, errc := run(t, s)

	var got []bool
	for len(got) < 2 {
		select {
		case r := <-connected:
			got = append(got, r)
		case <-time.After(2 * time.Second):
			t.Fatalf("connect notifications: %v", got)
		}
	}
	assert.Equal(t, []bool{false, true}, got)

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
