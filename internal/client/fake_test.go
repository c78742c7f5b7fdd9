package client

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/dkeye/huddle/internal/client/mesh"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	typ     string
	payload map[string]any
}

// fakeConn records emitted events and delivers inbound ones synchronously.
type fakeConn struct {
	mu        sync.Mutex
	out       []emitted
	handlers  map[string][]Handler
	onConnect []func(bool)
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[string][]Handler)}
}

func (f *fakeConn) Emit(typ string, payload any) error {
	m := map[string]any{}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.out = append(f.out, emitted{typ: typ, payload: m})
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) On(typ string, fn Handler) {
	f.mu.Lock()
	f.handlers[typ] = append(f.handlers[typ], fn)
	f.mu.Unlock()
}

func (f *fakeConn) OnConnect(fn func(bool)) {
	f.mu.Lock()
	f.onConnect = append(f.onConnect, fn)
	f.mu.Unlock()
}

func (f *fakeConn) deliver(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	typ, err := protocol.Peek(b)
	require.NoError(t, err)
	f.mu.Lock()
	hs := append([]Handler(nil), f.handlers[typ]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(b)
	}
}

func (f *fakeConn) connect(reconnect bool) {
	f.mu.Lock()
	fns := append([](func(bool))(nil), f.onConnect...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(reconnect)
	}
}

func (f *fakeConn) sent(typ string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, e := range f.out {
		if e.typ == typ {
			out = append(out, e.payload)
		}
	}
	return out
}

// stubTransport accepts any description and answers offers.
type stubTransport struct {
	mu     sync.Mutex
	state  webrtc.SignalingState
	closed bool
}

func (s *stubTransport) CreateOffer(bool) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (s *stubTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (s *stubTransport) SetLocalDescription(sd webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sd.Type == webrtc.SDPTypeOffer {
		s.state = webrtc.SignalingStateHaveLocalOffer
	} else {
		s.state = webrtc.SignalingStateStable
	}
	return nil
}

func (s *stubTransport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sd.Type == webrtc.SDPTypeOffer {
		s.state = webrtc.SignalingStateHaveRemoteOffer
	} else {
		s.state = webrtc.SignalingStateStable
	}
	return nil
}

func (s *stubTransport) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (s *stubTransport) SignalingState() webrtc.SignalingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubTransport) AddTrack(webrtc.TrackLocal) error                           { return nil }
func (s *stubTransport) OnICECandidate(func(webrtc.ICECandidateInit))               {}
func (s *stubTransport) OnTrack(func(*webrtc.TrackRemote))                          {}
func (s *stubTransport) OnICEConnectionStateChange(func(webrtc.ICEConnectionState)) {}

func (s *stubTransport) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func newTestSession(t *testing.T) (*RoomSession, *fakeConn, *mesh.Controller) {
	t.Helper()
	conn := newFakeConn()
	factory := func(domain.UserID) (mesh.Transport, error) {
		return &stubTransport{state: webrtc.SignalingStateStable}, nil
	}
	ctrl := mesh.NewController("alice", factory, Signaler{Conn: conn}, nil, 3)
	t.Cleanup(ctrl.CloseAll)
	return NewRoomSession(conn, ctrl), conn, ctrl
}
