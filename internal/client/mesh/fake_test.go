package mesh

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/webrtc/v4"
)

// fakeTransport models the signaling state machine of a peer connection.
type fakeTransport struct {
	name string

	mu          sync.Mutex
	state       webrtc.SignalingState
	offers      int
	iceRestarts int
	rollbacks   int
	remote      []string
	tracks      int
	closed      bool
	badCands    bool
	hasRemote   bool
	offerGate   chan struct{}

	onCand  func(webrtc.ICECandidateInit)
	onTrack func(*webrtc.TrackRemote)
	onICE   func(webrtc.ICEConnectionState)
}

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{name: name, state: webrtc.SignalingStateStable}
}

func (f *fakeTransport) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	gate := f.offerGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	if iceRestart {
		f.iceRestarts++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%s-%d", f.name, f.offers)}, nil
}

func (f *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + f.name}, nil
}

func (f *fakeTransport) SetLocalDescription(sd webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case sd.Type == webrtc.SDPTypeOffer && f.state == webrtc.SignalingStateStable:
		f.state = webrtc.SignalingStateHaveLocalOffer
	case sd.Type == webrtc.SDPTypeAnswer && f.state == webrtc.SignalingStateHaveRemoteOffer:
		f.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("set local %s in %s", sd.Type, f.state)
	}
	return nil
}

func (f *fakeTransport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case sd.Type == webrtc.SDPTypeOffer && f.state == webrtc.SignalingStateHaveLocalOffer:
		f.rollbacks++
		f.state = webrtc.SignalingStateHaveRemoteOffer
	case sd.Type == webrtc.SDPTypeOffer && f.state == webrtc.SignalingStateStable:
		f.state = webrtc.SignalingStateHaveRemoteOffer
	case sd.Type == webrtc.SDPTypeAnswer && f.state == webrtc.SignalingStateHaveLocalOffer:
		f.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("set remote %s in %s", sd.Type, f.state)
	}
	f.hasRemote = true
	f.remote = append(f.remote, sd.SDP)
	return nil
}

func (f *fakeTransport) AddICECandidate(webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.badCands || !f.hasRemote {
		return errors.New("candidate rejected")
	}
	return nil
}

func (f *fakeTransport) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) AddTrack(webrtc.TrackLocal) error {
	f.mu.Lock()
	f.tracks++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	f.onCand = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnTrack(fn func(*webrtc.TrackRemote)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	f.mu.Lock()
	f.onICE = fn
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) fireICE(s webrtc.ICEConnectionState) {
	f.mu.Lock()
	fn := f.onICE
	f.mu.Unlock()
	fn(s)
}

func (f *fakeTransport) fireCandidate(c string) {
	f.mu.Lock()
	fn := f.onCand
	f.mu.Unlock()
	fn(webrtc.ICECandidateInit{Candidate: c})
}

func (f *fakeTransport) snapshot() (webrtc.SignalingState, []string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, append([]string(nil), f.remote...), f.rollbacks
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type sent struct {
	to   domain.UserID
	sd   *webrtc.SessionDescription
	cand *webrtc.ICECandidateInit
}

// sinkSignaler records outbound payloads.
type sinkSignaler struct {
	mu  sync.Mutex
	out []sent
}

func (s *sinkSignaler) SendDescription(to domain.UserID, sd webrtc.SessionDescription) error {
	s.mu.Lock()
	s.out = append(s.out, sent{to: to, sd: &sd})
	s.mu.Unlock()
	return nil
}

func (s *sinkSignaler) SendCandidate(to domain.UserID, c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	s.out = append(s.out, sent{to: to, cand: &c})
	s.mu.Unlock()
	return nil
}

func (s *sinkSignaler) descriptions() []webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []webrtc.SessionDescription
	for _, m := range s.out {
		if m.sd != nil {
			out = append(out, *m.sd)
		}
	}
	return out
}

// pipe delivers one side's payloads to the other side's negotiator, in
// order, on its own goroutine. Delivery starts paused until release.
type pipe struct {
	target  func() *Negotiator
	ch      chan sent
	release chan struct{}
	once    sync.Once
}

func newPipe(target func() *Negotiator) *pipe {
	p := &pipe{target: target, ch: make(chan sent, 64), release: make(chan struct{})}
	go func() {
		<-p.release
		for m := range p.ch {
			n := p.target()
			if m.sd != nil {
				_ = n.HandleDescription(*m.sd)
			} else {
				_ = n.HandleCandidate(*m.cand)
			}
		}
	}()
	return p
}

func (p *pipe) open() { p.once.Do(func() { close(p.release) }) }

func (p *pipe) SendDescription(to domain.UserID, sd webrtc.SessionDescription) error {
	p.ch <- sent{to: to, sd: &sd}
	return nil
}

func (p *pipe) SendCandidate(to domain.UserID, c webrtc.ICECandidateInit) error {
	p.ch <- sent{to: to, cand: &c}
	return nil
}

type recordingObserver struct {
	mu     sync.Mutex
	states map[domain.UserID][]ConnectionState
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{states: make(map[domain.UserID][]ConnectionState)}
}

func (o *recordingObserver) StreamAdded(domain.UserID, *webrtc.TrackRemote) {}

func (o *recordingObserver) ConnectionStateChanged(remote domain.UserID, s ConnectionState) {
	o.mu.Lock()
	o.states[remote] = append(o.states[remote], s)
	o.mu.Unlock()
}

func (o *recordingObserver) of(remote domain.UserID) []ConnectionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ConnectionState(nil), o.states[remote]...)
}

func userID(s string) domain.UserID { return domain.UserID(s) }
