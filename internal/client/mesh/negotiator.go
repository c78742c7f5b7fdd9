package mesh

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("peer link closed")

// State is the negotiation phase of a link.
type State string

const (
	StateStable         State = "stable"
	StateMakingOffer    State = "making-offer"
	StateApplyingOffer  State = "applying-offer"
	StateApplyingAnswer State = "applying-answer"
	StateClosed         State = "closed"
)

// Negotiator runs perfect negotiation for one remote peer. All events are
// processed on the link's own queue, so the transport is never driven from
// two goroutines at once.
type Negotiator struct {
	local, remote domain.UserID
	polite        bool

	t           Transport
	sig         Signaler
	obs         Observer
	maxRestarts int

	q      *queue
	closed atomic.Bool

	mu          sync.Mutex
	state       State
	ignoreOffer bool
	conn        ConnectionState

	// owned by the queue goroutine
	restarts       int
	renegotiate    bool
	pendingRestart bool
}

// NewNegotiator wires t to the link. The role is fixed here: the side with
// the smaller user id is polite.
func NewNegotiator(local, remote domain.UserID, t Transport, sig Signaler, obs Observer, maxRestarts int) *Negotiator {
	n := &Negotiator{
		local:       local,
		remote:      remote,
		polite:      local < remote,
		t:           t,
		sig:         sig,
		obs:         obs,
		maxRestarts: maxRestarts,
		q:           newQueue(),
		state:       StateStable,
		conn:        ConnNew,
	}
	t.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if n.closed.Load() {
			return
		}
		if err := sig.SendCandidate(remote, c); err != nil {
			log.Debug().Err(err).Str("module", "mesh").Str("peer", string(remote)).Msg("send candidate")
		}
	})
	t.OnTrack(func(track *webrtc.TrackRemote) {
		if n.closed.Load() || obs == nil {
			return
		}
		obs.StreamAdded(remote, track)
	})
	t.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		n.q.push(func() { n.onICEState(s) })
	})
	return n
}

func (n *Negotiator) Remote() domain.UserID { return n.remote }
func (n *Negotiator) Polite() bool          { return n.polite }

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) ConnectionState() ConnectionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn
}

// IgnoringOffer reports whether the most recent remote offer was dropped as
// a collision.
func (n *Negotiator) IgnoringOffer() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ignoreOffer
}

func (n *Negotiator) setState(s State) {
	n.mu.Lock()
	if n.state != StateClosed {
		n.state = s
	}
	n.mu.Unlock()
}

// do runs fn on the queue and waits for it.
func (n *Negotiator) do(fn func() error) error {
	if n.closed.Load() {
		return ErrClosed
	}
	res := make(chan error, 1)
	if !n.q.push(func() { res <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-n.q.done:
		return ErrClosed
	}
}

// Negotiate sends a fresh offer, or schedules one if an exchange is already
// under way.
func (n *Negotiator) Negotiate() error {
	return n.do(func() error { return n.makeOffer(false) })
}

func (n *Negotiator) makeOffer(iceRestart bool) error {
	if n.closed.Load() {
		return ErrClosed
	}
	if n.t.SignalingState() != webrtc.SignalingStateStable {
		n.renegotiate = true
		n.pendingRestart = n.pendingRestart || iceRestart
		return nil
	}
	iceRestart = iceRestart || n.pendingRestart
	n.renegotiate = false
	n.pendingRestart = false
	n.setState(StateMakingOffer)
	defer n.setState(StateStable)

	offer, err := n.t.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if n.closed.Load() {
		return nil
	}
	if err := n.t.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if n.closed.Load() {
		return nil
	}
	if err := n.sig.SendDescription(n.remote, offer); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	log.Debug().Str("module", "mesh").Str("peer", string(n.remote)).Bool("ice_restart", iceRestart).Msg("offer sent")
	return nil
}

// HandleDescription applies a remote offer or answer. Events that arrive
// after Close are dropped.
func (n *Negotiator) HandleDescription(sd webrtc.SessionDescription) error {
	err := n.do(func() error { return n.applyDescription(sd) })
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (n *Negotiator) applyDescription(sd webrtc.SessionDescription) error {
	if n.closed.Load() {
		return nil
	}
	n.mu.Lock()
	settingAnswer := n.state == StateApplyingAnswer
	collision := sd.Type == webrtc.SDPTypeOffer &&
		(n.state == StateMakingOffer || (n.t.SignalingState() != webrtc.SignalingStateStable && !settingAnswer))
	n.ignoreOffer = !n.polite && collision
	ignore := n.ignoreOffer
	n.mu.Unlock()

	if ignore {
		log.Debug().Str("module", "mesh").Str("peer", string(n.remote)).Msg("offer collision, ignored")
		return nil
	}

	if sd.Type == webrtc.SDPTypeAnswer {
		n.setState(StateApplyingAnswer)
		defer n.setState(StateStable)
		if err := n.t.SetRemoteDescription(sd); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		return n.flushRenegotiation()
	}

	if collision {
		// Our offer is about to be rolled back; offer again once stable.
		log.Debug().Str("module", "mesh").Str("peer", string(n.remote)).Msg("offer collision, rolling back")
		n.renegotiate = true
	}
	n.setState(StateApplyingOffer)
	defer n.setState(StateStable)
	if err := n.t.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	if n.closed.Load() {
		return nil
	}
	answer, err := n.t.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := n.t.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if n.closed.Load() {
		return nil
	}
	if err := n.sig.SendDescription(n.remote, answer); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	return n.flushRenegotiation()
}

func (n *Negotiator) flushRenegotiation() error {
	if !n.renegotiate || n.t.SignalingState() != webrtc.SignalingStateStable {
		return nil
	}
	return n.makeOffer(n.pendingRestart)
}

// HandleCandidate applies a remote ICE candidate. Failures are expected, and
// swallowed, while the last remote offer was being ignored.
func (n *Negotiator) HandleCandidate(c webrtc.ICECandidateInit) error {
	err := n.do(func() error {
		if n.closed.Load() {
			return nil
		}
		err := n.t.AddICECandidate(c)
		if err == nil {
			return nil
		}
		if n.IgnoringOffer() {
			log.Debug().Err(err).Str("module", "mesh").Str("peer", string(n.remote)).Msg("candidate for ignored offer dropped")
			return nil
		}
		return fmt.Errorf("add candidate: %w", err)
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (n *Negotiator) onICEState(s webrtc.ICEConnectionState) {
	if n.closed.Load() {
		return
	}
	state := connectionState(s)
	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		n.restarts = 0
	case webrtc.ICEConnectionStateFailed:
		if n.restarts < n.maxRestarts {
			n.restarts++
			log.Warn().Str("module", "mesh").Str("peer", string(n.remote)).Int("attempt", n.restarts).Msg("ice failed, restarting")
			state = ConnConnecting
			if err := n.makeOffer(true); err != nil {
				log.Error().Err(err).Str("module", "mesh").Str("peer", string(n.remote)).Msg("ice restart")
			}
		} else {
			log.Error().Str("module", "mesh").Str("peer", string(n.remote)).Int("restarts", n.restarts).Msg("ice restarts exhausted")
		}
	}
	n.emitConn(state)
}

func (n *Negotiator) emitConn(s ConnectionState) {
	n.mu.Lock()
	changed := n.conn != s
	n.conn = s
	n.mu.Unlock()
	if changed && n.obs != nil {
		n.obs.ConnectionStateChanged(n.remote, s)
	}
}

// Close releases the transport. It is safe to call while an exchange is in
// flight; whatever completes afterwards is dropped.
func (n *Negotiator) Close() {
	if !n.closed.CompareAndSwap(false, true) {
		return
	}
	n.mu.Lock()
	n.state = StateClosed
	n.conn = ConnClosed
	n.mu.Unlock()
	// Listeners stay registered but check closed first.
	n.q.stop()
	if err := n.t.Close(); err != nil {
		log.Debug().Err(err).Str("module", "mesh").Str("peer", string(n.remote)).Msg("transport close")
	}
	if n.obs != nil {
		n.obs.ConnectionStateChanged(n.remote, ConnClosed)
	}
	log.Info().Str("module", "mesh").Str("peer", string(n.remote)).Msg("link closed")
}
