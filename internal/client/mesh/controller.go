package mesh

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// TransportFactory opens a fresh transport towards remote.
type TransportFactory func(remote domain.UserID) (Transport, error)

// Controller owns one Negotiator per remote peer in the current room.
type Controller struct {
	local        domain.UserID
	newTransport TransportFactory
	sig          Signaler
	obs          Observer
	maxRestarts  int

	mu    sync.Mutex
	track webrtc.TrackLocal
	peers map[domain.UserID]*Negotiator
}

func NewController(local domain.UserID, factory TransportFactory, sig Signaler, obs Observer, maxRestarts int) *Controller {
	return &Controller{
		local:        local,
		newTransport: factory,
		sig:          sig,
		obs:          obs,
		maxRestarts:  maxRestarts,
		peers:        make(map[domain.UserID]*Negotiator),
	}
}

// SetLocalTrack sets the outbound track attached to links created from now on.
func (c *Controller) SetLocalTrack(t webrtc.TrackLocal) {
	c.mu.Lock()
	c.track = t
	c.mu.Unlock()
}

// AddPeer opens a link to remote, replacing any existing one. The offering
// side starts negotiation once the local track is attached.
func (c *Controller) AddPeer(remote domain.UserID, shouldCreateOffer bool) error {
	t, err := c.newTransport(remote)
	if err != nil {
		return fmt.Errorf("open transport to %s: %w", remote, err)
	}

	c.mu.Lock()
	track := c.track
	if track != nil {
		if err := t.AddTrack(track); err != nil {
			c.mu.Unlock()
			_ = t.Close()
			return fmt.Errorf("attach local track for %s: %w", remote, err)
		}
	}
	n := NewNegotiator(c.local, remote, t, c.sig, c.obs, c.maxRestarts)
	old := c.peers[remote]
	c.peers[remote] = n
	c.mu.Unlock()

	if old != nil {
		log.Info().Str("module", "mesh").Str("peer", string(remote)).Msg("replacing existing link")
		old.Close()
	}
	log.Info().Str("module", "mesh").Str("peer", string(remote)).Bool("polite", n.Polite()).Bool("offer", shouldCreateOffer).Msg("peer added")
	if shouldCreateOffer {
		return n.Negotiate()
	}
	return nil
}

func (c *Controller) RemovePeer(remote domain.UserID) {
	c.mu.Lock()
	n, ok := c.peers[remote]
	delete(c.peers, remote)
	c.mu.Unlock()
	if ok {
		n.Close()
	}
}

// CloseAll tears down every link; used when the local user leaves the room.
func (c *Controller) CloseAll() {
	c.mu.Lock()
	links := c.peers
	c.peers = make(map[domain.UserID]*Negotiator)
	c.mu.Unlock()
	for _, n := range links {
		n.Close()
	}
}

func (c *Controller) Peer(remote domain.UserID) (*Negotiator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.peers[remote]
	return n, ok
}

func (c *Controller) Peers() []domain.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.UserID, 0, len(c.peers))
	for uid := range c.peers {
		out = append(out, uid)
	}
	slices.Sort(out)
	return out
}

// HandleDescription routes a remote description to its link. Payloads for
// unknown peers are stale and dropped.
func (c *Controller) HandleDescription(remote domain.UserID, sd webrtc.SessionDescription) error {
	n, ok := c.Peer(remote)
	if !ok {
		log.Debug().Str("module", "mesh").Str("peer", string(remote)).Msg("description for unknown peer")
		return nil
	}
	return n.HandleDescription(sd)
}

func (c *Controller) HandleCandidate(remote domain.UserID, cand webrtc.ICECandidateInit) error {
	n, ok := c.Peer(remote)
	if !ok {
		log.Debug().Str("module", "mesh").Str("peer", string(remote)).Msg("candidate for unknown peer")
		return nil
	}
	return n.HandleCandidate(cand)
}

// genericSignal is the payload of a "signal" event: either a session
// description or a candidate.
type genericSignal struct {
	Type      webrtc.SDPType `json:"type,omitempty"`
	SDP       string         `json:"sdp,omitempty"`
	Candidate *string        `json:"candidate,omitempty"`

	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// HandleSignal decodes a generic signal payload.
func (c *Controller) HandleSignal(remote domain.UserID, data json.RawMessage) error {
	var g genericSignal
	if err := json.Unmarshal(data, &g); err != nil {
		return fmt.Errorf("decode signal from %s: %w", remote, err)
	}
	if g.Candidate != nil {
		return c.HandleCandidate(remote, webrtc.ICECandidateInit{
			Candidate:     *g.Candidate,
			SDPMid:        g.SDPMid,
			SDPMLineIndex: g.SDPMLineIndex,
		})
	}
	if g.SDP == "" {
		return fmt.Errorf("signal from %s: empty payload", remote)
	}
	return c.HandleDescription(remote, webrtc.SessionDescription{Type: g.Type, SDP: g.SDP})
}
