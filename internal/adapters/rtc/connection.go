package rtc

import (
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/huddle/internal/client/mesh"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var _ mesh.Transport = (*Connection)(nil)

// Connection wraps a pion PeerConnection towards one remote user. The
// underlying PeerConnection is replaced when a pending local offer has to
// give way to a remote one.
type Connection struct {
	cfg    webrtc.Configuration
	remote domain.UserID

	mu      sync.RWMutex
	pc      *webrtc.PeerConnection
	tracks  []webrtc.TrackLocal
	onICE   func(webrtc.ICECandidateInit)
	onTrack func(*webrtc.TrackRemote)
	onState func(webrtc.ICEConnectionState)
}

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

func NewConnection(cfg webrtc.Configuration, remote domain.UserID) (*Connection, error) {
	c := &Connection{cfg: cfg, remote: remote}
	pc, err := c.open(nil)
	if err != nil {
		return nil, err
	}
	c.pc = pc
	return c, nil
}

// open creates a PeerConnection carrying tracks. Its callbacks are dropped
// once it is no longer the current one.
func (c *Connection) open(tracks []webrtc.TrackLocal) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(c.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	remote := c.remote

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.mu.RLock()
		fn, current := c.onState, c.pc == pc
		c.mu.RUnlock()
		if !current {
			return
		}
		log.Info().Str("module", "webrtc").Str("peer", string(remote)).Str("ice_state", s.String()).Msg("ICE state")
		if fn != nil {
			fn(s)
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.RLock()
		fn, current := c.onICE, c.pc == pc
		c.mu.RUnlock()
		if current && fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		go drainRTCP(receiver)
		c.mu.RLock()
		fn, current := c.onTrack, c.pc == pc
		c.mu.RUnlock()
		if !current {
			return
		}
		log.Info().
			Str("module", "webrtc").
			Str("peer", string(remote)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if fn != nil {
			fn(track)
		}
	})

	for _, t := range tracks {
		if err := addTrack(pc, t); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}
	return pc, nil
}

func (c *Connection) peer() *webrtc.PeerConnection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pc
}

// rebuild swaps in a fresh PeerConnection with the same local tracks and
// closes the old one. pion has no rollback out of have-local-offer.
func (c *Connection) rebuild() error {
	c.mu.RLock()
	tracks := slices.Clone(c.tracks)
	c.mu.RUnlock()

	pc, err := c.open(tracks)
	if err != nil {
		return err
	}
	c.mu.Lock()
	old := c.pc
	c.pc = pc
	c.mu.Unlock()
	if err := old.Close(); err != nil {
		log.Debug().Err(err).Str("module", "webrtc").Str("peer", string(c.remote)).Msg("close replaced connection")
	}
	log.Debug().Str("module", "webrtc").Str("peer", string(c.remote)).Msg("local offer discarded")
	return nil
}

// drainRTCP keeps the receiver's interceptors running.
func drainRTCP(r *webrtc.RTPReceiver) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := r.Read(buf); err != nil {
			return
		}
	}
}

func (c *Connection) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return c.peer().CreateOffer(opts)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.peer().CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(sd webrtc.SessionDescription) error {
	return c.peer().SetLocalDescription(sd)
}

// SetRemoteDescription discards a pending local offer before applying a
// remote one.
func (c *Connection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	if sd.Type == webrtc.SDPTypeOffer && c.peer().SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if err := c.rebuild(); err != nil {
			return fmt.Errorf("discard local offer: %w", err)
		}
	}
	return c.peer().SetRemoteDescription(sd)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.peer().AddICECandidate(ci)
}

func (c *Connection) SignalingState() webrtc.SignalingState {
	return c.peer().SignalingState()
}

// AddTrack attaches a local track. It is carried over when the underlying
// PeerConnection is replaced.
func (c *Connection) AddTrack(track webrtc.TrackLocal) error {
	if err := addTrack(c.peer(), track); err != nil {
		return err
	}
	c.mu.Lock()
	c.tracks = append(c.tracks, track)
	c.mu.Unlock()
	return nil
}

// addTrack attaches track to pc and drains RTCP for its sender.
func addTrack(pc *webrtc.PeerConnection, track webrtc.TrackLocal) error {
	sender, err := pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnTrack(fn func(*webrtc.TrackRemote)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Connection) Close() error {
	if err := c.peer().Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("peer", string(c.remote)).Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Str("peer", string(c.remote)).Msg("closed")
	return nil
}
