package main

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/client/mesh"
	"github.com/dkeye/huddle/internal/domain"
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// writeSilence feeds the outbound track until ctx ends.
func writeSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample) error {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				return err
			}
		}
	}
}

// sinkSet is the mesh observer of the headless client: it logs link states
// and drains each inbound track, reporting packet statistics.
type sinkSet struct {
	ctx context.Context

	mu    sync.Mutex
	stats map[domain.UserID]*trackStats
}

type trackStats struct {
	packets  uint64
	bytes    uint64
	lost     uint64
	lastSeq  uint16
	started  bool
	lastSSRC uint32
}

var _ mesh.Observer = (*sinkSet)(nil)

func newSinkSet(ctx context.Context) *sinkSet {
	return &sinkSet{ctx: ctx, stats: make(map[domain.UserID]*trackStats)}
}

func (s *sinkSet) ConnectionStateChanged(remote domain.UserID, state mesh.ConnectionState) {
	log.Info().Str("module", "client.media").Str("peer", string(remote)).Str("state", string(state)).Msg("link state")
	if state == mesh.ConnClosed {
		s.mu.Lock()
		delete(s.stats, remote)
		s.mu.Unlock()
	}
}

func (s *sinkSet) StreamAdded(remote domain.UserID, track *webrtc.TrackRemote) {
	log.Info().
		Str("module", "client.media").
		Str("peer", string(remote)).
		Str("codec", track.Codec().MimeType).
		Uint32("clock_rate", track.Codec().ClockRate).
		Msg("stream added")
	st := &trackStats{}
	s.mu.Lock()
	s.stats[remote] = st
	s.mu.Unlock()
	go s.drain(remote, track, st)
}

func (s *sinkSet) drain(remote domain.UserID, track *webrtc.TrackRemote, st *trackStats) {
	report := time.NewTicker(10 * time.Second)
	defer report.Stop()
	buf := make([]byte, 1500)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-report.C:
			s.mu.Lock()
			log.Info().Str("module", "client.media").Str("peer", string(remote)).
				Uint64("packets", st.packets).Uint64("bytes", st.bytes).Uint64("lost", st.lost).Msg("inbound audio")
			s.mu.Unlock()
		default:
		}

		n, _, err := track.Read(buf)
		if err != nil {
			log.Debug().Err(err).Str("module", "client.media").Str("peer", string(remote)).Msg("track ended")
			return
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		s.mu.Lock()
		st.record(pkt)
		s.mu.Unlock()
	}
}

func (st *trackStats) record(pkt *rtp.Packet) {
	if st.started && pkt.SSRC == st.lastSSRC {
		if gap := pkt.SequenceNumber - st.lastSeq; gap > 1 && gap < 1<<15 {
			st.lost += uint64(gap - 1)
		}
	}
	st.started = true
	st.lastSSRC = pkt.SSRC
	st.lastSeq = pkt.SequenceNumber
	st.packets++
	st.bytes += uint64(len(pkt.Payload))
}
