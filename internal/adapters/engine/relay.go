package engine

import (
	"context"
	"encoding/json"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dstrelka/huddle/internal/domain"
)

type outTrackState int32

const (
	outTrackOk outTrackState = iota
	outTrackMuted
	outTrackDelete
)

// outTrack is one subscriber leg of a relay. Its state gates forwarding:
// consumers start muted and are unmuted by Resume.
type outTrack struct {
	track *webrtc.TrackLocalStaticRTP
	state atomic.Int32
}

func newOutTrack(track *webrtc.TrackLocalStaticRTP) *outTrack {
	return &outTrack{track: track}
}

func (ot *outTrack) getState() outTrackState { return outTrackState(ot.state.Load()) }
func (ot *outTrack) markOk()                 { ot.state.Store(int32(outTrackOk)) }
func (ot *outTrack) markMuted()              { ot.state.Store(int32(outTrackMuted)) }
func (ot *outTrack) markDelete()             { ot.state.Store(int32(outTrackDelete)) }

// relay pumps RTP from one remote track to every subscriber track.
type relay struct {
	mu     sync.RWMutex
	outs   map[string]*outTrack
	cancel context.CancelFunc
	muted  atomic.Bool
}

func newRelay() *relay {
	return &relay{outs: make(map[string]*outTrack)}
}

func (r *relay) addOut(id string, ot *outTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outs[id] = ot
}

func (r *relay) setMuted(muted bool) { r.muted.Store(muted) }

func (r *relay) start(src *webrtc.TrackRemote) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.cancel = cancel
	r.mu.Unlock()
	go r.loop(ctx, src)
}

func (r *relay) stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.markAllDelete()
}

func (r *relay) loop(ctx context.Context, src *webrtc.TrackRemote) {
	for {
		select {
		case <-ctx.Done():
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			log.Debug().Str("module", "engine").Err(err).Msg("relay read ended")
			r.markAllDelete()
			return
		}
		if r.muted.Load() {
			// Producer paused: keep draining the source, forward nothing.
			continue
		}
		r.forward(pkt)
	}
}

func (r *relay) forward(pkt *rtp.Packet) {
	snapshot := make(map[string]*outTrack, len(r.outs))
	r.mu.RLock()
	maps.Copy(snapshot, r.outs)
	r.mu.RUnlock()

	var dirty []string
	for id, ot := range snapshot {
		switch ot.getState() {
		case outTrackDelete:
			dirty = append(dirty, id)
		case outTrackMuted:
		case outTrackOk:
			if err := ot.track.WriteRTP(pkt); err != nil {
				log.Debug().Str("module", "engine").Str("out", id).
					Err(err).Msg("relay write failed, dropping subscriber")
				ot.markDelete()
				dirty = append(dirty, id)
			}
		}
	}
	if len(dirty) > 0 {
		r.mu.Lock()
		for _, id := range dirty {
			delete(r.outs, id)
		}
		r.mu.Unlock()
	}
}

func (r *relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outs {
		ot.markDelete()
	}
}

// Producer is the engine-level inbound stream: a relay waiting for (or
// bound to) a remote track.
type Producer struct {
	id         string
	kind       domain.MediaKind
	capability webrtc.RTPCodecCapability
	relay      *relay
}

func (p *Producer) ID() string             { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }

func (p *Producer) Pause(context.Context) error {
	p.relay.setMuted(true)
	return nil
}

func (p *Producer) Resume(context.Context) error {
	p.relay.setMuted(false)
	return nil
}

func (p *Producer) Close() error {
	p.relay.stop()
	return nil
}

// Consumer is the engine-level outbound stream: one subscriber leg.
type Consumer struct {
	id         string
	producerID string
	kind       domain.MediaKind
	rtp        json.RawMessage
	transport  *Transport
	sender     *webrtc.RTPSender
	out        *outTrack
}

func (c *Consumer) ID() string                     { return c.id }
func (c *Consumer) ProducerID() string             { return c.producerID }
func (c *Consumer) Kind() domain.MediaKind         { return c.kind }
func (c *Consumer) RtpParameters() json.RawMessage { return c.rtp }

func (c *Consumer) Resume(context.Context) error {
	c.out.markOk()
	return nil
}

func (c *Consumer) Pause(context.Context) error {
	c.out.markMuted()
	return nil
}

func (c *Consumer) Close() error {
	c.out.markDelete()
	return c.transport.pc.RemoveTrack(c.sender)
}
