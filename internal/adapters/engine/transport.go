package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dstrelka/huddle/internal/core"
	"github.com/dstrelka/huddle/internal/domain"
)

var (
	errTransportClosed = errors.New("transport closed")
	errForeignProducer = errors.New("producer does not belong to this engine")
	errNoCodec         = errors.New("no codec registered for kind")
)

// Transport wraps one PeerConnection. The opaque connection parameters
// are the server-side SDP offer (ICE credentials, candidates and DTLS
// fingerprint included); Connect applies the client's answer.
type Transport struct {
	id     string
	ctx    *Context
	pc     *webrtc.PeerConnection
	opts   core.TransportOptions
	params json.RawMessage

	mu        sync.Mutex
	closed    bool
	onClosed  func()
	fired     bool
	pending   map[domain.MediaKind][]*Producer
	producers map[string]*Producer
}

func newTransport(c *Context, opts core.TransportOptions) (*Transport, error) {
	pc, err := c.api.NewPeerConnection(c.rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := &Transport{
		id:        uuid.NewString(),
		ctx:       c,
		pc:        pc,
		opts:      opts,
		pending:   make(map[domain.MediaKind][]*Producer),
		producers: make(map[string]*Producer),
	}

	// Producing transports receive client media; consuming transports get
	// sendonly transceivers up front so AddTrack reuses them without
	// renegotiation.
	if opts.Producing {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				_ = pc.Close()
				return nil, err
			}
		}
	}
	if opts.Consuming {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionSendonly,
			}); err != nil {
				_ = pc.Close()
				return nil, err
			}
		}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.handleRemoteTrack(track)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "engine").Str("transport", t.id).
			Str("state", s.String()).Msg("peer connection state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			t.fireClosed()
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, err
	}
	<-gatherComplete

	t.params, err = json.Marshal(map[string]any{"sdp": pc.LocalDescription()})
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) ID() string                  { return t.id }
func (t *Transport) Parameters() json.RawMessage { return t.params }

// Connect applies the client's SDP answer, which carries the DTLS
// fingerprint that completes the handshake.
func (t *Transport) Connect(_ context.Context, dtlsParameters json.RawMessage) error {
	var payload struct {
		SDP *webrtc.SessionDescription `json:"sdp"`
	}
	if err := json.Unmarshal(dtlsParameters, &payload); err != nil || payload.SDP == nil {
		return fmt.Errorf("malformed connect parameters: %v", err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errTransportClosed
	}
	t.mu.Unlock()
	return t.pc.SetRemoteDescription(*payload.SDP)
}

// Produce registers an inbound stream. The relay starts forwarding once
// the matching remote track arrives on this transport.
func (t *Transport) Produce(_ context.Context, kind domain.MediaKind, _ json.RawMessage) (core.MediaProducer, error) {
	capability, ok := codecCapability(t.ctx.codecs, kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errNoCodec, kind)
	}
	p := &Producer{
		id:         uuid.NewString(),
		kind:       kind,
		capability: capability,
		relay:      newRelay(),
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errTransportClosed
	}
	t.pending[kind] = append(t.pending[kind], p)
	t.producers[p.id] = p
	t.mu.Unlock()
	return p, nil
}

// Consume attaches an outbound track fed from the producer's relay. The
// track starts paused; Resume on the consumer opens the gate.
func (t *Transport) Consume(_ context.Context, producer core.MediaProducer, _ json.RawMessage) (core.MediaConsumer, error) {
	src, ok := producer.(*Producer)
	if !ok {
		return nil, errForeignProducer
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errTransportClosed
	}
	t.mu.Unlock()

	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticRTP(src.capability, id, "huddle")
	if err != nil {
		return nil, err
	}
	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, err
	}

	rtpParams, err := json.Marshal(map[string]any{
		"trackId":   id,
		"mimeType":  src.capability.MimeType,
		"clockRate": src.capability.ClockRate,
	})
	if err != nil {
		_ = t.pc.RemoveTrack(sender)
		return nil, err
	}

	out := newOutTrack(local)
	out.markMuted()
	src.relay.addOut(id, out)

	return &Consumer{
		id:         id,
		producerID: src.id,
		kind:       src.kind,
		rtp:        rtpParams,
		transport:  t,
		sender:     sender,
		out:        out,
	}, nil
}

func (t *Transport) OnClosed(fn func()) {
	t.mu.Lock()
	t.onClosed = fn
	closed := t.closed
	t.mu.Unlock()
	if closed && fn != nil {
		fn()
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	t.mu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	err := t.pc.Close()
	t.ctx.dropTransport(t.id)
	t.fireClosed()
	return err
}

// fireClosed runs the close hook at most once.
func (t *Transport) fireClosed() {
	t.mu.Lock()
	if t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.closed = true
	fn := t.onClosed
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// handleRemoteTrack binds an incoming remote track to the oldest producer
// of that kind still waiting for one.
func (t *Transport) handleRemoteTrack(track *webrtc.TrackRemote) {
	kind := domain.MediaVideo
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		kind = domain.MediaAudio
	}

	t.mu.Lock()
	queue := t.pending[kind]
	if len(queue) == 0 {
		t.mu.Unlock()
		log.Warn().Str("module", "engine").Str("transport", t.id).
			Str("kind", string(kind)).Msg("remote track without pending producer")
		return
	}
	p := queue[0]
	t.pending[kind] = queue[1:]
	t.mu.Unlock()

	log.Info().Str("module", "engine").Str("transport", t.id).
		Str("producer", p.id).Str("kind", string(kind)).Msg("remote track bound")
	p.relay.start(track)
}
