// Package engine implements the media engine facade on pion/webrtc.
// A context owns a pion API configured with the room's codecs; each
// transport is one PeerConnection. Inbound tracks are relayed to
// subscriber tracks through per-producer forwarding loops.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/dstrelka/huddle/internal/core"
	"github.com/dstrelka/huddle/internal/domain"
)

var errContextClosed = errors.New("media context closed")

func DefaultSTUNServers() []string {
	return []string{"stun:stun.l.google.com:19302"}
}

// Engine creates webrtc-backed media contexts.
type Engine struct {
	rtcConfig webrtc.Configuration
}

func New(stunURLs []string) *Engine {
	if len(stunURLs) == 0 {
		stunURLs = DefaultSTUNServers()
	}
	return &Engine{
		rtcConfig: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
		},
	}
}

func (e *Engine) CreateContext(_ context.Context, codecs []core.Codec) (core.MediaContext, error) {
	me := &webrtc.MediaEngine{}
	payloadType := webrtc.PayloadType(96)
	for _, c := range codecs {
		kind := webrtc.RTPCodecTypeVideo
		pt := payloadType
		if c.Kind == domain.MediaAudio {
			kind = webrtc.RTPCodecTypeAudio
			pt = 111
		} else {
			payloadType++
		}
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  c.MimeType,
				ClockRate: c.ClockRate,
				Channels:  c.Channels,
			},
			PayloadType: pt,
		}
		if err := me.RegisterCodec(params, kind); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}

	caps, err := json.Marshal(map[string]any{"codecs": codecs})
	if err != nil {
		return nil, err
	}

	return &Context{
		id:         uuid.NewString(),
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(me)),
		rtcConfig:  e.rtcConfig,
		codecs:     codecs,
		caps:       caps,
		transports: make(map[string]*Transport),
	}, nil
}

func (e *Engine) Close() error { return nil }

// Context is one routing context: a codec-scoped pion API plus the set of
// transports it spawned.
type Context struct {
	id        string
	api       *webrtc.API
	rtcConfig webrtc.Configuration
	codecs    []core.Codec
	caps      json.RawMessage

	mu         sync.Mutex
	closed     bool
	transports map[string]*Transport
}

func (c *Context) ID() string                    { return c.id }
func (c *Context) Capabilities() json.RawMessage { return c.caps }

func (c *Context) CreateTransport(_ context.Context, opts core.TransportOptions) (core.MediaTransport, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errContextClosed
	}
	c.mu.Unlock()

	t, err := newTransport(c, opts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = t.Close()
		return nil, errContextClosed
	}
	c.transports[t.ID()] = t
	c.mu.Unlock()
	return t, nil
}

func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	transports := make([]*Transport, 0, len(c.transports))
	for _, t := range c.transports {
		transports = append(transports, t)
	}
	c.transports = make(map[string]*Transport)
	c.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	return nil
}

func (c *Context) dropTransport(id string) {
	c.mu.Lock()
	delete(c.transports, id)
	c.mu.Unlock()
}

func codecCapability(codecs []core.Codec, kind domain.MediaKind) (webrtc.RTPCodecCapability, bool) {
	for _, c := range codecs {
		if c.Kind == kind {
			return webrtc.RTPCodecCapability{
				MimeType:  c.MimeType,
				ClockRate: c.ClockRate,
				Channels:  c.Channels,
			}, true
		}
	}
	return webrtc.RTPCodecCapability{}, false
}
