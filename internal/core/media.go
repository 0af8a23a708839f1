package core

import (
	"context"
	"encoding/json"

	"github.com/dstrelka/huddle/internal/domain"
)

// Codec describes one media codec a room's routing context supports.
type Codec struct {
	Kind      domain.MediaKind `json:"kind"`
	MimeType  string           `json:"mimeType"`
	ClockRate uint32           `json:"clockRate"`
	Channels  uint16           `json:"channels,omitempty"`
}

// DefaultCodecs is the fixed capability set every room is created with.
func DefaultCodecs() []Codec {
	return []Codec{
		{Kind: domain.MediaAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: domain.MediaVideo, MimeType: "video/VP8", ClockRate: 90000},
	}
}

// TransportOptions selects transport behavior at creation time.
type TransportOptions struct {
	ForceTCP  bool
	Producing bool
	Consuming bool
}

// Engine is the media engine facade. Everything behind it (ICE/DTLS/SRTP,
// RTP forwarding) is opaque to the coordination layer; connection material
// crosses the boundary as raw JSON blobs.
//
// Owned by the adapter; the adapter must Close() it.
type Engine interface {
	// CreateContext allocates one routing context. Rooms hold exactly one.
	CreateContext(ctx context.Context, codecs []Codec) (MediaContext, error)
	Close() error
}

// MediaContext is one router-scoped forwarding domain.
type MediaContext interface {
	ID() string
	// Capabilities returns the context's RTP capability descriptor,
	// handed to clients so they can prepare matching offers.
	Capabilities() json.RawMessage
	CreateTransport(ctx context.Context, opts TransportOptions) (MediaTransport, error)
	// Close invalidates every transport, producer and consumer in the context.
	Close() error
}

// MediaTransport is one network endpoint inside a context.
type MediaTransport interface {
	ID() string
	// Parameters returns the opaque connection material (ICE/DTLS/SCTP)
	// the client needs to establish the transport.
	Parameters() json.RawMessage
	Connect(ctx context.Context, dtlsParameters json.RawMessage) error
	Produce(ctx context.Context, kind domain.MediaKind, rtpParameters json.RawMessage) (MediaProducer, error)
	Consume(ctx context.Context, producer MediaProducer, rtpCapabilities json.RawMessage) (MediaConsumer, error)
	// OnClosed registers a hook fired when the transport dies on its own
	// (ICE failure, context teardown). Fired at most once, never from
	// inside another transport method.
	OnClosed(func())
	Close() error
}

// MediaProducer is an engine-level inbound stream.
type MediaProducer interface {
	ID() string
	Kind() domain.MediaKind
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close() error
}

// MediaConsumer is an engine-level outbound stream. Created paused.
type MediaConsumer interface {
	ID() string
	Kind() domain.MediaKind
	// RtpParameters describe the stream as the consuming client will
	// receive it.
	RtpParameters() json.RawMessage
	Resume(ctx context.Context) error
	Pause(ctx context.Context) error
	Close() error
}
