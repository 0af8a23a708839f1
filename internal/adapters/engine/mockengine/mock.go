// Package mockengine is an in-memory media engine. It backs the test
// suite and the media.engine=mock config mode, where the server runs the
// full signaling protocol without negotiating real media.
package mockengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dstrelka/huddle/internal/core"
	"github.com/dstrelka/huddle/internal/domain"
)

var (
	errEngineDown     = errors.New("mock engine down")
	errTransportFail  = errors.New("mock transport creation refused")
	errConnectFail    = errors.New("mock connect refused")
	errProduceFail    = errors.New("mock produce refused")
	errConsumeFail    = errors.New("mock consume refused")
	ErrContextClosed  = errors.New("mock context closed")
	ErrTransportState = errors.New("mock transport closed")
)

// Engine implements core.Engine in memory. The Fail* switches inject
// facade failures for error-path tests.
type Engine struct {
	FailCreateContext   bool
	FailCreateTransport bool
	FailConnect         bool
	FailProduce         bool
	FailConsume         bool

	mu        sync.Mutex
	contexts  []*Context
	consumers []*Consumer
}

func New() *Engine { return &Engine{} }

func (e *Engine) CreateContext(_ context.Context, codecs []core.Codec) (core.MediaContext, error) {
	if e.FailCreateContext {
		return nil, errEngineDown
	}
	caps, _ := json.Marshal(map[string]any{"codecs": codecs})
	c := &Context{
		engine:     e,
		id:         uuid.NewString(),
		caps:       caps,
		transports: make(map[string]*Transport),
	}
	e.mu.Lock()
	e.contexts = append(e.contexts, c)
	e.mu.Unlock()
	return c, nil
}

// ContextCount reports how many contexts were ever created. Tests use it
// to prove get-or-create never allocates a second context per room.
func (e *Engine) ContextCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.contexts)
}

// Consumers lists every consumer the engine ever created, in order.
func (e *Engine) Consumers() []*Consumer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Consumer, len(e.consumers))
	copy(out, e.consumers)
	return out
}

func (e *Engine) Close() error {
	e.mu.Lock()
	contexts := e.contexts
	e.contexts = nil
	e.mu.Unlock()
	for _, c := range contexts {
		_ = c.Close()
	}
	return nil
}

// Context is one in-memory routing context.
type Context struct {
	engine *Engine
	id     string
	caps   json.RawMessage

	mu         sync.Mutex
	closed     bool
	transports map[string]*Transport
}

func (c *Context) ID() string                    { return c.id }
func (c *Context) Capabilities() json.RawMessage { return c.caps }

func (c *Context) CreateTransport(_ context.Context, opts core.TransportOptions) (core.MediaTransport, error) {
	if c.engine.FailCreateTransport {
		return nil, errTransportFail
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrContextClosed
	}
	id := uuid.NewString()
	params, _ := json.Marshal(map[string]any{
		"iceParameters": map[string]string{"usernameFragment": id[:8], "password": uuid.NewString()},
		"iceCandidates": []any{},
		"dtlsParameters": map[string]any{
			"role":         "auto",
			"fingerprints": []map[string]string{{"algorithm": "sha-256", "value": id}},
		},
		"forceTcp": opts.ForceTCP,
	})
	t := &Transport{ctx: c, id: id, params: params, producers: make(map[string]*Producer)}
	c.transports[id] = t
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

// Transport is one in-memory endpoint.
type Transport struct {
	ctx    *Context
	id     string
	params json.RawMessage

	mu        sync.Mutex
	connected bool
	closed    bool
	onClosed  func()
	producers map[string]*Producer
}

func (t *Transport) ID() string                  { return t.id }
func (t *Transport) Parameters() json.RawMessage { return t.params }

func (t *Transport) Connect(_ context.Context, dtlsParameters json.RawMessage) error {
	if t.ctx.engine.FailConnect {
		return errConnectFail
	}
	if len(dtlsParameters) == 0 {
		return fmt.Errorf("%w: empty dtls parameters", errConnectFail)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportState
	}
	t.connected = true
	return nil
}

// Connected reports whether DTLS material was supplied.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Produce(_ context.Context, kind domain.MediaKind, _ json.RawMessage) (core.MediaProducer, error) {
	if t.ctx.engine.FailProduce {
		return nil, errProduceFail
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportState
	}
	p := &Producer{id: uuid.NewString(), kind: kind}
	t.producers[p.id] = p
	return p, nil
}

func (t *Transport) Consume(_ context.Context, producer core.MediaProducer, _ json.RawMessage) (core.MediaConsumer, error) {
	if t.ctx.engine.FailConsume {
		return nil, errConsumeFail
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportState
	}
	rtp, _ := json.Marshal(map[string]any{"mid": uuid.NewString()[:8]})
	consumer := &Consumer{
		id:         uuid.NewString(),
		producerID: producer.ID(),
		kind:       producer.Kind(),
		rtp:        rtp,
		paused:     true,
	}
	t.ctx.engine.mu.Lock()
	t.ctx.engine.consumers = append(t.ctx.engine.consumers, consumer)
	t.ctx.engine.mu.Unlock()
	return consumer, nil
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
	fn := t.onClosed
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

// Producer is an in-memory inbound stream.
type Producer struct {
	id   string
	kind domain.MediaKind

	mu     sync.Mutex
	paused bool
	closed bool
}

func (p *Producer) ID() string             { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }

func (p *Producer) Pause(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}

func (p *Producer) Resume(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Consumer is an in-memory outbound stream. Starts paused.
type Consumer struct {
	id         string
	producerID string
	kind       domain.MediaKind
	rtp        json.RawMessage

	mu      sync.Mutex
	paused  bool
	closed  bool
	resumes int
}

func (c *Consumer) ID() string                     { return c.id }
func (c *Consumer) ProducerID() string             { return c.producerID }
func (c *Consumer) Kind() domain.MediaKind         { return c.kind }
func (c *Consumer) RtpParameters() json.RawMessage { return c.rtp }

func (c *Consumer) Resume(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.resumes++
	return nil
}

func (c *Consumer) Pause(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	return nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Paused reports the consumer's gate state.
func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// ResumeCount reports how many times Resume was called at the engine
// level.
func (c *Consumer) ResumeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumes
}
