package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dstrelka/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// entries pair a registry row with its engine-level handle. Rows reference
// parents by id only; the handle is what facade calls operate on.
type transportEntry struct {
	row domain.Transport
	mt  MediaTransport
}

type producerEntry struct {
	row domain.Producer
	mp  MediaProducer
}

type consumerEntry struct {
	row domain.Consumer
	mc  MediaConsumer
}

// Room owns one media context, the entity registries and the peer set.
// A single mutex serializes all mutations of one room; independent rooms
// proceed in parallel. Facade calls are made outside the lock so a hung
// engine blocks only the issuing caller; registration and cascade-close
// are single critical sections.
type Room struct {
	ID domain.RoomID

	media  MediaContext
	sink   EventSink
	policy BackpressurePolicy

	mu         sync.Mutex
	closed     bool
	peers      map[domain.PeerID]*Peer
	transports map[domain.TransportID]*transportEntry
	producers  map[domain.ProducerID]*producerEntry
	consumers  map[domain.ConsumerID]*consumerEntry
}

func NewRoom(id domain.RoomID, media MediaContext, sink EventSink, policy BackpressurePolicy) *Room {
	if sink == nil {
		sink = nopSink{}
	}
	if policy == nil {
		policy = DropPolicy{}
	}
	return &Room{
		ID:         id,
		media:      media,
		sink:       sink,
		policy:     policy,
		peers:      make(map[domain.PeerID]*Peer),
		transports: make(map[domain.TransportID]*transportEntry),
		producers:  make(map[domain.ProducerID]*producerEntry),
		consumers:  make(map[domain.ConsumerID]*consumerEntry),
	}
}

// Capabilities returns the media context's RTP capability descriptor.
func (r *Room) Capabilities() json.RawMessage { return r.media.Capabilities() }

// AddPeer registers a peer, idempotently. A repeat join returns the
// existing peer. A channel may be bound to a peer that has none yet
// (one created implicitly by a resource operation); binding over a
// different live channel is rejected, so a second connection cannot
// steal a peer id and have the first connection's disconnect tear it
// down. peerJoined is broadcast only when the peer becomes reachable
// for the first time.
func (r *Room) AddPeer(peerID domain.PeerID, ch NotificationChannel) (*Peer, error) {
	if peerID == "" {
		return nil, domain.ErrPeerIDEmpty
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRoomClosed
	}
	p, ok := r.peers[peerID]
	announce := false
	if !ok {
		p = newPeer(peerID, ch)
		r.peers[peerID] = p
		announce = ch != nil
	} else if ch != nil && p.channel != ch {
		if p.channel != nil {
			r.mu.Unlock()
			return nil, ErrAlreadyJoined
		}
		p.channel = ch
		announce = true
	}
	others := r.otherPeersLocked(peerID)
	r.mu.Unlock()

	if announce {
		log.Info().Str("module", "core.room").Str("room", string(r.ID)).
			Str("peer", string(peerID)).Msg("peer joined")
		r.broadcast(domain.PeerJoinedEvent(r.ID, peerID), others)
	}
	return p, nil
}

// CreateTransport asks the engine for a transport and registers it at room
// scope and, when peerID is given, at peer scope. The peer is created
// implicitly if absent so transport-before-join races resolve.
func (r *Room) CreateTransport(ctx context.Context, peerID domain.PeerID, opts TransportOptions) (domain.Transport, error) {
	mt, err := r.media.CreateTransport(ctx, opts)
	if err != nil {
		return domain.Transport{}, fmt.Errorf("%w: %v", ErrTransportCreationFailed, err)
	}

	row := domain.Transport{
		ID:        domain.TransportID(mt.ID()),
		PeerID:    peerID,
		Producing: opts.Producing,
		Consuming: opts.Consuming,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = mt.Close()
		return domain.Transport{}, ErrRoomClosed
	}
	if peerID != "" {
		p := r.getOrCreatePeerLocked(peerID)
		p.transports[row.ID] = struct{}{}
	}
	r.transports[row.ID] = &transportEntry{row: row, mt: mt}
	r.mu.Unlock()

	// If the engine later reports the transport closed (ICE failure,
	// context teardown), drop it from every registry.
	mt.OnClosed(func() { r.dropTransport(row.ID) })

	log.Info().Str("module", "core.room").Str("room", string(r.ID)).
		Str("peer", string(peerID)).Str("transport", string(row.ID)).Msg("transport created")
	return row, nil
}

// TransportParameters returns the opaque connection material for a
// registered transport.
func (r *Room) TransportParameters(transportID domain.TransportID) (json.RawMessage, error) {
	r.mu.Lock()
	entry, ok := r.transports[transportID]
	r.mu.Unlock()
	if !ok {
		return nil, notFound(KindTransport, string(transportID))
	}
	return entry.mt.Parameters(), nil
}

// ConnectTransport supplies the client's DTLS handshake material. A failed
// connect leaves the transport registered but unusable for media.
func (r *Room) ConnectTransport(ctx context.Context, transportID domain.TransportID, dtlsParameters json.RawMessage) error {
	r.mu.Lock()
	entry, ok := r.transports[transportID]
	r.mu.Unlock()
	if !ok {
		return notFound(KindTransport, string(transportID))
	}
	if err := entry.mt.Connect(ctx, dtlsParameters); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	r.mu.Lock()
	if cur, ok := r.transports[transportID]; ok {
		cur.row.Connected = true
	}
	r.mu.Unlock()
	return nil
}

// AddProducer creates an inbound stream on a connected transport and fans
// out newProducer to every other reachable peer. The notification goes out
// only after the producer is registered, so a peer can never see an event
// that a subsequent ListProducers misses.
func (r *Room) AddProducer(ctx context.Context, peerID domain.PeerID, transportID domain.TransportID, kind domain.MediaKind, rtpParameters json.RawMessage) (domain.Producer, error) {
	if peerID == "" {
		return domain.Producer{}, notFound(KindPeer, "")
	}
	r.mu.Lock()
	entry, ok := r.transports[transportID]
	if !ok {
		r.mu.Unlock()
		return domain.Producer{}, notFound(KindTransport, string(transportID))
	}
	if !entry.row.Connected {
		r.mu.Unlock()
		return domain.Producer{}, ErrTransportNotConnected
	}
	mt := entry.mt
	r.mu.Unlock()

	mp, err := mt.Produce(ctx, kind, rtpParameters)
	if err != nil {
		return domain.Producer{}, fmt.Errorf("create producer: %w", err)
	}

	row := domain.Producer{
		ID:          domain.ProducerID(mp.ID()),
		PeerID:      peerID,
		TransportID: transportID,
		Kind:        kind,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = mp.Close()
		return domain.Producer{}, ErrRoomClosed
	}
	if _, ok := r.transports[transportID]; !ok {
		// Transport died while the engine call was in flight.
		r.mu.Unlock()
		_ = mp.Close()
		return domain.Producer{}, notFound(KindTransport, string(transportID))
	}
	p := r.getOrCreatePeerLocked(peerID)
	p.producers[row.ID] = struct{}{}
	r.producers[row.ID] = &producerEntry{row: row, mp: mp}
	others := r.otherPeersLocked(peerID)
	r.mu.Unlock()

	log.Info().Str("module", "core.room").Str("room", string(r.ID)).
		Str("peer", string(peerID)).Str("producer", string(row.ID)).
		Str("kind", string(kind)).Msg("producer created")
	r.broadcast(domain.NewProducerEvent(r.ID, row.ID, peerID, kind), others)
	return row, nil
}

// AddConsumer creates an outbound stream sourced from a live producer in
// this room. Consumers start paused; producers are never resolved across
// room boundaries.
func (r *Room) AddConsumer(ctx context.Context, peerID domain.PeerID, transportID domain.TransportID, producerID domain.ProducerID, rtpCapabilities json.RawMessage) (domain.Consumer, json.RawMessage, error) {
	r.mu.Lock()
	entry, ok := r.transports[transportID]
	if !ok {
		r.mu.Unlock()
		return domain.Consumer{}, nil, notFound(KindTransport, string(transportID))
	}
	if !entry.row.Connected {
		r.mu.Unlock()
		return domain.Consumer{}, nil, ErrTransportNotConnected
	}
	if _, ok := r.peers[peerID]; !ok {
		r.mu.Unlock()
		return domain.Consumer{}, nil, notFound(KindPeer, string(peerID))
	}
	pe, ok := r.producers[producerID]
	if !ok {
		r.mu.Unlock()
		return domain.Consumer{}, nil, notFound(KindProducer, string(producerID))
	}
	mt, mp := entry.mt, pe.mp
	r.mu.Unlock()

	mc, err := mt.Consume(ctx, mp, rtpCapabilities)
	if err != nil {
		return domain.Consumer{}, nil, fmt.Errorf("create consumer: %w", err)
	}

	row := domain.Consumer{
		ID:          domain.ConsumerID(mc.ID()),
		PeerID:      peerID,
		TransportID: transportID,
		ProducerID:  producerID,
		Kind:        mc.Kind(),
		Paused:      true,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = mc.Close()
		return domain.Consumer{}, nil, ErrRoomClosed
	}
	if _, ok := r.producers[producerID]; !ok {
		r.mu.Unlock()
		_ = mc.Close()
		return domain.Consumer{}, nil, notFound(KindProducer, string(producerID))
	}
	p, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		_ = mc.Close()
		return domain.Consumer{}, nil, notFound(KindPeer, string(peerID))
	}
	p.consumers[row.ID] = struct{}{}
	r.consumers[row.ID] = &consumerEntry{row: row, mc: mc}
	r.mu.Unlock()

	log.Info().Str("module", "core.room").Str("room", string(r.ID)).
		Str("peer", string(peerID)).Str("consumer", string(row.ID)).
		Str("producer", string(producerID)).Msg("consumer created")
	return row, mc.RtpParameters(), nil
}

// ResumeConsumer opens the media flow for a consumer. Resuming an already
// resumed consumer is a no-op, not an error.
func (r *Room) ResumeConsumer(ctx context.Context, consumerID domain.ConsumerID) error {
	r.mu.Lock()
	entry, ok := r.consumers[consumerID]
	if !ok {
		r.mu.Unlock()
		return notFound(KindConsumer, string(consumerID))
	}
	if !entry.row.Paused {
		r.mu.Unlock()
		return nil
	}
	mc := entry.mc
	r.mu.Unlock()

	if err := mc.Resume(ctx); err != nil {
		return fmt.Errorf("resume consumer: %w", err)
	}
	r.mu.Lock()
	if cur, ok := r.consumers[consumerID]; ok {
		cur.row.Paused = false
	}
	r.mu.Unlock()
	return nil
}

// PauseProducer stops a producer's media flow without closing it.
func (r *Room) PauseProducer(ctx context.Context, producerID domain.ProducerID) error {
	return r.setProducerPaused(ctx, producerID, true)
}

// ResumeProducer restarts a paused producer.
func (r *Room) ResumeProducer(ctx context.Context, producerID domain.ProducerID) error {
	return r.setProducerPaused(ctx, producerID, false)
}

func (r *Room) setProducerPaused(ctx context.Context, producerID domain.ProducerID, paused bool) error {
	r.mu.Lock()
	entry, ok := r.producers[producerID]
	if !ok {
		r.mu.Unlock()
		return notFound(KindProducer, string(producerID))
	}
	if entry.row.Paused == paused {
		r.mu.Unlock()
		return nil
	}
	mp := entry.mp
	r.mu.Unlock()

	var err error
	if paused {
		err = mp.Pause(ctx)
	} else {
		err = mp.Resume(ctx)
	}
	if err != nil {
		return fmt.Errorf("set producer paused=%v: %w", paused, err)
	}
	r.mu.Lock()
	if cur, ok := r.producers[producerID]; ok {
		cur.row.Paused = paused
	}
	r.mu.Unlock()
	return nil
}

// RemovePeer closes every resource the peer owns, cascading through its
// transports, removes the peer and broadcasts peerLeft. Idempotent;
// returns whether a peer existed.
func (r *Room) RemovePeer(peerID domain.PeerID) bool {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return false
	}

	var toClose []func() error
	for tid := range p.transports {
		toClose = append(toClose, r.removeTransportLocked(tid)...)
	}
	// Defensive: entities registered at peer scope but hosted on a
	// transport owned by someone else. Should not occur, but tolerated.
	for pid := range p.producers {
		if entry, ok := r.producers[pid]; ok {
			toClose = append(toClose, r.removeProducerLocked(entry)...)
		}
	}
	for cid := range p.consumers {
		if entry, ok := r.consumers[cid]; ok {
			r.removeConsumerLocked(entry)
			toClose = append(toClose, entry.mc.Close)
		}
	}
	ch := p.channel
	delete(r.peers, peerID)
	others := r.otherPeersLocked(peerID)
	r.mu.Unlock()

	for _, closeFn := range toClose {
		if err := closeFn(); err != nil {
			log.Warn().Str("module", "core.room").Str("room", string(r.ID)).
				Err(err).Msg("close on peer removal")
		}
	}
	if ch != nil {
		ch.Close()
	}
	log.Info().Str("module", "core.room").Str("room", string(r.ID)).
		Str("peer", string(peerID)).Msg("peer removed")
	r.broadcast(domain.PeerLeftEvent(r.ID, peerID), others)
	return true
}

// ListProducers snapshots the room's producers, optionally excluding one
// peer's own. Used to seed a newly joined peer with the current stream set.
func (r *Room) ListProducers(excludingPeerID domain.PeerID) []domain.Producer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Producer, 0, len(r.producers))
	for _, entry := range r.producers {
		if excludingPeerID != "" && entry.row.PeerID == excludingPeerID {
			continue
		}
		out = append(out, entry.row)
	}
	return out
}

// Snapshot returns a room summary for listings.
func (r *Room) Snapshot() domain.RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.RoomInfo{
		ID:             r.ID,
		PeerCount:      len(r.peers),
		TransportCount: len(r.transports),
		ProducerCount:  len(r.producers),
		ConsumerCount:  len(r.consumers),
	}
}

// Close tears down the room: every notification channel is closed and the
// media context is closed, transitively invalidating every transport,
// producer and consumer.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	channels := make([]NotificationChannel, 0, len(r.peers))
	for _, p := range r.peers {
		if p.channel != nil {
			channels = append(channels, p.channel)
		}
	}
	r.peers = make(map[domain.PeerID]*Peer)
	r.transports = make(map[domain.TransportID]*transportEntry)
	r.producers = make(map[domain.ProducerID]*producerEntry)
	r.consumers = make(map[domain.ConsumerID]*consumerEntry)
	r.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	if err := r.media.Close(); err != nil {
		log.Warn().Str("module", "core.room").Str("room", string(r.ID)).
			Err(err).Msg("media context close")
	}
	log.Info().Str("module", "core.room").Str("room", string(r.ID)).Msg("room closed")
}

// dropTransport reacts to an engine-initiated transport close.
func (r *Room) dropTransport(transportID domain.TransportID) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	toClose := r.removeTransportLocked(transportID)
	r.mu.Unlock()
	for _, closeFn := range toClose {
		_ = closeFn()
	}
}

// removeTransportLocked unregisters a transport and everything hosted on
// it from room and peer scope. Returns the engine handles to close; the
// caller closes them outside the lock.
func (r *Room) removeTransportLocked(transportID domain.TransportID) []func() error {
	entry, ok := r.transports[transportID]
	if !ok {
		return nil
	}
	var toClose []func() error
	for _, pe := range r.producers {
		if pe.row.TransportID == transportID {
			toClose = append(toClose, r.removeProducerLocked(pe)...)
		}
	}
	for _, ce := range r.consumers {
		if ce.row.TransportID == transportID {
			r.removeConsumerLocked(ce)
			toClose = append(toClose, ce.mc.Close)
		}
	}
	delete(r.transports, transportID)
	if p, ok := r.peers[entry.row.PeerID]; ok {
		delete(p.transports, transportID)
	}
	return append(toClose, entry.mt.Close)
}

// removeProducerLocked unregisters a producer and every consumer sourced
// from it, wherever in the room those consumers live. Returns the engine
// handles to close outside the lock.
func (r *Room) removeProducerLocked(entry *producerEntry) []func() error {
	delete(r.producers, entry.row.ID)
	if p, ok := r.peers[entry.row.PeerID]; ok {
		delete(p.producers, entry.row.ID)
	}
	toClose := []func() error{entry.mp.Close}
	for _, ce := range r.consumers {
		if ce.row.ProducerID == entry.row.ID {
			r.removeConsumerLocked(ce)
			toClose = append(toClose, ce.mc.Close)
		}
	}
	return toClose
}

func (r *Room) removeConsumerLocked(entry *consumerEntry) {
	delete(r.consumers, entry.row.ID)
	if p, ok := r.peers[entry.row.PeerID]; ok {
		delete(p.consumers, entry.row.ID)
	}
}

func (r *Room) getOrCreatePeerLocked(peerID domain.PeerID) *Peer {
	p, ok := r.peers[peerID]
	if !ok {
		p = newPeer(peerID, nil)
		r.peers[peerID] = p
	}
	return p
}

func (r *Room) otherPeersLocked(excluding domain.PeerID) []*Peer {
	out := make([]*Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id == excluding {
			continue
		}
		out = append(out, p)
	}
	return out
}

// broadcast delivers an event to a peer snapshot taken under the lock and
// mirrors it to the event sink. Delivery never blocks a mutation; slow
// peers are handled per the backpressure policy.
func (r *Room) broadcast(ev domain.Event, peers []*Peer) {
	r.sink.Publish(ev)
	res := PublishResult{}
	for _, p := range peers {
		if p.notify(ev) {
			res.SentTo++
		} else {
			res.Dropped = append(res.Dropped, p.ID)
		}
	}
	log.Debug().Str("module", "core.room").Str("room", string(r.ID)).
		Str("event", ev.Type).Int("sent_to", res.SentTo).
		Int("dropped", len(res.Dropped)).Msg("broadcast result")
	for _, peerID := range res.Dropped {
		if r.policy.OnBackpressure(r.ID, peerID) == DisconnectPeer {
			r.RemovePeer(peerID)
		}
	}
}
