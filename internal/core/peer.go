package core

import (
	"github.com/dstrelka/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// Peer is one client's session within a room. Its resource sets are
// subsets of the room's registries, tracked as id sets so removal is a
// pure traversal. All fields are guarded by the owning room's mutex.
type Peer struct {
	ID      domain.PeerID
	channel NotificationChannel

	transports map[domain.TransportID]struct{}
	producers  map[domain.ProducerID]struct{}
	consumers  map[domain.ConsumerID]struct{}
}

func newPeer(id domain.PeerID, ch NotificationChannel) *Peer {
	return &Peer{
		ID:         id,
		channel:    ch,
		transports: make(map[domain.TransportID]struct{}),
		producers:  make(map[domain.ProducerID]struct{}),
		consumers:  make(map[domain.ConsumerID]struct{}),
	}
}

// notify pushes an event to the peer's channel, if it has one.
// Returns false on backpressure.
func (p *Peer) notify(ev domain.Event) bool {
	if p.channel == nil {
		return true
	}
	if err := p.channel.TrySend(ev); err != nil {
		log.Warn().Str("module", "core.peer").Str("peer", string(p.ID)).
			Str("event", ev.Type).Err(err).Msg("notification dropped")
		return false
	}
	return true
}
