package core

import "github.com/dstrelka/huddle/internal/domain"

// NotificationChannel delivers asynchronous room events to one client.
// Owned by the adapter; the adapter must Close() it.
type NotificationChannel interface {
	// TrySend must not block. It returns an error when the client cannot
	// keep up or the connection is gone.
	TrySend(ev domain.Event) error
	Close()
}

// EventSink observes every event a room broadcasts. Used to mirror room
// state to external systems; delivery is best-effort and never gates the
// in-process fan-out.
type EventSink interface {
	Publish(ev domain.Event)
}

type nopSink struct{}

func (nopSink) Publish(domain.Event) {}

// PublishResult reports fan-out delivery stats and backpressure.
type PublishResult struct {
	SentTo  int
	Dropped []domain.PeerID
}

// BackpressureAction decides what happens to a peer whose channel refused
// an event.
type BackpressureAction int

const (
	DropEvent BackpressureAction = iota
	DisconnectPeer
)

type BackpressurePolicy interface {
	OnBackpressure(room domain.RoomID, peer domain.PeerID) BackpressureAction
}

// DropPolicy keeps slow peers and loses the event. Media state stays
// recoverable because clients can re-fetch the producer list.
type DropPolicy struct{}

func (DropPolicy) OnBackpressure(domain.RoomID, domain.PeerID) BackpressureAction {
	return DropEvent
}

// EvictPolicy removes peers that cannot drain their channel.
type EvictPolicy struct{}

func (EvictPolicy) OnBackpressure(domain.RoomID, domain.PeerID) BackpressureAction {
	return DisconnectPeer
}
