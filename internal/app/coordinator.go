// Package app drives the signaling protocol: it maps inbound signaling
// events onto room and peer operations.
package app

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dstrelka/huddle/internal/core"
	"github.com/dstrelka/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// ConnState is the per-connection protocol state.
type ConnState int

const (
	StateUnbound ConnState = iota
	StateJoined
	StateLeft
)

// Coordinator is the per-connection signaling state machine:
// Unbound → Joined(room, peer) → Left. All resource operations are only
// valid while Joined; Disconnect guarantees cleanup even when the client
// never sends an explicit leave.
type Coordinator struct {
	rooms   *core.RoomManager
	channel core.NotificationChannel

	mu     sync.Mutex
	state  ConnState
	room   *core.Room
	peerID domain.PeerID
}

// NewCoordinator binds one connection's notification channel. channel may
// be nil for connections that cannot receive push notifications.
func NewCoordinator(rooms *core.RoomManager, channel core.NotificationChannel) *Coordinator {
	return &Coordinator{rooms: rooms, channel: channel}
}

// Join resolves or creates the room, registers the peer with this
// connection's channel and returns the current producer list, excluding
// the joining peer's own. A double join is rejected; the connection must
// leave first.
func (c *Coordinator) Join(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) ([]domain.Producer, error) {
	if peerID == "" {
		return nil, domain.ErrPeerIDEmpty
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateJoined {
		return nil, core.ErrAlreadyJoined
	}
	if c.state == StateLeft {
		return nil, core.ErrNotJoined
	}

	room, err := c.rooms.GetOrCreate(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if _, err := room.AddPeer(peerID, c.channel); err != nil {
		return nil, err
	}
	c.state = StateJoined
	c.room = room
	c.peerID = peerID
	log.Info().Str("module", "app.coordinator").Str("room", string(roomID)).
		Str("peer", string(peerID)).Msg("joined")
	return room.ListProducers(peerID), nil
}

// Leave removes the peer from its room. No-op from any state but Joined.
func (c *Coordinator) Leave() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateJoined {
		return nil
	}
	c.room.RemovePeer(c.peerID)
	log.Info().Str("module", "app.coordinator").Str("room", string(c.room.ID)).
		Str("peer", string(c.peerID)).Msg("left")
	c.state = StateLeft
	c.room = nil
	return nil
}

// Disconnect is the transport-loss path. It behaves exactly like Leave.
func (c *Coordinator) Disconnect() {
	_ = c.Leave()
}

// State returns the connection's current protocol state.
func (c *Coordinator) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// joinedRoom returns the bound room or ErrNotJoined.
func (c *Coordinator) joinedRoom() (*core.Room, domain.PeerID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateJoined {
		return nil, "", core.ErrNotJoined
	}
	return c.room, c.peerID, nil
}

// CreateTransport creates a transport for this connection's peer and
// returns its row plus the opaque connection parameters.
func (c *Coordinator) CreateTransport(ctx context.Context, opts core.TransportOptions) (domain.Transport, json.RawMessage, error) {
	room, peerID, err := c.joinedRoom()
	if err != nil {
		return domain.Transport{}, nil, err
	}
	row, err := room.CreateTransport(ctx, peerID, opts)
	if err != nil {
		return domain.Transport{}, nil, err
	}
	params, err := room.TransportParameters(row.ID)
	if err != nil {
		return domain.Transport{}, nil, err
	}
	return row, params, nil
}

func (c *Coordinator) ConnectTransport(ctx context.Context, transportID domain.TransportID, dtlsParameters json.RawMessage) error {
	room, _, err := c.joinedRoom()
	if err != nil {
		return err
	}
	return room.ConnectTransport(ctx, transportID, dtlsParameters)
}

func (c *Coordinator) Produce(ctx context.Context, transportID domain.TransportID, kind domain.MediaKind, rtpParameters json.RawMessage) (domain.Producer, error) {
	room, peerID, err := c.joinedRoom()
	if err != nil {
		return domain.Producer{}, err
	}
	return room.AddProducer(ctx, peerID, transportID, kind, rtpParameters)
}

func (c *Coordinator) Consume(ctx context.Context, transportID domain.TransportID, producerID domain.ProducerID, rtpCapabilities json.RawMessage) (domain.Consumer, json.RawMessage, error) {
	room, peerID, err := c.joinedRoom()
	if err != nil {
		return domain.Consumer{}, nil, err
	}
	return room.AddConsumer(ctx, peerID, transportID, producerID, rtpCapabilities)
}

func (c *Coordinator) ResumeConsumer(ctx context.Context, consumerID domain.ConsumerID) error {
	room, _, err := c.joinedRoom()
	if err != nil {
		return err
	}
	return room.ResumeConsumer(ctx, consumerID)
}

// ListProducers snapshots the room's producers, excluding this peer's own.
func (c *Coordinator) ListProducers() ([]domain.Producer, error) {
	room, peerID, err := c.joinedRoom()
	if err != nil {
		return nil, err
	}
	return room.ListProducers(peerID), nil
}
