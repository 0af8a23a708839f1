package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dstrelka/huddle/internal/adapters/engine/mockengine"
	"github.com/dstrelka/huddle/internal/core"
	"github.com/dstrelka/huddle/internal/domain"
)

// recordChannel captures delivered events. Setting fail makes TrySend
// refuse, simulating a client that cannot drain its socket.
type recordChannel struct {
	mu     sync.Mutex
	events []domain.Event
	fail   bool
	closed bool
}

func (c *recordChannel) TrySend(ev domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("channel full")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *recordChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *recordChannel) Events() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *recordChannel) EventsOfType(typ string) []domain.Event {
	var out []domain.Event
	for _, ev := range c.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (c *recordChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *recordChannel) SetFail(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = fail
}

func newTestRoom(t *testing.T, id domain.RoomID, policy core.BackpressurePolicy) (*core.Room, *mockengine.Engine) {
	t.Helper()
	eng := mockengine.New()
	mc, err := eng.CreateContext(context.Background(), core.DefaultCodecs())
	require.NoError(t, err)
	return core.NewRoom(id, mc, nil, policy), eng
}

func connectedTransport(t *testing.T, r *core.Room, peer domain.PeerID) domain.Transport {
	t.Helper()
	row, err := r.CreateTransport(context.Background(), peer, core.TransportOptions{Producing: true, Consuming: true})
	require.NoError(t, err)
	err = r.ConnectTransport(context.Background(), row.ID, json.RawMessage(`{"role":"client"}`))
	require.NoError(t, err)
	return row
}

func TestAddPeerIsIdempotent(t *testing.T) {
	r, _ := newTestRoom(t, "r1", nil)
	defer r.Close()

	chA := &recordChannel{}
	first, err := r.AddPeer("alice", chA)
	require.NoError(t, err)
	second, err := r.AddPeer("alice", chA)
	require.NoError(t, err)
	assert.Same(t, first, second)

	// The peer id stays bound to its live channel; a second connection
	// cannot take it over.
	_, err = r.AddPeer("alice", &recordChannel{})
	require.ErrorIs(t, err, core.ErrAlreadyJoined)
}

func TestAddPeerBindsChannelToImplicitPeer(t *testing.T) {
	r, _ := newTestRoom(t, "r1", nil)
	defer r.Close()

	observer := &recordChannel{}
	_, err := r.AddPeer("bob", observer)
	require.NoError(t, err)

	// "alice" exists channel-less after creating a transport before her
	// join arrives. The join then binds the channel and announces her.
	_, err = r.CreateTransport(context.Background(), "alice", core.TransportOptions{Producing: true})
	require.NoError(t, err)
	require.Equal(t, 2, r.Snapshot().PeerCount)

	_, err = r.AddPeer("alice", &recordChannel{})
	require.NoError(t, err)
	joined := observer.EventsOfType(domain.EventPeerJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, domain.PeerID("alice"), joined[0].PeerID)
}

func TestAddPeerRejectsEmptyID(t *testing.T) {
	r, _ := newTestRoom(t, "r1", nil)
	defer r.Close()

	_, err := r.AddPeer("", nil)
	require.ErrorIs(t, err, domain.ErrPeerIDEmpty)
}

func TestProducerFanOut(t *testing.T) {
	r, _ := newTestRoom(t, "r1", nil)
	defer r.Close()

	chA, chB, chC := &recordChannel{}, &recordChannel{}, &recordChannel{}
	for peer, ch := range map[domain.PeerID]*recordChannel{"a": chA, "b": chB, "c": chC} {
		_, err := r.AddPeer(peer, ch)
		require.NoError(t, err)
	}

	transport := connectedTransport(t, r, "a")
	producer, err := r.AddProducer(context.Background(), "a", transport.ID, domain.MediaVideo, json.RawMessage(`{}`))
	require.NoError(t, err)

	for name, ch := range map[string]*recordChannel{"b": chB, "c": chC} {
		got := ch.EventsOfType(domain.EventNewProducer)
		require.Len(t, got, 1, "peer %s must see exactly one newProducer", name)
		assert.Equal(t, producer.ID, got[0].ProducerID)
		assert.Equal(t, domain.PeerID("a"), got[0].PeerID)
		assert.Equal(t, domain.MediaVideo, got[0].Kind)
	}
	assert.Empty(t, chA.EventsOfType(domain.EventNewProducer),
		"the producing peer is not notified about its own stream")

	// The event is never ahead of the registry: anyone notified can list
	// the producer immediately.
	listed := r.ListProducers("b")
	require.Len(t, listed, 1)
	assert.Equal(t, producer.ID, listed[0].ID)
	assert.Empty(t, r.ListProducers("a"), "exclusion hides the peer's own producers")
}

func TestProduceRequiresConnectedTransport(t *testing.T) {
	r, _ := newTestRoom(t, "r1", nil)
	defer r.Close()

	row, err := r.CreateTransport(context.Background(), "a", core.TransportOptions{Producing: true})
	require.NoError(t, err)

	_, err = r.AddProducer(context.Background(), "a", row.ID, domain.MediaAudio, nil)
	require.ErrorIs(t, err, core.ErrTransportNotConnected)

	_, err = r.AddProducer(context.Background(), "a", "no-such-transport", domain.MediaAudio, nil)
	assert.True(t, core.IsNotFound(err))
}

func TestConsumeRequiresExistingPeer(t *testing.T) {
	r, _ := newTestRoom(t, "r1", nil)
	defer r.Close()

	_, err := r.AddPeer("a", nil)
	require.NoError(t, err)
	transport := connectedTransport(t, r, "a")
	producer, err := r.AddProducer(context.Background(), "a", transport.ID, domain.MediaAudio, nil)
	require.NoError(t, err)

	// Unlike produce, consume never creates the peer implicitly.
	_, _, err = r.AddConsumer(context.Background(), "ghost", transport.ID, producer.ID, nil)
	require.Error(t, err)
	var nf *core.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, core.KindPeer, nf.Kind)
}

func TestConsumerStartsPausedResumeIdempotent(t *testing.T) {
	r, eng := newTestRoom(t, "r1", nil)
	defer r.Close()

	_, err := r.AddPeer("a", nil)
	require.NoError(t, err)
	_, err = r.AddPeer("b", nil)
	require.NoError(t, err)

	producerTransport := connectedTransport(t, r, "a")
	producer, err := r.AddProducer(context.Background(), "a", producerTransport.ID, domain.MediaAudio, nil)
	require.NoError(t, err)

	consumerTransport := connectedTransport(t, r, "b")
	consumer, _, err := r.AddConsumer(context.Background(), "b", consumerTransport.ID, producer.ID, nil)
	require.NoError(t, err)
	assert.True(t, consumer.Paused, "consumers start paused")

	engineConsumers := eng.Consumers()
	require.Len(t, engineConsumers, 1)
	assert.True(t, engineConsumers[0].Paused())

	require.NoError(t, r.ResumeConsumer(context.Background(), consumer.ID))
	require.NoError(t, r.ResumeConsumer(context.Background(), consumer.ID))
	assert.False(t, engineConsumers[0].Paused())
	assert.Equal(t, 1, engineConsumers[0].ResumeCount(),
		"a second resume is a no-op, not another engine call")

	err = r.ResumeConsumer(context.Background(), "no-such-consumer")
	assert.True(t, core.IsNotFound(err))
}

func TestConsumeCrossRoomProducerNotFound(t *testing.T) {
	r1, _ := newTestRoom(t, "r1", nil)
	defer r1.Close()
	r2, _ := newTestRoom(t, "r2", nil)
	defer r2.Close()

	_, err := r1.AddPeer("a", nil)
	require.NoError(t, err)
	t1 := connectedTransport(t, r1, "a")
	producer, err := r1.AddProducer(context.Background(), "a", t1.ID, domain.MediaVideo, nil)
	require.NoError(t, err)

	_, err = r2.AddPeer("b", nil)
	require.NoError(t, err)
	t2 := connectedTransport(t, r2, "b")

	_, _, err = r2.AddConsumer(context.Background(), "b", t2.ID, producer.ID, nil)
	require.Error(t, err)
	var nf *core.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, core.KindProducer, nf.Kind)
}

func TestRemovePeerCascades(t *testing.T) {
	r, _ := newTestRoom(t, "r1", nil)
	defer r.Close()

	chA, chB := &recordChannel{}, &recordChannel{}
	_, err := r.AddPeer("a", chA)
	require.NoError(t, err)
	_, err = r.AddPeer("b", chB)
	require.NoError(t, err)

	aTransport := connectedTransport(t, r, "a")
	producer, err := r.AddProducer(context.Background(), "a", aTransport.ID, domain.MediaVideo, nil)
	require.NoError(t, err)

	bTransport := connectedTransport(t, r, "b")
	consumer, _, err := r.AddConsumer(context.Background(), "b", bTransport.ID, producer.ID, nil)
	require.NoError(t, err)

	require.True(t, r.RemovePeer("a"))
	assert.False(t, r.RemovePeer("a"), "removal is idempotent")

	// None of a's entities stay resolvable.
	_, err = r.TransportParameters(aTransport.ID)
	assert.True(t, core.IsNotFound(err))
	assert.Empty(t, r.ListProducers(""))
	_, err = r.AddProducer(context.Background(), "a", aTransport.ID, domain.MediaVideo, nil)
	assert.True(t, core.IsNotFound(err))

	// b's consumer died with its source producer even though b stayed.
	err = r.ResumeConsumer(context.Background(), consumer.ID)
	assert.True(t, core.IsNotFound(err), "consumer of a closed producer must not be resumable")

	assert.True(t, chA.Closed(), "removed peer's channel is closed")
	left := chB.EventsOfType(domain.EventPeerLeft)
	require.Len(t, left, 1)
	assert.Equal(t, domain.PeerID("a"), left[0].PeerID)

	snap := r.Snapshot()
	assert.Equal(t, 1, snap.PeerCount)
	assert.Equal(t, 0, snap.ProducerCount)
	assert.Equal(t, 0, snap.ConsumerCount)
	assert.Equal(t, 1, snap.TransportCount, "b's own transport survives")
}

func TestEvictPolicyRemovesSlowPeer(t *testing.T) {
	r, _ := newTestRoom(t, "r1", core.EvictPolicy{})
	defer r.Close()

	slow := &recordChannel{}
	slow.SetFail(true)
	_, err := r.AddPeer("slow", slow)
	require.NoError(t, err)
	_, err = r.AddPeer("a", &recordChannel{})
	require.NoError(t, err)

	transport := connectedTransport(t, r, "a")
	_, err = r.AddProducer(context.Background(), "a", transport.ID, domain.MediaAudio, nil)
	require.NoError(t, err)

	assert.True(t, slow.Closed(), "evict policy disconnects the slow peer")
	assert.Equal(t, 1, r.Snapshot().PeerCount)
}

func TestDropPolicyKeepsSlowPeer(t *testing.T) {
	r, _ := newTestRoom(t, "r1", nil)
	defer r.Close()

	slow := &recordChannel{}
	slow.SetFail(true)
	_, err := r.AddPeer("slow", slow)
	require.NoError(t, err)
	_, err = r.AddPeer("a", &recordChannel{})
	require.NoError(t, err)

	transport := connectedTransport(t, r, "a")
	producer, err := r.AddProducer(context.Background(), "a", transport.ID, domain.MediaAudio, nil)
	require.NoError(t, err)

	assert.False(t, slow.Closed())
	assert.Equal(t, 2, r.Snapshot().PeerCount)

	// The missed event is recoverable through the snapshot path.
	slow.SetFail(false)
	listed := r.ListProducers("slow")
	require.Len(t, listed, 1)
	assert.Equal(t, producer.ID, listed[0].ID)
}

func TestCloseInvalidatesRoom(t *testing.T) {
	r, _ := newTestRoom(t, "r1", nil)

	ch := &recordChannel{}
	_, err := r.AddPeer("a", ch)
	require.NoError(t, err)
	transport := connectedTransport(t, r, "a")
	_, err = r.AddProducer(context.Background(), "a", transport.ID, domain.MediaAudio, nil)
	require.NoError(t, err)

	r.Close()
	r.Close() // safe to repeat

	assert.True(t, ch.Closed())
	_, err = r.AddPeer("b", nil)
	require.ErrorIs(t, err, core.ErrRoomClosed)
	assert.Empty(t, r.ListProducers(""))
}

func TestEngineTransportCloseDropsRegistration(t *testing.T) {
	r, eng := newTestRoom(t, "r1", nil)
	defer r.Close()

	_, err := r.AddPeer("a", nil)
	require.NoError(t, err)
	transport := connectedTransport(t, r, "a")
	_, err = r.AddProducer(context.Background(), "a", transport.ID, domain.MediaAudio, nil)
	require.NoError(t, err)

	// Simulate an ICE failure reported by the engine.
	require.NoError(t, eng.Close())

	_, err = r.TransportParameters(transport.ID)
	assert.True(t, core.IsNotFound(err))
	assert.Empty(t, r.ListProducers(""))
}
