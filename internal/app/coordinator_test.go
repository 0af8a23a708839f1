package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dstrelka/huddle/internal/adapters/engine/mockengine"
	"github.com/dstrelka/huddle/internal/app"
	"github.com/dstrelka/huddle/internal/core"
	"github.com/dstrelka/huddle/internal/domain"
)

type recordChannel struct {
	mu     sync.Mutex
	events []domain.Event
	closed bool
}

func (c *recordChannel) TrySend(ev domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("channel closed")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *recordChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *recordChannel) EventsOfType(typ string) []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Event
	for _, ev := range c.events {
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

func newFixture(t *testing.T) (*core.RoomManager, *mockengine.Engine) {
	t.Helper()
	eng := mockengine.New()
	rm := core.NewRoomManager(eng)
	t.Cleanup(rm.Shutdown)
	return rm, eng
}

func dtls() json.RawMessage { return json.RawMessage(`{"role":"client"}`) }

func TestOperationsRequireJoin(t *testing.T) {
	rm, _ := newFixture(t)
	coord := app.NewCoordinator(rm, nil)
	ctx := context.Background()

	assert.Equal(t, app.StateUnbound, coord.State())

	_, _, err := coord.CreateTransport(ctx, core.TransportOptions{})
	assert.ErrorIs(t, err, core.ErrNotJoined)
	err = coord.ConnectTransport(ctx, "t1", dtls())
	assert.ErrorIs(t, err, core.ErrNotJoined)
	_, err = coord.Produce(ctx, "t1", domain.MediaAudio, nil)
	assert.ErrorIs(t, err, core.ErrNotJoined)
	_, _, err = coord.Consume(ctx, "t1", "p1", nil)
	assert.ErrorIs(t, err, core.ErrNotJoined)
	err = coord.ResumeConsumer(ctx, "c1")
	assert.ErrorIs(t, err, core.ErrNotJoined)
	_, err = coord.ListProducers()
	assert.ErrorIs(t, err, core.ErrNotJoined)
}

func TestJoinIsOneShot(t *testing.T) {
	rm, _ := newFixture(t)
	coord := app.NewCoordinator(rm, &recordChannel{})
	ctx := context.Background()

	producers, err := coord.Join(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.Empty(t, producers)
	assert.Equal(t, app.StateJoined, coord.State())

	_, err = coord.Join(ctx, "r1", "alice")
	assert.ErrorIs(t, err, core.ErrAlreadyJoined)
	_, err = coord.Join(ctx, "r2", "alice")
	assert.ErrorIs(t, err, core.ErrAlreadyJoined)

	require.NoError(t, coord.Leave())
	assert.Equal(t, app.StateLeft, coord.State())

	// A left connection stays left; the client reconnects instead.
	_, err = coord.Join(ctx, "r1", "alice")
	assert.ErrorIs(t, err, core.ErrNotJoined)
}

func TestLeaveBeforeJoinIsNoOp(t *testing.T) {
	rm, _ := newFixture(t)
	coord := app.NewCoordinator(rm, nil)

	require.NoError(t, coord.Leave())
	assert.Equal(t, app.StateUnbound, coord.State())
	coord.Disconnect()
	assert.Equal(t, app.StateUnbound, coord.State())
}

func TestJoinRejectsEmptyPeerID(t *testing.T) {
	rm, _ := newFixture(t)
	coord := app.NewCoordinator(rm, nil)

	_, err := coord.Join(context.Background(), "r1", "")
	require.ErrorIs(t, err, domain.ErrPeerIDEmpty)
	assert.Equal(t, app.StateUnbound, coord.State(), "a failed join leaves the state machine unbound")
}

func TestDisconnectCleansUp(t *testing.T) {
	rm, _ := newFixture(t)
	ctx := context.Background()

	ch := &recordChannel{}
	coord := app.NewCoordinator(rm, ch)
	_, err := coord.Join(ctx, "r1", "alice")
	require.NoError(t, err)

	transport, params, err := coord.CreateTransport(ctx, core.TransportOptions{Producing: true})
	require.NoError(t, err)
	assert.NotEmpty(t, params)
	require.NoError(t, coord.ConnectTransport(ctx, transport.ID, dtls()))
	_, err = coord.Produce(ctx, transport.ID, domain.MediaAudio, nil)
	require.NoError(t, err)

	coord.Disconnect()
	coord.Disconnect() // transport loss may race an explicit leave

	assert.True(t, ch.Closed())
	room, ok := rm.Get("r1")
	require.True(t, ok, "the room outlives its last peer until deleted")
	snap := room.Snapshot()
	assert.Equal(t, 0, snap.PeerCount)
	assert.Equal(t, 0, snap.TransportCount)
	assert.Equal(t, 0, snap.ProducerCount)
}

// The full happy path: alice publishes video, bob arrives later, picks the
// stream up from the join snapshot, consumes and resumes it, then alice
// drops and bob sees the room go quiet.
func TestVideoSessionScenario(t *testing.T) {
	rm, eng := newFixture(t)
	ctx := context.Background()

	alice := app.NewCoordinator(rm, &recordChannel{})
	producers, err := alice.Join(ctx, "r1", "alice")
	require.NoError(t, err)
	require.Empty(t, producers)

	aliceTransport, _, err := alice.CreateTransport(ctx, core.TransportOptions{Producing: true})
	require.NoError(t, err)
	require.NoError(t, alice.ConnectTransport(ctx, aliceTransport.ID, dtls()))
	produced, err := alice.Produce(ctx, aliceTransport.ID, domain.MediaVideo, json.RawMessage(`{}`))
	require.NoError(t, err)

	bobChannel := &recordChannel{}
	bob := app.NewCoordinator(rm, bobChannel)
	producers, err = bob.Join(ctx, "r1", "bob")
	require.NoError(t, err)
	require.Len(t, producers, 1, "join returns the current stream set")
	assert.Equal(t, produced.ID, producers[0].ID)
	assert.Equal(t, domain.MediaVideo, producers[0].Kind)

	bobTransport, _, err := bob.CreateTransport(ctx, core.TransportOptions{Consuming: true})
	require.NoError(t, err)
	require.NoError(t, bob.ConnectTransport(ctx, bobTransport.ID, dtls()))
	consumer, rtpParameters, err := bob.Consume(ctx, bobTransport.ID, produced.ID, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, consumer.Paused)
	assert.NotEmpty(t, rtpParameters)
	require.NoError(t, bob.ResumeConsumer(ctx, consumer.ID))

	engineConsumers := eng.Consumers()
	require.Len(t, engineConsumers, 1)
	assert.False(t, engineConsumers[0].Paused())

	alice.Disconnect()

	left := bobChannel.EventsOfType(domain.EventPeerLeft)
	require.Len(t, left, 1)
	assert.Equal(t, domain.PeerID("alice"), left[0].PeerID)

	remaining, err := bob.ListProducers()
	require.NoError(t, err)
	assert.Empty(t, remaining, "alice's stream is gone after she drops")
}

func TestConcurrentCreateTransportDistinctIDs(t *testing.T) {
	rm, _ := newFixture(t)
	ctx := context.Background()

	coord := app.NewCoordinator(rm, nil)
	_, err := coord.Join(ctx, "r1", "alice")
	require.NoError(t, err)

	const n = 16
	ids := make([]domain.TransportID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			row, _, err := coord.CreateTransport(ctx, core.TransportOptions{Producing: true})
			assert.NoError(t, err)
			ids[i] = row.ID
		}(i)
	}
	wg.Wait()

	seen := make(map[domain.TransportID]struct{}, n)
	for _, id := range ids {
		require.NotEmpty(t, id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, n)

	room, ok := rm.Get("r1")
	require.True(t, ok)
	assert.Equal(t, n, room.Snapshot().TransportCount)
}

func TestSecondConnectionCannotStealPeer(t *testing.T) {
	rm, _ := newFixture(t)
	ctx := context.Background()

	first := app.NewCoordinator(rm, &recordChannel{})
	_, err := first.Join(ctx, "r1", "alice")
	require.NoError(t, err)
	transport, _, err := first.CreateTransport(ctx, core.TransportOptions{Producing: true})
	require.NoError(t, err)
	require.NoError(t, first.ConnectTransport(ctx, transport.ID, dtls()))
	_, err = first.Produce(ctx, transport.ID, domain.MediaAudio, nil)
	require.NoError(t, err)

	second := app.NewCoordinator(rm, &recordChannel{})
	_, err = second.Join(ctx, "r1", "alice")
	require.ErrorIs(t, err, core.ErrAlreadyJoined)
	assert.Equal(t, app.StateUnbound, second.State())

	// The rejected connection left the live session untouched.
	room, ok := rm.Get("r1")
	require.True(t, ok)
	assert.Equal(t, 1, room.Snapshot().PeerCount)
	assert.Equal(t, 1, room.Snapshot().ProducerCount)

	// Once the first connection drops, the id is free again.
	first.Disconnect()
	_, err = second.Join(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.Equal(t, app.StateJoined, second.State())
}

func TestJoinSurfacesEngineFailure(t *testing.T) {
	rm, eng := newFixture(t)
	eng.FailCreateContext = true

	coord := app.NewCoordinator(rm, nil)
	_, err := coord.Join(context.Background(), "r1", "alice")
	require.ErrorIs(t, err, core.ErrMediaEngineUnavailable)
	assert.Equal(t, app.StateUnbound, coord.State(), "a failed join is retryable")

	eng.FailCreateContext = false
	_, err = coord.Join(context.Background(), "r1", "alice")
	require.NoError(t, err)
}
