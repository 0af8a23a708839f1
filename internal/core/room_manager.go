package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/dstrelka/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// RoomManager is the process-wide room directory. Rooms are created
// lazily, one media context per room, and live until deleted or shutdown.
type RoomManager struct {
	engine Engine
	codecs []Codec
	sink   EventSink
	policy BackpressurePolicy

	mu    sync.RWMutex
	rooms map[domain.RoomID]*Room
}

// Option configures a RoomManager.
type Option func(*RoomManager)

// WithEventSink mirrors every room event to an external sink.
func WithEventSink(sink EventSink) Option {
	return func(rm *RoomManager) { rm.sink = sink }
}

// WithBackpressurePolicy overrides the default drop policy.
func WithBackpressurePolicy(p BackpressurePolicy) Option {
	return func(rm *RoomManager) { rm.policy = p }
}

// WithCodecs overrides the default Opus/VP8 capability set.
func WithCodecs(codecs []Codec) Option {
	return func(rm *RoomManager) { rm.codecs = codecs }
}

func NewRoomManager(engine Engine, opts ...Option) *RoomManager {
	rm := &RoomManager{
		engine: engine,
		codecs: DefaultCodecs(),
		rooms:  make(map[domain.RoomID]*Room),
	}
	for _, opt := range opts {
		opt(rm)
	}
	return rm
}

// GetOrCreate returns the room for id, creating it on first reference.
// Idempotent: a second call never creates a second media context. On
// engine failure the room is not registered.
func (rm *RoomManager) GetOrCreate(ctx context.Context, id domain.RoomID) (*Room, error) {
	if err := domain.ValidateRoomID(id); err != nil {
		return nil, err
	}
	rm.mu.RLock()
	room, ok := rm.rooms[id]
	rm.mu.RUnlock()
	if ok {
		return room, nil
	}

	// Context creation happens outside any lock; a hung engine must not
	// stall unrelated rooms.
	media, err := rm.engine.CreateContext(ctx, rm.codecs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaEngineUnavailable, err)
	}

	rm.mu.Lock()
	if room, ok = rm.rooms[id]; ok {
		// Lost the create race; drop the extra context.
		rm.mu.Unlock()
		_ = media.Close()
		return room, nil
	}
	room = NewRoom(id, media, rm.sink, rm.policy)
	rm.rooms[id] = room
	rm.mu.Unlock()

	log.Info().Str("module", "core.rooms").Str("room", string(id)).Msg("room created")
	return room, nil
}

// Get is a pure lookup, no side effects.
func (rm *RoomManager) Get(id domain.RoomID) (*Room, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	room, ok := rm.rooms[id]
	return room, ok
}

// Delete closes the room and removes it from the directory. Returns
// whether a room existed; repeat calls return false.
func (rm *RoomManager) Delete(id domain.RoomID) bool {
	rm.mu.Lock()
	room, ok := rm.rooms[id]
	if ok {
		delete(rm.rooms, id)
	}
	rm.mu.Unlock()
	if !ok {
		return false
	}
	room.Close()
	log.Info().Str("module", "core.rooms").Str("room", string(id)).Msg("room deleted")
	return true
}

// List snapshots every room's summary. Diagnostics, not a hot path.
func (rm *RoomManager) List() []domain.RoomInfo {
	rm.mu.RLock()
	rooms := make([]*Room, 0, len(rm.rooms))
	for _, room := range rm.rooms {
		rooms = append(rooms, room)
	}
	rm.mu.RUnlock()

	out := make([]domain.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, room.Snapshot())
	}
	return out
}

// Shutdown deletes every room. Used once at process teardown and for test
// isolation.
func (rm *RoomManager) Shutdown() {
	rm.mu.Lock()
	rooms := rm.rooms
	rm.rooms = make(map[domain.RoomID]*Room)
	rm.mu.Unlock()
	for _, room := range rooms {
		room.Close()
	}
	log.Info().Str("module", "core.rooms").Int("rooms", len(rooms)).Msg("room manager shut down")
}
