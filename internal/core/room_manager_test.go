package core_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dstrelka/huddle/internal/adapters/engine/mockengine"
	"github.com/dstrelka/huddle/internal/core"
	"github.com/dstrelka/huddle/internal/domain"
)

func TestGetOrCreateIsIdempotent(t *testing.T) {
	eng := mockengine.New()
	rm := core.NewRoomManager(eng)
	defer rm.Shutdown()

	first, err := rm.GetOrCreate(context.Background(), "r1")
	require.NoError(t, err)
	second, err := rm.GetOrCreate(context.Background(), "r1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, eng.ContextCount(), "one media context per room")
}

func TestGetOrCreateEngineFailure(t *testing.T) {
	eng := mockengine.New()
	eng.FailCreateContext = true
	rm := core.NewRoomManager(eng)

	_, err := rm.GetOrCreate(context.Background(), "r1")
	require.ErrorIs(t, err, core.ErrMediaEngineUnavailable)

	_, ok := rm.Get("r1")
	assert.False(t, ok, "failed room must not be registered")

	// The engine recovers; the room can now be created.
	eng.FailCreateContext = false
	_, err = rm.GetOrCreate(context.Background(), "r1")
	require.NoError(t, err)
}

func TestGetOrCreateRejectsBadIDs(t *testing.T) {
	rm := core.NewRoomManager(mockengine.New())

	_, err := rm.GetOrCreate(context.Background(), "")
	assert.Error(t, err)

	long := make([]byte, 100)
	for i := range long {
		long[i] = 'x'
	}
	_, err = rm.GetOrCreate(context.Background(), domain.RoomID(long))
	assert.Error(t, err)
}

func TestDeleteRoomIsIdempotent(t *testing.T) {
	rm := core.NewRoomManager(mockengine.New())
	_, err := rm.GetOrCreate(context.Background(), "r1")
	require.NoError(t, err)

	assert.True(t, rm.Delete("r1"))
	assert.False(t, rm.Delete("r1"))
	assert.False(t, rm.Delete("never-existed"))

	_, ok := rm.Get("r1")
	assert.False(t, ok)
}

func TestListAndShutdown(t *testing.T) {
	rm := core.NewRoomManager(mockengine.New())
	for _, id := range []string{"a", "b", "c"} {
		_, err := rm.GetOrCreate(context.Background(), domain.RoomID(id))
		require.NoError(t, err)
	}
	assert.Len(t, rm.List(), 3)

	rm.Shutdown()
	assert.Empty(t, rm.List())
	_, ok := rm.Get("a")
	assert.False(t, ok)
}
