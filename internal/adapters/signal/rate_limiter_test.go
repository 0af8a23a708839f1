package signal

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets the tests move time instead of sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limit int, interval time.Duration) (*JoinRateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	rl := NewJoinRateLimiter(limit, interval)
	rl.now = clock.now
	return rl, clock
}

func TestAllowUpToLimit(t *testing.T) {
	rl, _ := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("conn-1"), "attempt %d", i+1)
	}
	assert.False(t, rl.Allow("conn-1"))
	assert.True(t, rl.Allow("conn-2"), "tokens are limited independently")
}

func TestWindowSlides(t *testing.T) {
	rl, clock := newTestLimiter(2, time.Minute)

	require.True(t, rl.Allow("conn-1"))
	require.True(t, rl.Allow("conn-1"))
	require.False(t, rl.Allow("conn-1"))

	clock.advance(61 * time.Second)
	assert.True(t, rl.Allow("conn-1"), "old attempts fall out of the window")
}

func TestIdleTokensAreSwept(t *testing.T) {
	rl, clock := newTestLimiter(5, time.Minute)

	for i := 0; i < 100; i++ {
		require.True(t, rl.Allow(fmt.Sprintf("conn-%d", i)))
	}
	require.Len(t, rl.history, 100)

	clock.advance(2 * time.Minute)
	rl.Allow("conn-new")
	assert.Len(t, rl.history, 1, "idle tokens do not accumulate")
}
