package signal

import (
	"sync"
	"time"
)

// JoinRateLimiter bounds join attempts per connection token inside a
// sliding window, so a misbehaving client cannot churn room membership.
// Tokens with no attempt inside the window are swept periodically, since
// connection tokens are short-lived and the map would otherwise grow
// with every connection the process ever saw.
type JoinRateLimiter struct {
	mu        sync.Mutex
	history   map[string][]time.Time
	limit     int
	interval  time.Duration
	lastSweep time.Time

	now func() time.Time
}

func NewJoinRateLimiter(limit int, interval time.Duration) *JoinRateLimiter {
	return &JoinRateLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *JoinRateLimiter) Allow(connID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	if now.Sub(rl.lastSweep) > rl.interval {
		rl.sweepLocked(windowStart)
		rl.lastSweep = now
	}

	attempts := rl.history[connID]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[connID] = fresh
		return false
	}
	rl.history[connID] = append(fresh, now)
	return true
}

// sweepLocked drops every token whose newest attempt fell out of the
// window.
func (rl *JoinRateLimiter) sweepLocked(windowStart time.Time) {
	for id, attempts := range rl.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			delete(rl.history, id)
		}
	}
}
