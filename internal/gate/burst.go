package gate

import (
	"context"
	"sync"
	"time"
)

import (
	"golang.org/x/time/rate"
)

// BurstLimiter is a per (operation, client IP) token bucket kept in memory.
// Idle entries are dropped by the janitor.
type BurstLimiter struct {
	mu           sync.Mutex
	entries      map[string]*burstEntry
	idleTTL      time.Duration
	cleanupEvery time.Duration
	now          func() time.Time
}

type burstEntry struct {
	lim       *rate.Limiter
	perMinute float64
	burst     int
	lastSeen  time.Time
}

type BurstOption func(*BurstLimiter)

func WithIdleTTL(d time.Duration) BurstOption {
	return func(b *BurstLimiter) { b.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) BurstOption {
	return func(b *BurstLimiter) { b.cleanupEvery = d }
}

func withBurstClock(now func() time.Time) BurstOption {
	return func(b *BurstLimiter) { b.now = now }
}

func NewBurstLimiter(opts ...BurstOption) *BurstLimiter {
	b := &BurstLimiter{
		entries:      make(map[string]*burstEntry),
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow takes one token for key at perMinute/burst. When refused it returns
// the wait until a token is available. A changed policy starts a fresh
// bucket for the key.
func (b *BurstLimiter) Allow(key string, perMinute float64, burst int) (bool, time.Duration) {
	if perMinute <= 0 {
		return true, 0
	}
	if burst <= 0 {
		burst = 1
	}
	now := b.now()
	limit := rate.Limit(perMinute / 60)

	b.mu.Lock()
	ent, ok := b.entries[key]
	if !ok || ent.perMinute != perMinute || ent.burst != burst {
		ent = &burstEntry{lim: rate.NewLimiter(limit, burst), perMinute: perMinute, burst: burst}
		b.entries[key] = ent
	}
	ent.lastSeen = now
	lim := ent.lim
	b.mu.Unlock()

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Peek reports whether Allow would pass for key right now without taking a
// token. Unknown keys and changed policies start with a full bucket.
func (b *BurstLimiter) Peek(key string, perMinute float64, burst int) (bool, time.Duration) {
	if perMinute <= 0 {
		return true, 0
	}
	if burst <= 0 {
		burst = 1
	}
	now := b.now()

	b.mu.Lock()
	ent, ok := b.entries[key]
	b.mu.Unlock()
	if !ok || ent.perMinute != perMinute || ent.burst != burst {
		return true, 0
	}

	tokens := ent.lim.TokensAt(now)
	if tokens >= 1 {
		return true, 0
	}
	perSec := perMinute / 60
	return false, time.Duration((1 - tokens) / perSec * float64(time.Second))
}

// Cleanup drops entries idle for longer than the idle TTL.
func (b *BurstLimiter) Cleanup() int {
	cutoff := b.now().Add(-b.idleTTL)

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for k, ent := range b.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(b.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (b *BurstLimiter) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// StartJanitor cleans idle keys periodically until ctx is done.
func (b *BurstLimiter) StartJanitor(ctx context.Context) {
	if b.cleanupEvery <= 0 {
		return
	}
	t := time.NewTicker(b.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				b.Cleanup()
			}
		}
	}()
}
