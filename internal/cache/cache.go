// Package cache holds the single generated calendar between requests.
package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL applies when the configured TTL is not positive.
const DefaultTTL = 10 * time.Minute

// entry is the last successfully encoded calendar.
type entry struct {
	payload   []byte
	identity  string
	updatedAt time.Time
}

// Calendar memoizes one encoded calendar for a fixed TTL. The entry is
// tagged with the identity (credential fingerprint) that produced it, and a
// lookup for any other identity misses.
//
// Invalidate bumps a generation counter. A producer records Generation()
// before it starts and passes it to Put; results started before the most
// recent invalidation are dropped.
type Calendar struct {
	ttl time.Duration
	now func() time.Time

	mu         sync.RWMutex
	entry      *entry
	generation uint64

	group singleflight.Group
}

// Option customizes a Calendar.
type Option func(*Calendar)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Calendar) { c.now = now }
}

func New(ttl time.Duration, opts ...Option) *Calendar {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Calendar{ttl: ttl, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// TTL returns the validity window.
func (c *Calendar) TTL() time.Duration {
	return c.ttl
}

// Get returns the cached payload when it belongs to identity and is younger
// than the TTL.
func (c *Calendar) Get(identity string) ([]byte, bool) {
	c.mu.RLock()
	e := c.entry
	c.mu.RUnlock()

	if e == nil || e.identity != identity {
		return nil, false
	}
	if c.now().Sub(e.updatedAt) >= c.ttl {
		return nil, false
	}
	return e.payload, true
}

// Put stores payload unless the cache was invalidated after generation gen
// was read. It reports whether the payload was stored.
func (c *Calendar) Put(identity string, gen uint64, payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		return false
	}
	c.entry = &entry{
		payload:   payload,
		identity:  identity,
		updatedAt: c.now(),
	}
	return true
}

// Invalidate drops the entry and fences off producers already in flight.
func (c *Calendar) Invalidate() {
	c.mu.Lock()
	c.entry = nil
	c.generation++
	c.mu.Unlock()
}

// Generation returns the current invalidation generation.
func (c *Calendar) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// UpdatedAt reports when the current entry was produced.
func (c *Calendar) UpdatedAt() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entry == nil {
		return time.Time{}, false
	}
	return c.entry.updatedAt, true
}

// Do runs fn once for all concurrent callers with the same identity and
// generation and hands every caller the same result. Callers that arrive
// after an Invalidate never join a run started before it. A caller whose ctx
// ends stops waiting and gets ctx.Err(); fn keeps running for the others.
// shared is true for callers that received another caller's result.
func (c *Calendar) Do(ctx context.Context, identity string, gen uint64, fn func() ([]byte, error)) (payload []byte, shared bool, err error) {
	key := identity + "/" + strconv.FormatUint(gen, 10)
	ch := c.group.DoChan(key, func() (any, error) {
		return fn()
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.([]byte), res.Shared, nil
	}
}
