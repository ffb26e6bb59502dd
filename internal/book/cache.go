// Package book maintains the shared order book cache. Push feeds from
// both venues write into it; the detector and the execution path read
// from it through a freshness gate.
//
// A snapshot older than the TTL (500 ms by default) is treated as absent:
// prediction-market books move in bursts around resolution, and acting on
// a stale book is worse than not acting at all.
package book

import (
	"sync"
	"time"

	"crossarb/pkg/types"
)

// UpdateFunc is invoked after each write with the instrument that changed.
type UpdateFunc func(venue types.Venue, instrument string)

type cacheKey struct {
	venue      types.Venue
	instrument string
}

// Cache is the venue-keyed snapshot store. Safe for concurrent use.
type Cache struct {
	mu    sync.RWMutex
	snaps map[cacheKey]types.OrderbookSnapshot
	ttl   time.Duration

	onUpdate UpdateFunc
}

// NewCache creates a cache with the given freshness TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		snaps: make(map[cacheKey]types.OrderbookSnapshot),
		ttl:   ttl,
	}
}

// SetUpdateFunc installs the post-write callback. The callback runs on
// the feed goroutine, so it must hand off quickly.
func (c *Cache) SetUpdateFunc(fn UpdateFunc) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// Put stores a snapshot and notifies the update callback.
func (c *Cache) Put(snap types.OrderbookSnapshot) {
	key := cacheKey{venue: snap.Venue, instrument: snap.Instrument}

	c.mu.Lock()
	c.snaps[key] = snap
	fn := c.onUpdate
	c.mu.Unlock()

	if fn != nil {
		fn(snap.Venue, snap.Instrument)
	}
}

// Get returns the snapshot if present and fresh at now. A stale or
// missing snapshot returns false.
func (c *Cache) Get(venue types.Venue, instrument string, now time.Time) (types.OrderbookSnapshot, bool) {
	c.mu.RLock()
	snap, ok := c.snaps[cacheKey{venue: venue, instrument: instrument}]
	c.mu.RUnlock()

	if !ok || now.Sub(snap.ReceivedAt) > c.ttl {
		return types.OrderbookSnapshot{}, false
	}
	return snap, true
}

// BestAsk is a convenience wrapper: fresh snapshot's best ask, or false.
func (c *Cache) BestAsk(venue types.Venue, instrument string, now time.Time) (types.PriceLevel, bool) {
	snap, ok := c.Get(venue, instrument, now)
	if !ok {
		return types.PriceLevel{}, false
	}
	return snap.BestAsk()
}

// Drop removes all snapshots for the given instruments, used when a pair
// is retired so dead books cannot satisfy a freshness check later.
func (c *Cache) Drop(venue types.Venue, instruments ...string) {
	c.mu.Lock()
	for _, instrument := range instruments {
		delete(c.snaps, cacheKey{venue: venue, instrument: instrument})
	}
	c.mu.Unlock()
}

// TTL returns the configured freshness bound.
func (c *Cache) TTL() time.Duration { return c.ttl }
