package routing

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jellydator/ttlcache/v3"
	"github.com/kabili207/meshstack/pkg/meshid"
	"github.com/kabili207/meshstack/pkg/packet"
)

const (
	DefaultDedupTTL  = 5 * time.Minute
	DefaultDedupSize = 256

	dedupCleanupInterval = 30 * time.Second
)

// DuplicateCache remembers recently seen (source, packet id) pairs. Entries
// expire after the TTL and the cache never holds more than its size.
//
// Expiry is judged against the injected clock. The backing cache also carries
// the TTL and a capacity so it stays bounded even if cleanup never runs.
type DuplicateCache struct {
	seen        *ttlcache.Cache[uint64, time.Time]
	ttl         time.Duration
	maxSize     int
	clock       clock.Clock
	lastCleanup time.Time
}

func NewDuplicateCache(ttl time.Duration, maxSize int, clk clock.Clock) *DuplicateCache {
	if clk == nil {
		clk = clock.New()
	}
	if maxSize <= 0 {
		maxSize = DefaultDedupSize
	}
	return &DuplicateCache{
		seen: ttlcache.New[uint64, time.Time](
			ttlcache.WithTTL[uint64, time.Time](ttl),
			ttlcache.WithCapacity[uint64, time.Time](uint64(maxSize)),
			ttlcache.WithDisableTouchOnHit[uint64, time.Time](),
		),
		ttl:         ttl,
		maxSize:     maxSize,
		clock:       clk,
		lastCleanup: clk.Now(),
	}
}

func cacheKey(source meshid.NodeID, id uint16) uint64 {
	return packet.Key{Source: source, PacketID: id}.Uint64()
}

func (c *DuplicateCache) fresh(key uint64, now time.Time) bool {
	item := c.seen.Get(key)
	return item != nil && now.Sub(item.Value()) < c.ttl
}

// CheckAndAdd returns true the first time a key is seen within the TTL and
// records it. Every later call inside the window returns false.
func (c *DuplicateCache) CheckAndAdd(source meshid.NodeID, id uint16) bool {
	now := c.clock.Now()
	if now.Sub(c.lastCleanup) > dedupCleanupInterval {
		c.Cleanup()
	}

	key := cacheKey(source, id)
	if c.fresh(key, now) {
		return false
	}
	if c.seen.Len() >= c.maxSize {
		c.Cleanup()
	}
	c.seen.Set(key, now, ttlcache.DefaultTTL)
	return true
}

// IsDuplicate checks without recording.
func (c *DuplicateCache) IsDuplicate(source meshid.NodeID, id uint16) bool {
	return c.fresh(cacheKey(source, id), c.clock.Now())
}

// Cleanup drops expired entries.
func (c *DuplicateCache) Cleanup() {
	now := c.clock.Now()
	for key, item := range c.seen.Items() {
		if now.Sub(item.Value()) >= c.ttl {
			c.seen.Delete(key)
		}
	}
	c.seen.DeleteExpired()
	c.lastCleanup = now
}

func (c *DuplicateCache) Len() int {
	return c.seen.Len()
}

func (c *DuplicateCache) Clear() {
	c.seen.DeleteAll()
}
