package scoring

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

type cacheKey struct {
	participantID string
	rubricID      string
}

// cache holds computed aggregates. A miss hands out a generation drawn from a
// counter that never repeats; a computation may only install its result if
// the key still carries the generation it started under. Invalidation drops
// the key's generation with its entry, so gens never outgrows entries plus
// keys with a computation in flight.
type cache struct {
	mu      sync.Mutex
	entries map[cacheKey]Aggregate
	gens    map[cacheKey]uint64
	next    uint64
	group   singleflight.Group
}

func newCache() *cache {
	return &cache{
		entries: make(map[cacheKey]Aggregate),
		gens:    make(map[cacheKey]uint64),
	}
}

func (c *cache) get(k cacheKey) (Aggregate, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if agg, ok := c.entries[k]; ok {
		return agg, c.gens[k], true
	}
	gen, ok := c.gens[k]
	if !ok {
		c.next++
		gen = c.next
		c.gens[k] = gen
	}
	return Aggregate{}, gen, false
}

func (c *cache) install(k cacheKey, gen uint64, agg Aggregate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.gens[k]; !ok || cur != gen {
		return false
	}
	c.entries[k] = agg
	return true
}

// abandon releases a generation whose computation failed.
func (c *cache) abandon(k cacheKey, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.gens[k]; ok && cur == gen {
		if _, cached := c.entries[k]; !cached {
			delete(c.gens, k)
		}
	}
}

func (c *cache) invalidate(k cacheKey) {
	c.mu.Lock()
	delete(c.gens, k)
	delete(c.entries, k)
	c.mu.Unlock()
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *cache) generations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.gens)
}
