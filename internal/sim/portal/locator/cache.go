package locator

import (
	"portalskies.ai/internal/sim/geom"
	"portalskies.ai/internal/sim/host"
)

type cacheKey struct {
	partition host.PartitionID
	origin    geom.Vec3i
	size      geom.Vec3i
}

// Cache remembers where a search from a given origin last succeeded.
// Entries are re-measured on use, so a stale entry only costs one lookup.
type Cache struct {
	entries map[cacheKey]geom.Vec3i
	hits    uint64
	misses  uint64
}

func NewCache() *Cache {
	return &Cache{entries: map[cacheKey]geom.Vec3i{}}
}

func (c *Cache) get(k cacheKey) (geom.Vec3i, bool) {
	if c == nil {
		return geom.Vec3i{}, false
	}
	v, ok := c.entries[k]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return v, ok
}

func (c *Cache) put(k cacheKey, seed geom.Vec3i) {
	if c == nil {
		return
	}
	c.entries[k] = seed
}

func (c *Cache) drop(k cacheKey) {
	if c == nil {
		return
	}
	delete(c.entries, k)
}

func (c *Cache) Clear() {
	if c == nil {
		return
	}
	clear(c.entries)
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

func (c *Cache) Stats() (hits, misses uint64) {
	if c == nil {
		return 0, 0
	}
	return c.hits, c.misses
}
