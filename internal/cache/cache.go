// Package cache is the bounded in-memory store of decoded tile bytes. The
// durable tile databases remain the source of truth; everything here can be
// dropped at any time.
//
// Eviction is neither pure LRU nor pure LFU: each entry is scored
// accessCount*10 − minutes since last access, and the lowest scores go first.
// That weighting is a tuned invariant — a frequently-hit but stale entry can
// outlive a rarely-hit fresh one only up to the linear age penalty.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/offgridmaps/tilecore/api"
)

type entry struct {
	data         []byte
	size         int64
	created      time.Time
	lastAccessed time.Time
	accessCount  int
	prefetch     bool
}

// Cache lives inside the tile-serving context, but carries its own lock so
// diagnostics can be read from other goroutines without crossing the actor
// boundary.
type Cache struct {
	mu      sync.Mutex
	maxSize int64
	curSize int64
	entries map[api.TileCoordinate]*entry

	now func() time.Time // injectable for age-sensitive tests

	hits, misses, evictions, rejected uint64
}

// New builds a cache with the given byte budget.
func New(maxBytes int64) *Cache {
	return &Cache{
		maxSize: maxBytes,
		entries: make(map[api.TileCoordinate]*entry),
		now:     time.Now,
	}
}

// SetClock replaces the cache's clock. Test hook only.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Get returns the cached bytes for the coordinate, bumping its access time
// and count, or nil on a miss. O(1), never blocks on I/O. The returned slice
// is owned by the cache and must not be mutated.
func (c *Cache) Get(coord api.TileCoordinate) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[coord]
	if !ok {
		c.misses++
		return nil
	}
	e.lastAccessed = c.now()
	e.accessCount++
	c.hits++
	return e.data
}

// Contains reports presence without touching access stats; the prefetch
// scheduler uses it for dedup so speculative probes don't inflate counts.
func (c *Cache) Contains(coord api.TileCoordinate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[coord]
	return ok
}

// Store inserts a private copy of data, evicting lowest-scoring entries first
// if the budget would be exceeded. A tile larger than 10% of the budget is
// refused (returns false) so one oversized payload cannot monopolize the
// cache; the caller still serves it, it just isn't retained.
func (c *Cache) Store(coord api.TileCoordinate, data []byte, isPrefetch bool) bool {
	size := int64(len(data))
	if size == 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.maxSize/10 {
		c.rejected++
		return false
	}

	if old, ok := c.entries[coord]; ok {
		c.curSize -= old.size
		delete(c.entries, coord)
	}

	if c.curSize+size > c.maxSize {
		c.evictLocked(c.curSize + size - c.maxSize)
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	now := c.now()
	count := 1
	if isPrefetch {
		// Prefetched tiles have not been requested yet; they start cold so a
		// foreground miss can't be outscored by speculation.
		count = 0
	}
	c.entries[coord] = &entry{
		data:         buf,
		size:         size,
		created:      now,
		lastAccessed: now,
		accessCount:  count,
		prefetch:     isPrefetch,
	}
	c.curSize += size
	return true
}

// score is the eviction ranking: higher survives longer.
func (c *Cache) score(e *entry, now time.Time) float64 {
	ageMinutes := now.Sub(e.lastAccessed).Minutes()
	return float64(e.accessCount)*10 - ageMinutes
}

// evictLocked frees at least need bytes, lowest score first. Ties keep
// encounter order (stable sort); no cross-run determinism is promised.
func (c *Cache) evictLocked(need int64) {
	now := c.now()

	type scored struct {
		coord api.TileCoordinate
		score float64
		size  int64
	}
	ranked := make([]scored, 0, len(c.entries))
	for coord, e := range c.entries {
		ranked = append(ranked, scored{coord, c.score(e, now), e.size})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score < ranked[j].score })

	var freed int64
	for _, r := range ranked {
		if freed >= need {
			break
		}
		delete(c.entries, r.coord)
		c.curSize -= r.size
		freed += r.size
		c.evictions++
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[api.TileCoordinate]*entry)
	c.curSize = 0
}

// Stats returns a point-in-time snapshot.
func (c *Cache) Stats() api.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return api.CacheStats{
		Entries:   len(c.entries),
		SizeBytes: c.curSize,
		MaxBytes:  c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Rejected:  c.rejected,
	}
}

func (c *Cache) info(coord api.TileCoordinate, e *entry, now time.Time) api.CachedTileInfo {
	return api.CachedTileInfo{
		Coord:        coord,
		SizeBytes:    int(e.size),
		AccessCount:  e.accessCount,
		AgeSeconds:   now.Sub(e.created).Seconds(),
		IdleSeconds:  now.Sub(e.lastAccessed).Seconds(),
		FromPrefetch: e.prefetch,
	}
}

// Contents lists every entry for diagnostics, unordered.
func (c *Cache) Contents() []api.CachedTileInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make([]api.CachedTileInfo, 0, len(c.entries))
	for coord, e := range c.entries {
		out = append(out, c.info(coord, e, now))
	}
	return out
}

// TilesByZoom counts entries per zoom level.
func (c *Cache) TilesByZoom() map[uint8]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint8]int)
	for coord := range c.entries {
		out[coord.Z]++
	}
	return out
}

// RecentTiles returns up to n entries, most recently accessed first.
func (c *Cache) RecentTiles(n int) []api.CachedTileInfo {
	out := c.Contents()
	sort.Slice(out, func(i, j int) bool { return out[i].IdleSeconds < out[j].IdleSeconds })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// PopularTiles returns up to n entries, highest access count first.
func (c *Cache) PopularTiles(n int) []api.CachedTileInfo {
	out := c.Contents()
	sort.Slice(out, func(i, j int) bool { return out[i].AccessCount > out[j].AccessCount })
	if len(out) > n {
		out = out[:n]
	}
	return out
}
