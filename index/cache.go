package index

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// CacheStats provides cache performance counters.
type CacheStats struct {
	Size      int   `json:"size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// QueryCache memoizes query results by normalized signature. Invalidation
// is wholesale: a mutation bumps a generation counter, instantly orphaning
// every entry. Partial invalidation would be unsound because cached results
// are intersections/unions of arbitrary token sets, so a single mutation
// can invalidate combinations never cached under the mutated token.
type QueryCache struct {
	mu         sync.RWMutex
	entries    map[string]*cacheEntry
	ttl        time.Duration
	maxEntries int
	generation atomic.Uint64

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type cacheEntry struct {
	ids        IDSet
	storedAt   time.Time
	generation uint64
}

// NewQueryCache creates a cache with the given TTL window.
func NewQueryCache(ttl time.Duration) *QueryCache {
	return &QueryCache{
		entries:    make(map[string]*cacheEntry),
		ttl:        ttl,
		maxEntries: 4096,
	}
}

// Signature builds the cache key from sorted, normalized filter criteria so
// that equivalent queries share an entry regardless of slice order.
func Signature(capabilities, domains, protocols []string, minScore float64) string {
	var b strings.Builder
	writeSorted := func(prefix string, values []string) {
		if len(values) == 0 {
			return
		}
		sorted := make([]string, len(values))
		for i, v := range values {
			sorted[i] = strings.ToLower(strings.TrimSpace(v))
		}
		sort.Strings(sorted)
		b.WriteString(prefix)
		b.WriteString(strings.Join(sorted, ","))
		b.WriteByte(';')
	}
	writeSorted("cap:", capabilities)
	writeSorted("dom:", domains)
	writeSorted("proto:", protocols)
	if minScore > 0 {
		b.WriteString("min:")
		b.WriteString(strconv.FormatFloat(minScore, 'f', 4, 64))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

// Get returns the cached result for the signature when it is from the
// current generation and inside the TTL window.
func (c *QueryCache) Get(signature string) (IDSet, bool) {
	c.mu.RLock()
	entry, found := c.entries[signature]
	c.mu.RUnlock()

	if !found ||
		entry.generation != c.generation.Load() ||
		time.Since(entry.storedAt) > c.TTL() {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return entry.ids.Clone(), true
}

// Put stores a result under the current generation.
func (c *QueryCache) Put(signature string, ids IDSet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictStale()
	}
	c.entries[signature] = &cacheEntry{
		ids:        ids.Clone(),
		storedAt:   time.Now(),
		generation: c.generation.Load(),
	}
}

// Invalidate orphans every cached entry in O(1) by bumping the generation.
// Called on any index mutation.
func (c *QueryCache) Invalidate() {
	c.generation.Add(1)
}

// Generation exposes the current generation for tests and stats.
func (c *QueryCache) Generation() uint64 {
	return c.generation.Load()
}

// TTL returns the current window; SetTTL adjusts it (used by the adaptive
// aggressive-caching strategy).
func (c *QueryCache) TTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ttl
}

func (c *QueryCache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
}

// Stats returns a point-in-time counter snapshot.
func (c *QueryCache) Stats() CacheStats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()
	return CacheStats{
		Size:      size,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// evictStale removes expired and orphaned entries; caller holds the lock.
// When nothing is stale it removes the oldest entry to make room.
func (c *QueryCache) evictStale() {
	gen := c.generation.Load()
	var oldestKey string
	var oldestAt time.Time
	removed := false
	for key, entry := range c.entries {
		if entry.generation != gen || time.Since(entry.storedAt) > c.ttl {
			delete(c.entries, key)
			c.evictions.Add(1)
			removed = true
			continue
		}
		if oldestKey == "" || entry.storedAt.Before(oldestAt) {
			oldestKey, oldestAt = key, entry.storedAt
		}
	}
	if !removed && oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions.Add(1)
	}
}
