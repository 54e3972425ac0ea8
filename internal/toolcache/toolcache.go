// Package toolcache is the Tool Result Cache (spec.md §4.J): an LRU ordered
// map capped at a configured size, with TTL expiry and mcp-/tool-scoped
// invalidation. No teacher or pack repo implements an LRU+TTL cache, so
// this is built directly against spec.md §4.J's contract using the
// standard container/list doubly-linked-list building block (the same
// list+map idiom hashicorp/golang-lru uses, which is not present anywhere
// in the example pack — see DESIGN.md).
package toolcache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// DefaultMaxSize is the entry cap absent an explicit WithMaxSize.
const DefaultMaxSize = 1000

// DefaultTTL is how long a cached result remains valid absent an explicit
// WithTTL.
const DefaultTTL = 5 * time.Minute

// Stats tracks cache effectiveness (spec.md §4.J).
type Stats struct {
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Invalidations uint64
}

// HitRate returns Hits / (Hits + Misses), or 0 if there have been no
// lookups yet.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type record struct {
	mcpName   string
	toolName  string
	key       string
	result    any
	cachedAt  time.Time
	expiresAt time.Time
}

// Cache is an LRU-ordered, TTL-expiring tool-call result cache.
type Cache struct {
	maxSize int
	ttl     time.Duration

	mu       sync.Mutex
	order    *list.List // front = most recently used
	entries  map[string]*list.Element
	stats    Stats

	sweepDone chan struct{}
	sweepOnce sync.Once
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithMaxSize overrides DefaultMaxSize.
func WithMaxSize(n int) Option {
	return func(c *Cache) { c.maxSize = n }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// New builds a Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		maxSize:   DefaultMaxSize,
		ttl:       DefaultTTL,
		order:     list.New(),
		entries:   make(map[string]*list.Element),
		sweepDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the stable cache key for (mcp, tool, args): a hash of the
// tool identity and the canonical (sorted-key) JSON encoding of args, so
// argument order never causes a spurious cache miss.
func Key(mcpName, toolName string, args map[string]any) string {
	canonical := canonicalJSON(args)
	sum := sha256.Sum256([]byte(mcpName + "\x00" + toolName + "\x00" + canonical))
	return hex.EncodeToString(sum[:])
}

func canonicalJSON(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]byte, 0, 64)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		kb, _ := json.Marshal(k)
		vb, err := json.Marshal(args[k])
		if err != nil {
			vb = []byte("null")
		}
		ordered = append(ordered, kb...)
		ordered = append(ordered, ':')
		ordered = append(ordered, vb...)
	}
	ordered = append(ordered, '}')
	return string(ordered)
}

// Get returns the cached result for key, moving it to most-recently-used
// and rejecting (and removing) an expired entry (spec.md §4.J).
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	rec := el.Value.(*record)
	if time.Now().After(rec.expiresAt) {
		c.removeElement(el)
		c.stats.Misses++
		return nil, false
	}
	c.order.MoveToFront(el)
	c.stats.Hits++
	return rec.result, true
}

// Set stores result under key, evicting the least-recently-used entry if
// the cache is at capacity (spec.md §4.J).
func (c *Cache) Set(key, mcpName, toolName string, result any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if el, ok := c.entries[key]; ok {
		rec := el.Value.(*record)
		rec.result = result
		rec.cachedAt = now
		rec.expiresAt = now.Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	rec := &record{
		mcpName:   mcpName,
		toolName:  toolName,
		key:       key,
		result:    result,
		cachedAt:  now,
		expiresAt: now.Add(c.ttl),
	}
	el := c.order.PushFront(rec)
	c.entries[key] = el

	for c.order.Len() > c.maxSize {
		c.evictOldest()
	}
}

func (c *Cache) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}
	c.removeElement(el)
	c.stats.Evictions++
}

func (c *Cache) removeElement(el *list.Element) {
	rec := el.Value.(*record)
	c.order.Remove(el)
	delete(c.entries, rec.key)
}

// InvalidateMCP removes every entry belonging to mcpName (spec.md §4.J).
func (c *Cache) InvalidateMCP(mcpName string) {
	c.invalidateWhere(func(rec *record) bool { return rec.mcpName == mcpName })
}

// InvalidateTool removes every entry for (mcpName, toolName) (spec.md §4.J).
func (c *Cache) InvalidateTool(mcpName, toolName string) {
	c.invalidateWhere(func(rec *record) bool { return rec.mcpName == mcpName && rec.toolName == toolName })
}

func (c *Cache) invalidateWhere(match func(*record) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var next *list.Element
	for el := c.order.Front(); el != nil; el = next {
		next = el.Next()
		rec := el.Value.(*record)
		if match(rec) {
			c.order.Remove(el)
			delete(c.entries, rec.key)
			c.stats.Invalidations++
		}
	}
}

// Stats returns a snapshot of the cache's effectiveness counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Len reports the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// StartSweep removes expired entries once per interval on a background
// goroutine (spec.md §4.J: "a background sweep removes expired entries each
// minute").
func (c *Cache) StartSweep(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.sweepDone:
				return
			case <-ticker.C:
				c.sweepExpired()
			}
		}
	}()
}

// StopSweep halts the goroutine started by StartSweep. Safe to call
// multiple times.
func (c *Cache) StopSweep() {
	c.sweepOnce.Do(func() { close(c.sweepDone) })
}

func (c *Cache) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var next *list.Element
	for el := c.order.Front(); el != nil; el = next {
		next = el.Next()
		rec := el.Value.(*record)
		if now.After(rec.expiresAt) {
			c.order.Remove(el)
			delete(c.entries, rec.key)
		}
	}
}
