package rules

import (
	"sync"
	"sync/atomic"
	"time"
)

// RuleSetCache caches the priority-ordered enabled rule set of one engine.
// It allows swapping the in-memory cache for a shared one.
type RuleSetCache interface {
	// Get returns the cached rule set, or nil on a miss or expiry
	Get() []*Rule

	// Set stores the rule set, ordering it by priority
	Set(rules []*Rule)

	// Invalidate clears the cache, forcing a reload on the next Get
	Invalidate()
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live of a cached rule set.
	// Zero means no expiration (invalidated only on mutations).
	TTL time.Duration
}

// DefaultCacheConfig returns the defaults: no TTL, invalidate on writes
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}

// InMemoryRuleSetCache is a thread-safe in-memory RuleSetCache
type InMemoryRuleSetCache struct {
	rules    []*Rule
	cachedAt time.Time
	valid    bool
	config   CacheConfig
	mu       sync.RWMutex

	hits   atomic.Int64
	misses atomic.Int64
}

// NewInMemoryRuleSetCache creates a new in-memory rule set cache
func NewInMemoryRuleSetCache(config CacheConfig) *InMemoryRuleSetCache {
	return &InMemoryRuleSetCache{config: config}
}

// Get returns a copy of the cached rule set
func (c *InMemoryRuleSetCache) Get() []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.valid || (c.config.TTL > 0 && time.Since(c.cachedAt) > c.config.TTL) {
		c.misses.Add(1)
		return nil
	}
	c.hits.Add(1)

	out := make([]*Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Set stores the enabled rules ordered by priority
func (c *InMemoryRuleSetCache) Set(rules []*Rule) {
	ordered := SortByPriority(rules)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules = ordered
	c.cachedAt = time.Now()
	c.valid = true
}

// Invalidate clears the cache
func (c *InMemoryRuleSetCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.valid = false
	c.rules = nil
}

// HitRatio reports cache hits over total lookups, 0 before the first lookup
func (c *InMemoryRuleSetCache) HitRatio() float64 {
	hits, misses := c.hits.Load(), c.misses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}
