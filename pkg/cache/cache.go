// Package cache provides the bounded, expiring caches shared by conflict
// analysis and the async processor.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultKeepRatio is the share of entries kept when a cache overflows.
const DefaultKeepRatio = 0.7

// Cache is an LRU with optional TTL. When it grows past capacity it drops
// the least recently written entries until keepRatio*capacity remain.
type Cache[K comparable, V any] struct {
	mu        sync.Mutex
	lru       *expirable.LRU[K, V]
	capacity  int
	keepRatio float64
	trims     int
}

// New builds a cache. ttl <= 0 disables expiry; keepRatio outside (0,1)
// falls back to DefaultKeepRatio.
func New[K comparable, V any](capacity int, ttl time.Duration, keepRatio float64) *Cache[K, V] {
	if capacity <= 0 {
		capacity = 1000
	}
	if keepRatio <= 0 || keepRatio >= 1 {
		keepRatio = DefaultKeepRatio
	}
	return &Cache[K, V]{
		lru:       expirable.NewLRU[K, V](capacity+1, nil, ttl),
		capacity:  capacity,
		keepRatio: keepRatio,
	}
}

// Add stores value under key and trims the cache if needed.
func (c *Cache[K, V]) Add(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addLocked(key, value)
}

func (c *Cache[K, V]) addLocked(key K, value V) {
	c.lru.Add(key, value)
	if c.lru.Len() > c.capacity {
		keep := int(float64(c.capacity) * c.keepRatio)
		for c.lru.Len() > keep {
			if _, _, ok := c.lru.RemoveOldest(); !ok {
				break
			}
		}
		c.trims++
	}
}

// Get returns the value without refreshing its position, so trimming keeps
// the most recently written entries.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	return c.lru.Peek(key)
}

// Contains reports whether key is present and unexpired.
func (c *Cache[K, V]) Contains(key K) bool {
	return c.lru.Contains(key)
}

func (c *Cache[K, V]) Remove(key K) bool {
	return c.lru.Remove(key)
}

func (c *Cache[K, V]) Len() int {
	return c.lru.Len()
}

// Keys returns keys oldest first.
func (c *Cache[K, V]) Keys() []K {
	return c.lru.Keys()
}

func (c *Cache[K, V]) Purge() {
	c.lru.Purge()
}

// Trims reports how many overflow trims have happened.
func (c *Cache[K, V]) Trims() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trims
}

// Set is a bounded membership set with the same trim policy.
type Set[K comparable] struct {
	c *Cache[K, struct{}]
}

func NewSet[K comparable](capacity int, ttl time.Duration) *Set[K] {
	return &Set[K]{c: New[K, struct{}](capacity, ttl, DefaultKeepRatio)}
}

// Add inserts key and reports whether it was newly added.
func (s *Set[K]) Add(key K) bool {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if s.c.lru.Contains(key) {
		return false
	}
	s.c.addLocked(key, struct{}{})
	return true
}

func (s *Set[K]) Contains(key K) bool { return s.c.Contains(key) }
func (s *Set[K]) Remove(key K)        { s.c.Remove(key) }
func (s *Set[K]) Len() int            { return s.c.Len() }
