// Package cache contains the process-local hot caches for the gateway.
package cache

import (
	"container/list"
	"math"
	"sync"
	"time"

	"github.com/marketfanout/gatewayapi/internal/metrics"
)

const (
	// DefaultCapacity bounds the number of cached tokens
	DefaultCapacity = 10000
	// DefaultTTL is the freshness window for normal reads
	DefaultTTL = 5 * time.Second
)

type ltpEntry struct {
	token     uint32
	price     float64
	updatedAt time.Time
}

// LTPCache is a fixed-capacity LRU cache of last traded prices. Normal reads
// honor the TTL; the stale-within variants serve the batcher's enrichment
// path without touching recency order.
type LTPCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[uint32]*list.Element
	order    *list.List // front = most recently used
	now      func() time.Time
}

// NewLTPCache creates an LTP cache with the default capacity and TTL
func NewLTPCache() *LTPCache {
	return NewLTPCacheWith(DefaultCapacity, DefaultTTL)
}

// NewLTPCacheWith creates an LTP cache with explicit capacity and TTL
func NewLTPCacheWith(capacity int, ttl time.Duration) *LTPCache {
	return &LTPCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[uint32]*list.Element, capacity),
		order:    list.New(),
		now:      time.Now,
	}
}

// Set stores a price. Non-finite and non-positive prices are ignored.
func (c *LTPCache) Set(token uint32, price float64) {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.entries[token]; ok {
		entry := element.Value.(*ltpEntry)
		entry.price = price
		entry.updatedAt = c.now()
		c.order.MoveToFront(element)
		return
	}

	element := c.order.PushFront(&ltpEntry{token: token, price: price, updatedAt: c.now()})
	c.entries[token] = element

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*ltpEntry).token)
		}
	}
}

// Get returns the price for a token if it is within the TTL
func (c *LTPCache) Get(token uint32) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.entries[token]
	if !ok {
		metrics.CacheMisses.Inc()
		return 0, false
	}
	entry := element.Value.(*ltpEntry)
	if c.now().Sub(entry.updatedAt) > c.ttl {
		metrics.CacheMisses.Inc()
		return 0, false
	}
	c.order.MoveToFront(element)
	metrics.CacheHits.WithLabelValues("local").Inc()
	return entry.price, true
}

// GetStaleWithin returns the price if it was written within the given window.
// It does not delete or reorder entries.
func (c *LTPCache) GetStaleWithin(token uint32, window time.Duration) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.entries[token]
	if !ok {
		return 0, false
	}
	entry := element.Value.(*ltpEntry)
	if c.now().Sub(entry.updatedAt) > window {
		return 0, false
	}
	return entry.price, true
}

// GetMany returns a price per token, nil where unknown or expired
func (c *LTPCache) GetMany(tokens []uint32) map[uint32]*float64 {
	result := make(map[uint32]*float64, len(tokens))
	for _, token := range tokens {
		if price, ok := c.Get(token); ok {
			p := price
			result[token] = &p
		} else {
			result[token] = nil
		}
	}
	return result
}

// GetManyStaleWithin is the batch variant of GetStaleWithin
func (c *LTPCache) GetManyStaleWithin(tokens []uint32, window time.Duration) map[uint32]*float64 {
	result := make(map[uint32]*float64, len(tokens))
	for _, token := range tokens {
		if price, ok := c.GetStaleWithin(token, window); ok {
			p := price
			result[token] = &p
		} else {
			result[token] = nil
		}
	}
	return result
}

// Len returns the number of cached tokens
func (c *LTPCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
