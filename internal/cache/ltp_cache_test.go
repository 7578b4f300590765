package cache

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLTPCacheSetGet(t *testing.T) {
	c := NewLTPCacheWith(10, 5*time.Second)

	c.Set(256265, 22510.5)
	price, ok := c.Get(256265)
	require.True(t, ok)
	assert.Equal(t, 22510.5, price)

	_, ok = c.Get(738561)
	assert.False(t, ok)
}

func TestLTPCacheRejectsInvalidPrices(t *testing.T) {
	c := NewLTPCacheWith(10, 5*time.Second)

	c.Set(1, 0)
	c.Set(2, -12.5)
	c.Set(3, math.NaN())
	c.Set(4, math.Inf(1))

	assert.Equal(t, 0, c.Len())
}

func TestLTPCacheTTL(t *testing.T) {
	c := NewLTPCacheWith(10, 5*time.Second)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set(256265, 100)

	// Fresh read within TTL
	now = now.Add(4 * time.Second)
	_, ok := c.Get(256265)
	require.True(t, ok)

	// Expired for normal reads
	now = now.Add(2 * time.Second)
	_, ok = c.Get(256265)
	assert.False(t, ok)

	// Still visible through the stale window
	price, ok := c.GetStaleWithin(256265, 10*time.Second)
	require.True(t, ok)
	assert.Equal(t, 100.0, price)

	// But not past it
	_, ok = c.GetStaleWithin(256265, 1*time.Second)
	assert.False(t, ok)
}

func TestLTPCacheEviction(t *testing.T) {
	c := NewLTPCacheWith(3, 5*time.Second)

	c.Set(1, 10)
	c.Set(2, 20)
	c.Set(3, 30)

	// Touch 1 so 2 becomes the LRU entry
	_, ok := c.Get(1)
	require.True(t, ok)

	c.Set(4, 40)

	assert.Equal(t, 3, c.Len())
	_, ok = c.Get(2)
	assert.False(t, ok, "least recently used entry should have been evicted")
	_, ok = c.Get(1)
	assert.True(t, ok)
	_, ok = c.Get(4)
	assert.True(t, ok)
}

func TestLTPCacheStaleReadDoesNotReorder(t *testing.T) {
	c := NewLTPCacheWith(2, 5*time.Second)

	c.Set(1, 10)
	c.Set(2, 20)

	// A stale-window read of 1 must not promote it
	_, ok := c.GetStaleWithin(1, 5*time.Second)
	require.True(t, ok)

	c.Set(3, 30)

	_, ok = c.Get(1)
	assert.False(t, ok, "stale read should not have protected the LRU entry")
	_, ok = c.Get(2)
	assert.True(t, ok)
}

func TestLTPCacheGetMany(t *testing.T) {
	c := NewLTPCacheWith(10, 5*time.Second)

	c.Set(256265, 22510.5)
	c.Set(260105, 48230.0)

	result := c.GetMany([]uint32{256265, 260105, 738561})
	require.Len(t, result, 3)
	require.NotNil(t, result[256265])
	assert.Equal(t, 22510.5, *result[256265])
	require.NotNil(t, result[260105])
	assert.Equal(t, 48230.0, *result[260105])
	assert.Nil(t, result[738561])
}
