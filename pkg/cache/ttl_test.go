package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCacheEvictsLeastRecent(t *testing.T) {
	c := NewTTL[string, int](2, 0)
	c.Set("a", 1)
	c.Set("b", 2)
	_, ok := c.Get("a")
	require.True(t, ok)
	c.Set("c", 3)

	_, ok = c.Get("b")
	assert.False(t, ok)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Len())
}

func TestTTLCacheExpires(t *testing.T) {
	c := NewTTL[string, string](8, 20*time.Millisecond)
	c.Set("k", "v")
	_, ok := c.Get("k")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := c.Get("k")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestTTLCacheDeleteAndPurge(t *testing.T) {
	c := NewTTL[string, int](8, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	c.Purge()
	assert.Zero(t, c.Len())
}

func TestNilTTLCache(t *testing.T) {
	var c *TTLCache[string, int]
	c.Set("a", 1)
	c.Delete("a")
	c.Purge()
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}
