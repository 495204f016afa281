package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TTLCache is a size-bounded LRU whose entries expire after ttl. A nil
// *TTLCache is a valid, always-empty cache.
type TTLCache[K comparable, V any] struct {
	cache *expirable.LRU[K, V]
}

// NewTTL returns a cache holding at most maxSize entries. A non-positive ttl
// disables expiry.
func NewTTL[K comparable, V any](maxSize int, ttl time.Duration) *TTLCache[K, V] {
	c := expirable.NewLRU[K, V](maxSize, nil, ttl)
	return &TTLCache[K, V]{cache: c}
}

func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	if c == nil {
		var zero V
		return zero, false
	}
	return c.cache.Get(key)
}

func (c *TTLCache[K, V]) Set(key K, value V) {
	if c == nil {
		return
	}
	c.cache.Add(key, value)
}

func (c *TTLCache[K, V]) Delete(key K) {
	if c == nil {
		return
	}
	c.cache.Remove(key)
}

// Purge drops every entry.
func (c *TTLCache[K, V]) Purge() {
	if c == nil {
		return
	}
	c.cache.Purge()
}

func (c *TTLCache[K, V]) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}
