package similarity

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds a memo cache when no size is configured.
const DefaultCacheSize = 50000

// Cache memoizes computed values. Implementations must be safe for
// concurrent use.
type Cache interface {
	Get(key string) (int, bool)
	Add(key string, value int)
	Purge()
	Len() int
}

// LRUCache is a size-bounded Cache that evicts least recently used entries.
type LRUCache struct {
	lru *lru.Cache[string, int]
}

// NewLRUCache returns a cache holding at most size entries.
// A non-positive size selects DefaultCacheSize.
func NewLRUCache(size int) *LRUCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, int](size)
	if err != nil {
		// lru.New only fails for non-positive sizes, excluded above.
		panic(err)
	}
	return &LRUCache{lru: c}
}

func (c *LRUCache) Get(key string) (int, bool) { return c.lru.Get(key) }

func (c *LRUCache) Add(key string, value int) { c.lru.Add(key, value) }

func (c *LRUCache) Purge() { c.lru.Purge() }

func (c *LRUCache) Len() int { return c.lru.Len() }

// NewCachedScorer is a Scorer with its own bounded LRU cache.
func NewCachedScorer(size int) *Scorer {
	return NewScorer(NewLRUCache(size))
}
