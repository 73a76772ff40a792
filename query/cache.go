package query

import (
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/livedata/document"
)

// DefaultCacheSize bounds the number of compiled selectors kept by NewCache.
const DefaultCacheSize = 1024

// Cache keeps compiled matchers keyed by XXH64 of the canonical selector
// JSON, so selectors that differ only in key order share one entry.
type Cache struct {
	matchers *lru.Cache[uint64, *Matcher]
}

// NewCache creates a cache holding up to size matchers.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[uint64, *Matcher](size)
	if err != nil {
		return nil, err
	}
	return &Cache{matchers: c}, nil
}

// Matcher returns the compiled matcher for selector, compiling on miss.
// Compilation errors are not cached.
func (c *Cache) Matcher(selector *document.Document) (*Matcher, error) {
	var sel document.Value = selector
	if selector == nil {
		sel = document.New()
	}
	key := xxhash.Sum64(document.Canonical(sel))
	if m, ok := c.matchers.Get(key); ok {
		return m, nil
	}
	m, err := Compile(selector)
	if err != nil {
		return nil, err
	}
	c.matchers.Add(key, m)
	return m, nil
}

// Len reports the number of cached matchers.
func (c *Cache) Len() int {
	return c.matchers.Len()
}
