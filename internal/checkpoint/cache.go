package checkpoint

import (
	"github.com/tidwall/tinylru"
)

const defaultCacheSize = 8

// Cache keeps this rank's most recent checkpoints in memory, keyed by step.
type Cache struct {
	lru tinylru.LRU
}

func NewCache(size int) *Cache {
	if size <= 0 {
		size = defaultCacheSize
	}
	c := &Cache{}
	c.lru.Resize(size)
	return c
}

func (c *Cache) Put(cp Checkpoint) {
	c.lru.Set(cp.Step, cp)
}

func (c *Cache) Get(step uint64) (Checkpoint, bool) {
	v, ok := c.lru.Get(step)
	if !ok {
		return Checkpoint{}, false
	}
	return v.(Checkpoint), true
}

func (c *Cache) Len() int {
	return c.lru.Len()
}
