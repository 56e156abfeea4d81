package nodetab

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// AtomCache maps atom names to the slot indexes shared with a peer. When all
// slots are taken the least recently used atom gives up its slot.
type AtomCache struct {
	mu    sync.Mutex
	slots *lru.Cache[string, int]
	free  []int
	size  int

	hits   uint64
	misses uint64
}

func newAtomCache(size int) *AtomCache {
	if size <= 0 {
		size = DefaultAtomCacheSize
	}
	c := &AtomCache{
		size: size,
		free: make([]int, 0, size),
	}
	for i := size - 1; i >= 0; i-- {
		c.free = append(c.free, i)
	}
	// Eviction runs synchronously inside Add and RemoveOldest, with c.mu
	// held by the caller.
	slots, err := lru.NewWithEvict(size, func(_ string, idx int) {
		c.free = append(c.free, idx)
	})
	if err != nil {
		panic(err)
	}
	c.slots = slots
	return c
}

// Index returns the slot of atom. inserted is true when the atom was not
// cached and has just been assigned a slot, in which case the peer must be
// told the new mapping.
func (c *AtomCache) Index(atom string) (idx int, inserted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx, ok := c.slots.Get(atom); ok {
		c.hits++
		return idx, false
	}
	c.misses++

	if len(c.free) == 0 {
		c.slots.RemoveOldest()
	}
	idx = c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	c.slots.Add(atom, idx)
	return idx, true
}

// Lookup returns the slot of atom without changing its recency.
func (c *AtomCache) Lookup(atom string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots.Peek(atom)
}

// Len returns the number of cached atoms.
func (c *AtomCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots.Len()
}

// Size returns the number of slots.
func (c *AtomCache) Size() int {
	return c.size
}

// Stats returns the hit and miss counters.
func (c *AtomCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
