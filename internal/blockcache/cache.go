// Package blockcache provides a byte-bounded LRU cache for decompressed
// group blocks, keyed by the read-memo (container id, offset, length) the
// access layer used to fetch them.
//
// Adapted from the teacher store's LRU block cache
// (internal/cache/lru_cache.go): same Insert/Lookup/Release/Erase handle
// lifecycle and container/list eviction ordering, re-keyed from
// (file number, block offset) to a read-memo and with sharding dropped,
// since the store's own concurrency model treats this cache as the single
// shared mutable structure on the read path rather than something under
// per-shard lock contention.
package blockcache

import (
	"container/list"
	"sync"
)

// Memo identifies a block by where the access layer found it.
type Memo struct {
	ContainerID uint64
	Offset      int64
	Length      int64
}

// Handle is a reference to a cached block. Callers must Release it when
// done reading Value.
type Handle struct {
	key     Memo
	value   any
	charge  uint64
	refs    int32
	deleted bool
}

// Value returns the cached payload (typically a *groupblock.Block).
func (h *Handle) Value() any { return h.value }

// Charge returns the byte charge this entry counts against the cache.
func (h *Handle) Charge() uint64 { return h.charge }

// Cache is a thread-safe, byte-bounded LRU cache of decompressed blocks.
type Cache struct {
	mu       sync.Mutex
	capacity uint64
	usage    uint64
	table    map[Memo]*list.Element
	lru      *list.List
}

type entry struct {
	handle *Handle
}

// DefaultCapacity is the default cache size: 50 MiB.
const DefaultCapacity = 50 << 20

// New creates a Cache with the given byte capacity. A capacity of 0 uses
// DefaultCapacity.
func New(capacity uint64) *Cache {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		table:    make(map[Memo]*list.Element),
		lru:      list.New(),
	}
}

// Insert adds a block to the cache under key, evicting least-recently-used
// entries as needed to stay within capacity. Returns a pinned Handle; the
// caller must Release it.
func (c *Cache) Insert(key Memo, value any, charge uint64) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.table[key]; ok {
		e := elem.Value.(*entry)
		c.usage -= e.handle.charge
		e.handle.value = value
		e.handle.charge = charge
		c.usage += charge
		c.lru.MoveToFront(elem)
		e.handle.refs++
		return e.handle
	}

	handle := &Handle{key: key, value: value, charge: charge, refs: 1}
	for c.usage+charge > c.capacity && c.lru.Len() > 0 {
		if !c.evictOne() {
			break
		}
	}
	elem := c.lru.PushFront(&entry{handle: handle})
	c.table[key] = elem
	c.usage += charge
	return handle
}

// Lookup returns the cached handle for key, or nil if absent. A found
// handle is pinned and moved to the front of the LRU order; the caller must
// Release it.
func (c *Cache) Lookup(key Memo) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.table[key]
	if !ok {
		return nil
	}
	e := elem.Value.(*entry)
	if e.handle.deleted {
		return nil
	}
	c.lru.MoveToFront(elem)
	e.handle.refs++
	return e.handle
}

// Release unpins a handle obtained from Insert or Lookup.
func (c *Cache) Release(h *Handle) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	h.refs--
	if h.refs == 0 && h.deleted {
		c.removeHandle(h)
	}
}

// Erase removes key from the cache. If it is currently pinned, it is
// removed once its last handle is released.
func (c *Cache) Erase(key Memo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.table[key]
	if !ok {
		return
	}
	e := elem.Value.(*entry)
	e.handle.deleted = true
	if e.handle.refs == 0 {
		c.removeHandle(e.handle)
	}
}

// Usage returns the total byte charge currently held in the cache.
func (c *Cache) Usage() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// evictOne evicts the least-recently-used unpinned, non-deleted entry.
// Reports whether an entry was evicted. Must be called with mu held.
func (c *Cache) evictOne() bool {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		ent := e.Value.(*entry)
		if ent.handle.refs == 0 && !ent.handle.deleted {
			c.removeEntry(e)
			return true
		}
	}
	return false
}

// removeEntry unlinks elem from both the table and the LRU list. Must be
// called with mu held.
func (c *Cache) removeEntry(elem *list.Element) {
	ent := elem.Value.(*entry)
	delete(c.table, ent.handle.key)
	c.lru.Remove(elem)
	c.usage -= ent.handle.charge
}

func (c *Cache) removeHandle(h *Handle) {
	if elem, ok := c.table[h.key]; ok {
		c.removeEntry(elem)
	}
}
