package relay

import (
	"container/list"
	"sync"
)

// seenCache is a bounded LRU of message ids the relay has already handled.
// It gives the mesh at-most-once local delivery: duplicates of a flooded
// envelope arrive constantly from different neighbors and must be cheap to
// reject.
type seenCache struct {
	mu    sync.Mutex
	cap   int
	order *list.List // front = most recent
	index map[string]*list.Element
}

func newSeenCache(capacity int) *seenCache {
	if capacity < 1 {
		capacity = 1
	}
	return &seenCache{
		cap:   capacity,
		order: list.New(),
		index: make(map[string]*list.Element, capacity),
	}
}

// Seen records the id and reports whether it was already present. A hit
// refreshes recency so messages still circulating stay in the cache.
func (c *seenCache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[id]; ok {
		c.order.MoveToFront(el)
		return true
	}

	c.index[id] = c.order.PushFront(id)
	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(string))
	}
	return false
}

// Len returns the number of ids currently cached.
func (c *seenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
