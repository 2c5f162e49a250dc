package storage

import (
	"sync"

	"github.com/keepsakehq/keepsake/internal/memory"
)

// Cache is one adapter's in-memory view of a user's memories, newest
// first. Values are cloned on the way in and out, so neither the adapter
// nor callers can alias cached state.
type Cache struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]*memory.Memory
}

func NewCache() *Cache {
	return &Cache{byID: make(map[string]*memory.Memory)}
}

// Reset drops everything, for user switches.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.byID = make(map[string]*memory.Memory)
}

// ReplaceAll swaps in a full remote snapshot, keeping the given order.
func (c *Cache) ReplaceAll(ms []*memory.Memory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = make([]string, 0, len(ms))
	c.byID = make(map[string]*memory.Memory, len(ms))
	for _, m := range ms {
		if _, dup := c.byID[m.ID]; dup {
			continue
		}
		c.order = append(c.order, m.ID)
		c.byID[m.ID] = m.Clone()
	}
}

// Prepend inserts a new memory at the front.
func (c *Cache) Prepend(m *memory.Memory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.byID[m.ID]; dup {
		c.byID[m.ID] = m.Clone()
		return
	}
	c.order = append([]string{m.ID}, c.order...)
	c.byID[m.ID] = m.Clone()
}

// Update replaces a record in place, keeping its list position.
// Reports whether the id was present.
func (c *Cache) Update(m *memory.Memory) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[m.ID]; !ok {
		return false
	}
	c.byID[m.ID] = m.Clone()
	return true
}

// Remove deletes a record. Reports whether the id was present.
func (c *Cache) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[id]; !ok {
		return false
	}
	delete(c.byID, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns a copy of one record.
func (c *Cache) Get(id string) (*memory.Memory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Snapshot returns copies of all records, newest first.
func (c *Cache) Snapshot() []*memory.Memory {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*memory.Memory, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id].Clone())
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}
