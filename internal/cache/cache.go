// Package cache holds objects behind small integer handles.
package cache

import (
	"sync"
)

// Table defines a handle table.
type Table[T any] interface {
	// Put stores v under a fresh handle. It reports false when the table is full.
	Put(v T) (int, bool)
	// Get retrieves the object stored under h.
	Get(h int) (T, bool)
	// Delete removes h and returns what it held.
	Delete(h int) (T, bool)
	// Size returns the number of live handles.
	Size() int
}

// ensure interface compliance
var _ Table[int] = (*MapTable[int])(nil)

// MapTable is an in-memory Table. Handles start at 1, so 0 is never valid,
// and are not reused until the counter wraps.
type MapTable[T any] struct {
	data  map[int]T
	next  int
	limit int
	mu    sync.RWMutex
}

// NewMapTable returns a table holding at most limit objects; limit <= 0 means unbounded.
func NewMapTable[T any](limit int) *MapTable[T] {
	return &MapTable[T]{
		data:  make(map[int]T),
		next:  1,
		limit: limit,
	}
}

func (c *MapTable[T]) Put(v T) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limit > 0 && len(c.data) >= c.limit {
		return 0, false
	}
	for {
		h := c.next
		c.next++
		if c.next <= 0 {
			c.next = 1
		}
		if _, taken := c.data[h]; !taken {
			c.data[h] = v
			return h, true
		}
	}
}

func (c *MapTable[T]) Get(h int) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[h]
	return v, ok
}

func (c *MapTable[T]) Delete(h int) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[h]
	if ok {
		delete(c.data, h)
	}
	return v, ok
}

func (c *MapTable[T]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
