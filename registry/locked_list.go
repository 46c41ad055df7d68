// Package registry keeps the set of registered continuous queries and decides,
// for each new one, whether an equivalent query is already executing.
package registry

import (
	"sync"

	"github.com/teranos/aggregator/errors"
)

// LockedList is an append-only list safe for concurrent use.
// Readers never observe a partially written element.
type LockedList[T any] struct {
	mu    sync.RWMutex
	items []T
	clone func(T) T
}

// NewLockedList creates an empty list. clone, if non-nil, is applied to each
// element returned by Snapshot so callers cannot reach shared state.
func NewLockedList[T any](clone func(T) T) *LockedList[T] {
	return &LockedList[T]{clone: clone}
}

// Add appends item and returns its index.
func (l *LockedList[T]) Add(item T) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, item)
	return len(l.items) - 1
}

// Get returns the item at index i.
func (l *LockedList[T]) Get(i int) (T, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.items) {
		var zero T
		return zero, errors.Newf("index %d out of range [0, %d)", i, len(l.items))
	}
	return l.items[i], nil
}

// Len returns the number of items.
func (l *LockedList[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Snapshot returns a copy of the list as of the call.
func (l *LockedList[T]) Snapshot() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]T, len(l.items))
	if l.clone == nil {
		copy(out, l.items)
		return out
	}
	for i, item := range l.items {
		out[i] = l.clone(item)
	}
	return out
}

// Clear removes every item.
func (l *LockedList[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
}
