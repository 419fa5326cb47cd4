// Package observer keeps a set of registered observers that can be notified
// from any goroutine while others register or deregister.
package observer

import (
	"sync/atomic"

	"github.com/cornelk/hashmap"
)

// ID identifies a registration.
type ID uint64

// List is a lock-free observer set.
type List[T any] struct {
	observers *hashmap.Map[ID, T]
	nextID    atomic.Uint64
}

func NewList[T any]() *List[T] {
	return &List[T]{observers: hashmap.New[ID, T]()}
}

// Register adds o and returns its registration id.
func (l *List[T]) Register(o T) ID {
	id := ID(l.nextID.Add(1))
	l.observers.Set(id, o)
	return id
}

// Deregister removes a registration; it reports whether id was known.
func (l *List[T]) Deregister(id ID) bool {
	return l.observers.Del(id)
}

// ForEach calls fn for every registered observer. Order is unspecified.
func (l *List[T]) ForEach(fn func(T)) {
	l.observers.Range(func(_ ID, o T) bool {
		fn(o)
		return true
	})
}

func (l *List[T]) Len() int {
	return l.observers.Len()
}
