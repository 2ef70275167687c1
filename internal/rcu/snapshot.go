// Package rcu holds read-mostly values behind an atomic pointer.
//
// Readers call Load and never block; writers build a fresh value and swap it
// in. Values handed to Replace or returned from an Update func must not be
// mutated afterwards.
package rcu

import (
	"sync/atomic"
)

// Snapshot is a lock-free container for an immutable *T.
type Snapshot[T any] struct {
	ptr atomic.Pointer[T]
}

func NewSnapshot[T any](init *T) *Snapshot[T] {
	s := &Snapshot[T]{}
	s.ptr.Store(init)
	return s
}

// Load returns the current value.
func (s *Snapshot[T]) Load() *T {
	return s.ptr.Load()
}

// Replace swaps in next unconditionally.
func (s *Snapshot[T]) Replace(next *T) {
	s.ptr.Store(next)
}

// Update derives the next value from the current one and retries until no
// concurrent writer got in between. fn may run more than once.
func (s *Snapshot[T]) Update(fn func(cur *T) *T) *T {
	for {
		cur := s.ptr.Load()
		next := fn(cur)
		if s.ptr.CompareAndSwap(cur, next) {
			return next
		}
	}
}
