// Package arena provides fixed-capacity object pools addressed by stable
// integer handles.
package arena

import "github.com/pkg/errors"

// ErrPoolExhausted is returned when every slot of an arena is in use.
var ErrPoolExhausted = errors.New("pool exhausted")

// Handle identifies a live arena entry. The zero Handle is never issued.
type Handle int

// Arena stores up to a fixed number of values. Freed slots are reused in LIFO
// order. An Arena is not safe for concurrent use.
type Arena[T any] struct {
	name  string
	items []T
	live  []bool
	free  []int
}

// New creates an arena holding at most capacity values.
func New[T any](name string, capacity int) *Arena[T] {
	if capacity < 0 {
		capacity = 0
	}
	a := &Arena[T]{
		name:  name,
		items: make([]T, capacity),
		live:  make([]bool, capacity),
		free:  make([]int, 0, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		a.free = append(a.free, i)
	}
	return a
}

// Alloc stores v and returns its handle.
func (a *Arena[T]) Alloc(v T) (Handle, error) {
	n := len(a.free)
	if n == 0 {
		return 0, errors.Wrapf(ErrPoolExhausted, "%s: %d entries in use", a.name, len(a.items))
	}
	idx := a.free[n-1]
	a.free = a.free[:n-1]
	a.items[idx] = v
	a.live[idx] = true
	return Handle(idx + 1), nil
}

// Get returns a pointer to the value stored under h, or nil if h is not live.
func (a *Arena[T]) Get(h Handle) *T {
	idx := int(h) - 1
	if idx < 0 || idx >= len(a.items) || !a.live[idx] {
		return nil
	}
	return &a.items[idx]
}

// Free releases h. Freeing a handle that is not live panics.
func (a *Arena[T]) Free(h Handle) {
	idx := int(h) - 1
	if idx < 0 || idx >= len(a.items) || !a.live[idx] {
		panic(errors.Errorf("%s: free of unknown handle %d", a.name, h))
	}
	var zero T
	a.items[idx] = zero
	a.live[idx] = false
	a.free = append(a.free, idx)
}

// Len returns the number of live entries.
func (a *Arena[T]) Len() int {
	return len(a.items) - len(a.free)
}

// Cap returns the arena capacity.
func (a *Arena[T]) Cap() int {
	return len(a.items)
}
