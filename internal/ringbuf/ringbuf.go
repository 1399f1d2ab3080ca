// Package ringbuf provides a fixed-capacity circular store used for per-series bar history.
package ringbuf

import "errors"

// ErrInvalidCapacity is returned when a buffer is constructed with a non-positive capacity.
var ErrInvalidCapacity = errors.New("ringbuf: capacity must be positive")

// RingBuffer keeps the most recent items up to a fixed capacity, overwriting the oldest once full.
type RingBuffer[T any] struct {
	items []T
	head  int // next write position
	size  int
}

// New allocates a buffer able to hold capacity items.
func New[T any](capacity int) (*RingBuffer[T], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &RingBuffer[T]{items: make([]T, capacity)}, nil
}

// Push stores item, dropping the oldest entry when the buffer is full.
func (r *RingBuffer[T]) Push(item T) {
	r.items[r.head] = item
	r.head++
	if r.head == len(r.items) {
		r.head = 0
	}
	if r.size < len(r.items) {
		r.size++
	}
}

// Len reports how many items are currently stored.
func (r *RingBuffer[T]) Len() int { return r.size }

// Cap reports the fixed capacity.
func (r *RingBuffer[T]) Cap() int { return len(r.items) }

// Last returns the most recent min(n, Len()) items, oldest first.
func (r *RingBuffer[T]) Last(n int) []T {
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return []T{}
	}
	return r.AppendLast(make([]T, 0, n), n)
}

// AppendLast appends the most recent min(n, Len()) items to dst in chronological order.
// Callers on hot paths reuse dst between calls.
func (r *RingBuffer[T]) AppendLast(dst []T, n int) []T {
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return dst
	}
	start := r.head - n
	if start < 0 {
		start += len(r.items)
	}
	if start+n <= len(r.items) {
		return append(dst, r.items[start:start+n]...)
	}
	dst = append(dst, r.items[start:]...)
	return append(dst, r.items[:r.head]...)
}
