package bridge

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Receive once the ring has been closed.
var ErrClosed = errors.New("stream closed")

// Ring is a fixed-capacity FIFO that evicts the oldest item when full.
type Ring[T any] struct {
	mu     sync.Mutex
	buf    []T
	head   int // read position
	tail   int // write position
	count  int
	closed bool
	notify chan struct{}

	// Stats
	totalReceived int64
	totalSent     int64
	totalDropped  int64
}

// NewRing creates a ring with the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		buf:    make([]T, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Send appends item, evicting the oldest item if the ring is full.
// dropped reports an eviction; ok is false if the ring is closed.
func (b *Ring[T]) Send(item T) (dropped bool, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, false
	}

	if b.count == len(b.buf) {
		var zero T
		b.buf[b.head] = zero
		b.head = (b.head + 1) % len(b.buf)
		b.count--
		b.totalDropped++
		dropped = true
	}

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % len(b.buf)
	b.count++
	b.totalReceived++

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return dropped, true
}

// Receive removes and returns the oldest item, blocking until one is
// available, the ring is closed, or ctx is done.
func (b *Ring[T]) Receive(ctx context.Context) (T, error) {
	for {
		if item, ok, err := b.pop(); ok || err != nil {
			return item, err
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-b.notify:
		}
	}
}

// TryReceive returns the oldest item without blocking.
func (b *Ring[T]) TryReceive() (T, bool) {
	item, ok, _ := b.pop()
	return item, ok
}

func (b *Ring[T]) pop() (T, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	if b.closed {
		return zero, false, ErrClosed
	}
	if b.count == 0 {
		return zero, false, nil
	}
	item := b.buf[b.head]
	b.buf[b.head] = zero // Clear reference for GC
	b.head = (b.head + 1) % len(b.buf)
	b.count--
	b.totalSent++
	return item, true, nil
}

// Close discards buffered items and wakes any receiver.
func (b *Ring[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	clear(b.buf)
	b.count = 0
	close(b.notify)
}

// Len returns the current number of buffered items.
func (b *Ring[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns ring statistics.
func (b *Ring[T]) Stats() RingStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return RingStats{
		Count:         b.count,
		Capacity:      len(b.buf),
		TotalReceived: b.totalReceived,
		TotalSent:     b.totalSent,
		TotalDropped:  b.totalDropped,
	}
}

// RingStats contains ring statistics.
type RingStats struct {
	Count         int
	Capacity      int
	TotalReceived int64
	TotalSent     int64
	TotalDropped  int64
}
