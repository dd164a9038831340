package buffer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Policy selects the behavior of Write when the buffer is full.
type Policy int

const (
	// Overwrite drops the oldest item to make room and always succeeds.
	Overwrite Policy = iota
	// Block waits up to the configured timeout for room, then fails.
	Block
)

// RingBuffer is a fixed-capacity FIFO shared by many producers and a single
// consumer. All mutations happen under one mutex; capacity is rounded up to
// a power of two so index wrapping is a mask.
type RingBuffer[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     []T
	mask    int
	read    int
	write   int
	count   int
	closed  bool
	policy  Policy
	timeout time.Duration

	dropped atomic.Uint64

	highWater   int
	aboveWater  bool
	onHighWater func()
}

// Option configures a RingBuffer.
type Option[T any] func(*RingBuffer[T])

// WithPolicy sets the overflow policy. The default is Overwrite.
func WithPolicy[T any](p Policy) Option[T] {
	return func(b *RingBuffer[T]) { b.policy = p }
}

// WithBlockTimeout bounds how long Write waits under the Block policy.
func WithBlockTimeout[T any](d time.Duration) Option[T] {
	return func(b *RingBuffer[T]) { b.timeout = d }
}

// WithHighWater installs a callback invoked once each time the item count
// crosses the mark from below. It runs outside the buffer lock.
func WithHighWater[T any](mark int, fn func()) Option[T] {
	return func(b *RingBuffer[T]) {
		b.highWater = mark
		b.onHighWater = fn
	}
}

// NewRingBuffer creates a buffer holding at least size items.
func NewRingBuffer[T any](size int, opts ...Option[T]) *RingBuffer[T] {
	capacity := 1
	for capacity < size {
		capacity <<= 1
	}
	b := &RingBuffer[T]{
		buf:     make([]T, capacity),
		mask:    capacity - 1,
		timeout: time.Second,
	}
	b.cond = sync.NewCond(&b.mu)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Cap returns the buffer capacity.
func (b *RingBuffer[T]) Cap() int { return len(b.buf) }

// Len returns the current item count.
func (b *RingBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Dropped returns the number of items discarded by the Overwrite policy.
func (b *RingBuffer[T]) Dropped() uint64 { return b.dropped.Load() }

// Write enqueues one item. Under Overwrite it always returns true and may
// discard the oldest item; under Block it waits up to the timeout and
// returns false if the buffer stayed full or was closed.
func (b *RingBuffer[T]) Write(item T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}

	if b.count == len(b.buf) {
		switch b.policy {
		case Overwrite:
			b.read = (b.read + 1) & b.mask
			b.count--
			b.dropped.Add(1)
		case Block:
			deadline := time.Now().Add(b.timeout)
			for b.count == len(b.buf) && !b.closed {
				remaining := time.Until(deadline)
				if remaining <= 0 {
					b.mu.Unlock()
					return false
				}
				t := time.AfterFunc(remaining, b.cond.Broadcast)
				b.cond.Wait()
				t.Stop()
			}
			if b.closed {
				b.mu.Unlock()
				return false
			}
		}
	}

	b.buf[b.write] = item
	b.write = (b.write + 1) & b.mask
	b.count++

	var fire func()
	if b.onHighWater != nil && !b.aboveWater && b.count >= b.highWater {
		b.aboveWater = true
		fire = b.onHighWater
	}
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
	return true
}

// Read removes and returns the oldest item.
func (b *RingBuffer[T]) Read() (T, bool) {
	var zero T
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return zero, false
	}
	return b.takeLocked(), true
}

// ReadBatch removes up to max items in FIFO order.
func (b *RingBuffer[T]) ReadBatch(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.count
	if n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.takeLocked())
	}
	return out
}

func (b *RingBuffer[T]) takeLocked() T {
	var zero T
	item := b.buf[b.read]
	b.buf[b.read] = zero
	b.read = (b.read + 1) & b.mask
	b.count--
	if b.aboveWater && b.count < b.highWater {
		b.aboveWater = false
	}
	b.cond.Broadcast()
	return item
}

// Close rejects further writes. Items already buffered remain readable.
func (b *RingBuffer[T]) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.cond.Broadcast()
	return nil
}
