package events

import (
	"sync"
	"time"
)

// Coalescer batches discrete values and flushes them to the emit
// callback when either maxBatch values are buffered or interval has
// elapsed since the first buffered value, whichever comes first.
//
// Flush is safe to call concurrently: calls that arrive while a flush is
// in flight coalesce into it instead of double-emitting, and a flush of
// an empty buffer is a no-op.
type Coalescer[T any] struct {
	maxBatch int
	interval time.Duration
	emit     func([]T)

	mu       sync.Mutex
	buf      []T
	timer    *time.Timer
	flushing bool
}

// NewCoalescer creates a Coalescer. maxBatch of 1 makes every Add flush
// immediately, which suits streams where only the latest value matters.
func NewCoalescer[T any](maxBatch int, interval time.Duration, emit func([]T)) *Coalescer[T] {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	return &Coalescer[T]{
		maxBatch: maxBatch,
		interval: interval,
		emit:     emit,
	}
}

// Add buffers one value, flushing if the batch is full.
func (c *Coalescer[T]) Add(v T) {
	c.mu.Lock()
	c.buf = append(c.buf, v)
	if len(c.buf) >= c.maxBatch {
		c.flushLocked()
		return
	}
	if c.timer == nil && c.interval > 0 {
		c.timer = time.AfterFunc(c.interval, c.Flush)
	}
	c.mu.Unlock()
}

// Flush delivers any buffered values to the emit callback.
func (c *Coalescer[T]) Flush() {
	c.mu.Lock()
	c.flushLocked()
}

// flushLocked drains the buffer and emits outside the lock. The caller
// must hold mu; it is released before returning.
func (c *Coalescer[T]) flushLocked() {
	if c.flushing || len(c.buf) == 0 {
		// Another flush is in flight or there is nothing to emit;
		// either way this call coalesces away.
		c.mu.Unlock()
		return
	}
	batch := c.buf
	c.buf = nil
	c.flushing = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	c.emit(batch)

	c.mu.Lock()
	c.flushing = false
	// Values added during the emit restart the clock.
	if len(c.buf) > 0 && c.timer == nil && c.interval > 0 {
		c.timer = time.AfterFunc(c.interval, c.Flush)
	}
	c.mu.Unlock()
}
