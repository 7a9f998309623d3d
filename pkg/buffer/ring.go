package buffer

import (
	"sync"

	"github.com/c360/telemon/errors"
)

// ring is the circular-array implementation behind NewRing.
type ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	metrics  *queueMetrics
	opts     *ringOptions[T]

	// Block policy coordination.
	notFull *sync.Cond
	closed  bool
}

func newRing[T any](capacity int, opts *ringOptions[T]) (*ring[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *queueMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newQueueMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newRing", "metrics registration")
		}
	}

	r := &ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}
	r.notFull = sync.NewCond(&r.mu)
	return r, nil
}

// Write adds an item according to the overflow policy. The lock is held only
// for the in-memory mutation; the drop callback runs after it is released so
// the callback may touch the buffer.
func (r *ring[T]) Write(item T) error {
	dropped, notify, err := r.write(item)
	if notify {
		r.opts.dropCallback(dropped)
	}
	return err
}

func (r *ring[T]) write(item T) (dropped T, notify bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return dropped, false, errors.WrapInvalid(errors.ErrClosed, "buffer", "Write", "write to closed buffer")
	}

	if r.size == r.capacity {
		switch r.opts.overflowPolicy {
		case DropOldest:
			dropped = r.items[r.tail]
			r.tail = (r.tail + 1) % r.capacity
			r.size--

			r.stats.Overflow()
			r.stats.Drop()
			if r.metrics != nil {
				r.metrics.recordDrop()
			}
			notify = r.opts.dropCallback != nil

		case DropNewest:
			r.stats.Overflow()
			r.stats.Drop()
			if r.metrics != nil {
				r.metrics.recordDrop()
			}
			return item, r.opts.dropCallback != nil, nil

		case Block:
			for r.size == r.capacity && !r.closed {
				r.notFull.Wait()
			}
			if r.closed {
				return dropped, false, errors.WrapInvalid(errors.ErrClosed, "buffer", "Write", "closed during blocking wait")
			}
		}
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++

	r.stats.Write()
	r.stats.UpdateSize(int64(r.size))
	if r.metrics != nil {
		r.metrics.recordWrite(r.size, r.capacity)
	}
	return dropped, notify, nil
}

// Read removes and returns the oldest item.
func (r *ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}

	item := r.items[r.tail]
	r.items[r.tail] = zero // release for GC
	r.tail = (r.tail + 1) % r.capacity
	r.size--

	r.stats.Read()
	r.stats.UpdateSize(int64(r.size))
	if r.metrics != nil {
		r.metrics.recordRead(r.size, r.capacity)
	}
	r.notFull.Signal()
	return item, true
}

// ReadBatch removes and returns up to max items in FIFO order.
func (r *ring[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.take(max)
}

// Drain removes and returns every buffered item in FIFO order.
func (r *ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.take(r.size)
}

// take removes up to n items. Caller holds r.mu.
func (r *ring[T]) take(n int) []T {
	if r.size == 0 {
		return nil
	}
	if n > r.size {
		n = r.size
	}

	out := make([]T, n)
	var zero T
	for i := 0; i < n; i++ {
		out[i] = r.items[r.tail]
		r.items[r.tail] = zero
		r.tail = (r.tail + 1) % r.capacity
		r.size--
		r.stats.Read()
	}

	r.stats.UpdateSize(int64(r.size))
	if r.metrics != nil {
		r.metrics.updateSize(r.size, r.capacity)
	}
	for i := 0; i < n; i++ {
		r.notFull.Signal()
	}
	return out
}

// Size returns the current number of buffered items.
func (r *ring[T]) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity returns the fixed buffer capacity.
func (r *ring[T]) Capacity() int {
	return r.capacity
}

// IsFull reports whether the buffer is at capacity.
func (r *ring[T]) IsFull() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size == r.capacity
}

// IsEmpty reports whether the buffer holds no items.
func (r *ring[T]) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size == 0
}

// Clear removes all items. Dropped items are reported to the drop callback
// once the lock is released.
func (r *ring[T]) Clear() {
	cleared := r.clear()
	for _, item := range cleared {
		r.opts.dropCallback(item)
	}
}

func (r *ring[T]) clear() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cleared []T
	if r.opts.dropCallback != nil && r.size > 0 {
		cleared = make([]T, r.size)
		for i := 0; i < r.size; i++ {
			cleared[i] = r.items[(r.tail+i)%r.capacity]
		}
	}

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.tail = 0
	r.size = 0

	r.stats.UpdateSize(0)
	if r.metrics != nil {
		r.metrics.updateSize(0, r.capacity)
	}
	r.notFull.Broadcast()
	return cleared
}

// Stats returns the always-on statistics tracker.
func (r *ring[T]) Stats() *Statistics {
	return r.stats
}

// Close marks the buffer closed and wakes blocked writers. Idempotent.
func (r *ring[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.notFull.Broadcast()
	return nil
}
