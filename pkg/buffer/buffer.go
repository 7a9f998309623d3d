// Package buffer provides a generic, thread-safe bounded ring buffer with
// configurable overflow policies.
//
// The receiver uses it as the packet queue between the socket read loop and
// the engine's drain cycle: capture never blocks, and overflow evicts the
// oldest entry while counting the drop. Statistics are always collected;
// Prometheus export is optional via WithMetrics().
package buffer

// Buffer is a bounded FIFO parameterized by item type T.
type Buffer[T any] interface {
	// Write adds an item. When the buffer is full the behavior depends on
	// the configured overflow policy.
	Write(item T) error

	// Read removes and returns the oldest item, or (zero, false) when empty.
	Read() (T, bool)

	// ReadBatch removes and returns up to max items in FIFO order.
	ReadBatch(max int) []T

	// Drain atomically removes and returns everything currently buffered.
	// An empty result is valid, never an error.
	Drain() []T

	// Size returns the current number of buffered items.
	Size() int

	// Capacity returns the fixed maximum number of items.
	Capacity() int

	// IsFull reports whether the buffer is at capacity.
	IsFull() bool

	// IsEmpty reports whether the buffer holds no items.
	IsEmpty() bool

	// Clear removes all items.
	Clear()

	// Stats returns the always-on statistics tracker.
	Stats() *Statistics

	// Close shuts the buffer down. Writes after Close fail; buffered items
	// remain readable.
	Close() error
}

// OverflowPolicy defines what Write does when the buffer is full.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to admit the new one.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the incoming item.
	DropNewest

	// Block waits until space is available or the buffer is closed.
	Block
)

// String returns a human-readable policy name.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback receives each item discarded by an overflow policy.
type DropCallback[T any] func(item T)

// NewRing creates a bounded ring buffer with the given capacity.
// Capacity below 1 is raised to 1. Returns an error only when Prometheus
// metric registration was requested and failed.
func NewRing[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newRing(capacity, opts)
}
