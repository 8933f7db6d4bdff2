// Package ringbuffer provides the fixed-capacity FIFO queues that connect a device
// worker goroutine to foreground readers and writers. A Ring is not safe for
// concurrent use; callers serialize access with their own lock.
package ringbuffer

// DropPolicy selects which element loses when a full Ring is pushed.
type DropPolicy int

// The two drop policies. DropOldest keeps the queue's contents fresh at the cost of
// history; DropNewest preserves history at the cost of the incoming element.
const (
	DropOldest DropPolicy = iota
	DropNewest
)

// Ring is a fixed-capacity circular FIFO with overflow accounting.
type Ring[T any] struct {
	data    []T
	head    int // index of the oldest element
	count   int
	policy  DropPolicy
	dropped uint64
}

// New creates a Ring holding up to capacity elements.
func New[T any](capacity int, policy DropPolicy) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		data:   make([]T, capacity),
		policy: policy,
	}
}

// Push appends v. Pushing a full ring drops one element according to the policy and
// reports false; otherwise Push reports true.
func (r *Ring[T]) Push(v T) bool {
	stored := true
	if r.count == len(r.data) {
		r.dropped++
		if r.policy == DropNewest {
			return false
		}
		// evict the oldest to make room for v
		r.head = (r.head + 1) % len(r.data)
		r.count--
		stored = false
	}
	r.data[(r.head+r.count)%len(r.data)] = v
	r.count++
	return stored
}

// Pop removes and returns the oldest element.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	v := r.data[r.head]
	r.data[r.head] = zero
	r.head = (r.head + 1) % len(r.data)
	r.count--
	return v, true
}

// Drain pops up to len(dst) elements into dst and returns how many were popped.
func (r *Ring[T]) Drain(dst []T) int {
	n := len(dst)
	if n > r.count {
		n = r.count
	}
	var zero T
	for i := 0; i < n; i++ {
		dst[i] = r.data[r.head]
		r.data[r.head] = zero
		r.head = (r.head + 1) % len(r.data)
	}
	r.count -= n
	return n
}

// Len returns the number of queued elements.
func (r *Ring[T]) Len() int { return r.count }

// Cap returns the ring's capacity.
func (r *Ring[T]) Cap() int { return len(r.data) }

// Free returns how many elements fit before the next Push drops.
func (r *Ring[T]) Free() int { return len(r.data) - r.count }

// Dropped returns the total number of elements lost to overflow since creation or the
// last Reset.
func (r *Ring[T]) Dropped() uint64 { return r.dropped }

// Policy returns the ring's drop policy.
func (r *Ring[T]) Policy() DropPolicy { return r.policy }

// SetPolicy changes the drop policy for subsequent pushes.
func (r *Ring[T]) SetPolicy(p DropPolicy) { r.policy = p }

// Reset discards all queued elements and zeroes the drop counter.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.head = 0
	r.count = 0
	r.dropped = 0
}
