// Package queue provides the single-producer/single-consumer ring buffer
// that hands parsed messages between the network I/O boundary and session
// logic. Power-of-2 capacity, atomic head/tail, zero allocations in Push
// and Pop.
package queue

import (
	"errors"
	"sync/atomic"

	"github.com/tradewire/fixengine/internal/fix"
)

// ErrCapacity is returned by New for a capacity that is not a power of two.
var ErrCapacity = errors.New("ring capacity must be a power of two")

// Ring is a lock-free SPSC queue of messages. Exactly one goroutine may
// push and exactly one may pop.
type Ring struct {
	buffer []*fix.Message
	mask   uint64
	head   atomic.Uint64 // next slot to pop
	tail   atomic.Uint64 // next slot to push

	fullDrops atomic.Int64
}

// New creates a ring with the given power-of-two capacity.
func New(capacity int) (*Ring, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, ErrCapacity
	}
	return &Ring{
		buffer: make([]*fix.Message, capacity),
		mask:   uint64(capacity - 1),
	}, nil
}

// Push enqueues msg. It returns false when the ring is full; the caller
// owns the message and must treat the result as backpressure.
func (r *Ring) Push(msg *fix.Message) bool {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail-head >= uint64(len(r.buffer)) {
		r.fullDrops.Add(1)
		return false
	}
	r.buffer[tail&r.mask] = msg
	r.tail.Add(1)
	return true
}

// Pop dequeues the oldest message, or nil when the ring is drained.
func (r *Ring) Pop() *fix.Message {
	head := r.head.Load()
	tail := r.tail.Load()
	if head == tail {
		return nil
	}
	idx := head & r.mask
	msg := r.buffer[idx]
	r.buffer[idx] = nil
	r.head.Add(1)
	return msg
}

// Full reports whether the next Push would be refused. Only meaningful on
// the producer side.
func (r *Ring) Full() bool {
	return r.tail.Load()-r.head.Load() >= uint64(len(r.buffer))
}

// Len returns the number of queued messages.
func (r *Ring) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Drain pops every queued message into fn. Only the consumer goroutine may
// call it; the session uses it at teardown to return entries to the pool.
func (r *Ring) Drain(fn func(*fix.Message)) {
	for {
		msg := r.Pop()
		if msg == nil {
			return
		}
		fn(msg)
	}
}

// FullDrops returns how many pushes were refused on a full ring.
func (r *Ring) FullDrops() int64 { return r.fullDrops.Load() }
