// Package pool provides the fixed-capacity message pool shared by the
// receive and send paths of a session. Checkout is non-blocking: exhaustion
// is a backpressure signal, never an allocation.
package pool

import (
	"errors"
	"sync/atomic"

	"github.com/tradewire/fixengine/internal/fix"
)

// ErrExhausted is returned by Get when every buffer is checked out.
var ErrExhausted = errors.New("message pool exhausted")

// Stats is a snapshot of pool counters.
type Stats struct {
	Capacity  int
	Gets      int64
	Puts      int64
	Exhausted int64
}

// Pool holds pre-allocated messages in a buffered channel. Channel send and
// receive on a buffered channel give lock-free-observable checkout and
// return from both session goroutines.
type Pool struct {
	messages chan *fix.Message
	capacity int

	gets      atomic.Int64
	puts      atomic.Int64
	exhausted atomic.Int64
}

// New creates a pool with capacity pre-allocated messages.
func New(capacity int) *Pool {
	p := &Pool{
		messages: make(chan *fix.Message, capacity),
		capacity: capacity,
	}
	for i := 0; i < capacity; i++ {
		p.messages <- &fix.Message{}
	}
	return p
}

// Get checks out a message. It fails fast with ErrExhausted instead of
// blocking or allocating.
func (p *Pool) Get() (*fix.Message, error) {
	select {
	case msg := <-p.messages:
		p.gets.Add(1)
		return msg, nil
	default:
		p.exhausted.Add(1)
		return nil, ErrExhausted
	}
}

// Put resets msg and returns it to the pool. Returning a message that did
// not come from this pool is a programming error; the surplus is dropped.
func (p *Pool) Put(msg *fix.Message) {
	if msg == nil {
		return
	}
	msg.Reset()
	select {
	case p.messages <- msg:
		p.puts.Add(1)
	default:
	}
}

// Available returns the number of messages currently checked in.
func (p *Pool) Available() int { return len(p.messages) }

// Capacity returns the fixed pool capacity.
func (p *Pool) Capacity() int { return p.capacity }

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Capacity:  p.capacity,
		Gets:      p.gets.Load(),
		Puts:      p.puts.Load(),
		Exhausted: p.exhausted.Load(),
	}
}
