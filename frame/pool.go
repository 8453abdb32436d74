package frame

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrExhausted is returned by Acquire when every frame in the pool is
// currently held by an assembly, the delivery queue, or the application.
var ErrExhausted = errors.New("frame: pool exhausted")

// Pool is a fixed set of reusable frames allocated up front. It never grows:
// pool capacity is the single bound on memory held by the streaming path.
// Acquire and Release are safe for concurrent use.
type Pool struct {
	free  chan *Frame
	inUse atomic.Int64
}

// NewPool allocates capacity frames of frameBytes each.
func NewPool(capacity, frameBytes int) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("frame: pool capacity %d, must be positive", capacity)
	}
	if frameBytes <= 0 {
		return nil, fmt.Errorf("frame: frame size %d, must be positive", frameBytes)
	}

	p := &Pool{free: make(chan *Frame, capacity)}
	for i := 0; i < capacity; i++ {
		p.free <- &Frame{buf: make([]byte, frameBytes), pool: p}
	}
	return p, nil
}

// Acquire takes a frame from the free list without blocking. It returns
// ErrExhausted when none is available; the caller decides whether to evict
// an undelivered frame or drop the triggering packet.
func (p *Pool) Acquire() (*Frame, error) {
	select {
	case f := <-p.free:
		p.inUse.Add(1)
		return f, nil
	default:
		return nil, ErrExhausted
	}
}

// Release resets a frame and returns it to the free list.
func (p *Pool) Release(f *Frame) {
	f.reset()
	select {
	case p.free <- f:
		p.inUse.Add(-1)
	default:
		// The free list can only be full if a frame was released twice,
		// which breaks the single-owner invariant. Treat as corruption.
		panic("frame: release of a frame the pool does not own")
	}
}

// InUse returns the number of frames currently outside the free list.
func (p *Pool) InUse() int { return int(p.inUse.Load()) }

// Capacity returns the fixed number of frames in the pool.
func (p *Pool) Capacity() int { return cap(p.free) }
