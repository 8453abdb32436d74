// Package frame defines the pooled frame buffers that flow from the
// reassembler to the application, and the fixed-capacity pool that bounds
// how many frames can be in flight or awaiting consumption at once.
package frame

import "time"

// Frame is one completed (or in-progress) image frame. Its backing byte
// array is owned by exactly one holder at a time: the reassembler while the
// frame is being filled, the delivery queue once complete, then the
// application until Release returns it to the pool. Bytes and any chunk
// slices alias the backing array and must not be retained after Release.
type Frame struct {
	BlockID         uint16
	Width           uint32
	Height          uint32
	PixelFormat     uint32
	DeviceTimestamp uint64
	HostTimestamp   time.Time

	// Chunks maps chunk IDs to their raw data when the trailer declared
	// chunk presence and parsing succeeded; nil otherwise.
	Chunks map[uint32][]byte

	// Resends is the number of resend rounds this frame needed.
	Resends int

	// Bytes is the image payload, a length-limited view of the backing array.
	Bytes []byte

	buf  []byte
	pool *Pool
}

// Backing returns the full-capacity backing array for offset writes during
// reassembly. Callers outside the reassembler should use Bytes.
func (f *Frame) Backing() []byte { return f.buf }

// Capacity returns the size of the backing array in bytes.
func (f *Frame) Capacity() int { return len(f.buf) }

// SetLen limits Bytes to the first n bytes of the backing array.
func (f *Frame) SetLen(n int) { f.Bytes = f.buf[:n] }

// Release returns the frame to its pool. The caller must not touch the
// frame or any slice derived from it afterwards.
func (f *Frame) Release() { f.pool.Release(f) }

// reset clears per-frame metadata before the frame re-enters the free list.
func (f *Frame) reset() {
	f.BlockID = 0
	f.Width = 0
	f.Height = 0
	f.PixelFormat = 0
	f.DeviceTimestamp = 0
	f.HostTimestamp = time.Time{}
	f.Chunks = nil
	f.Resends = 0
	f.Bytes = nil
}
