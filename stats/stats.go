// Package stats accumulates streaming counters in a concurrency-safe manner
// using atomics and exposes them as immutable point-in-time snapshots.
package stats

import (
	"sync/atomic"
	"time"
)

// Stream aggregates counters from the ingest, reassembly, and delivery
// paths. All methods are safe for concurrent use; readers never observe
// torn compound values because every field is an independent atomic.
type Stream struct {
	start time.Time

	packets           atomic.Uint64
	bytes             atomic.Uint64
	malformed         atomic.Uint64
	duplicates        atomic.Uint64
	latePackets       atomic.Uint64
	completed         atomic.Uint64
	abandoned         atomic.Uint64
	resends           atomic.Uint64
	resendRanges      atomic.Uint64
	backpressureDrops atomic.Uint64
	poolExhaustions   atomic.Uint64
}

// NewStream creates a counter set with the uptime clock started now.
func NewStream() *Stream {
	return &Stream{start: time.Now()}
}

// RecordPacket records one received datagram of n bytes.
func (s *Stream) RecordPacket(n int) {
	s.packets.Add(1)
	s.bytes.Add(uint64(n))
}

// RecordMalformed records a datagram rejected by the packet classifier.
func (s *Stream) RecordMalformed() { s.malformed.Add(1) }

// RecordDuplicate records a packet whose bitmap bit was already set.
func (s *Stream) RecordDuplicate() { s.duplicates.Add(1) }

// RecordLatePacket records a packet for a block that already completed or
// was abandoned.
func (s *Stream) RecordLatePacket() { s.latePackets.Add(1) }

// RecordCompleted records a frame delivered to the consumer queue.
func (s *Stream) RecordCompleted() { s.completed.Add(1) }

// RecordAbandoned records a frame dropped after its deadline or retry
// budget was exhausted.
func (s *Stream) RecordAbandoned() { s.abandoned.Add(1) }

// RecordResend records one resend request covering the given number of
// missing packet ranges.
func (s *Stream) RecordResend(ranges int) {
	s.resends.Add(1)
	if ranges > 0 {
		s.resendRanges.Add(uint64(ranges))
	}
}

// RecordBackpressureDrop records a completed frame evicted from the
// delivery queue to make room under consumer backpressure.
func (s *Stream) RecordBackpressureDrop() { s.backpressureDrops.Add(1) }

// RecordPoolExhaustion records a packet dropped because no frame buffer
// could be acquired or reclaimed.
func (s *Stream) RecordPoolExhaustion() { s.poolExhaustions.Add(1) }

// Snapshot is an immutable copy of the counters plus derived rates,
// serializable as JSON for monitoring endpoints.
type Snapshot struct {
	Packets           uint64  `json:"packets"`
	Bytes             uint64  `json:"bytes"`
	Malformed         uint64  `json:"malformed"`
	Duplicates        uint64  `json:"duplicates"`
	LatePackets       uint64  `json:"latePackets"`
	Completed         uint64  `json:"completed"`
	Abandoned         uint64  `json:"abandoned"`
	Resends           uint64  `json:"resends"`
	ResendRanges      uint64  `json:"resendRanges"`
	BackpressureDrops uint64  `json:"backpressureDrops"`
	PoolExhaustions   uint64  `json:"poolExhaustions"`
	ElapsedSec        float64 `json:"elapsedSec"`
	PacketsPerSecond  float64 `json:"packetsPerSecond"`
	MbitPerSecond     float64 `json:"mbitPerSecond"`
}

// Snapshot returns a point-in-time copy of all counters.
func (s *Stream) Snapshot() Snapshot {
	elapsed := time.Since(s.start).Seconds()
	snap := Snapshot{
		Packets:           s.packets.Load(),
		Bytes:             s.bytes.Load(),
		Malformed:         s.malformed.Load(),
		Duplicates:        s.duplicates.Load(),
		LatePackets:       s.latePackets.Load(),
		Completed:         s.completed.Load(),
		Abandoned:         s.abandoned.Load(),
		Resends:           s.resends.Load(),
		ResendRanges:      s.resendRanges.Load(),
		BackpressureDrops: s.backpressureDrops.Load(),
		PoolExhaustions:   s.poolExhaustions.Load(),
		ElapsedSec:        elapsed,
	}
	if elapsed > 0 {
		snap.PacketsPerSecond = float64(snap.Packets) / elapsed
		snap.MbitPerSecond = float64(snap.Bytes) * 8 / elapsed / 1e6
	}
	return snap
}
