// Package reassembly turns an unordered, lossy sequence of classified GVSP
// packets into complete frames. The Assembler owns per-block state keyed by
// block ID and is driven by a single goroutine; the Coordinator sweeps aged
// incomplete frames and issues bounded resend requests through a
// caller-supplied sender.
package reassembly

import (
	"github.com/visionward/gvrx/frame"
)

// State tracks the lifecycle of one in-flight frame. Transitions only move
// forward: Awaiting → ResendPending → (Completed | Abandoned), with
// Completed and Abandoned reachable from either live state.
type State uint8

const (
	StateAwaiting State = iota
	StateResendPending
	StateCompleted
	StateAbandoned
)

// Event classifies the outcome of ingesting one packet.
type Event uint8

const (
	// EventAccepted: the packet advanced an in-flight frame.
	EventAccepted Event = iota
	// EventDuplicate: the packet's bit was already set; bytes not copied.
	EventDuplicate
	// EventCompleted: the packet completed a frame; Result.Frame is set and
	// ownership of the frame transfers to the caller.
	EventCompleted
	// EventGap: a trailer arrived while payload packets are still missing.
	EventGap
	// EventAbandoned: the packet revealed a protocol error (trailer count
	// conflicting with received packet IDs) and the frame was dropped.
	EventAbandoned
	// EventMalformed: structurally invalid placement (out-of-range packet ID
	// or offset); the packet was discarded.
	EventMalformed
	// EventIgnored: the packet was dropped without touching frame state
	// (late straggler for a closed block, or pool exhaustion).
	EventIgnored
)

// Result reports what Ingest did with a packet. Frame is non-nil only for
// EventCompleted; ChunkSize is the trailing chunk-region size declared by
// the frame's trailer (0 when absent).
type Result struct {
	Event     Event
	BlockID   uint16
	Frame     *frame.Frame
	ChunkSize int
}

// MissingRange is a closed interval [First, Last] of packet IDs that have
// not been received. Adjacent gaps are coalesced so one resend request
// covers each contiguous hole.
type MissingRange struct {
	First uint32
	Last  uint32
}

// ResendSender delivers resend requests to the device over the control
// path. Implementations must be safe to call from the assembly goroutine;
// send failures are logged and retried on the next sweep, never fatal.
type ResendSender interface {
	SendResend(blockID uint16, ranges []MissingRange) error
}
