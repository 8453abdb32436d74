package reassembly

import (
	"log/slog"
	"time"

	"github.com/visionward/gvrx/frame"
	"github.com/visionward/gvrx/gvsp"
	"github.com/visionward/gvrx/stats"
)

// recentClosedSize is how many recently finished block IDs are remembered
// so that stragglers for a completed or abandoned frame are counted as late
// packets instead of opening a fresh assembly.
const recentClosedSize = 64

// Config sizes the assembler. PayloadUnit is the image bytes carried per
// payload packet (negotiated packet size minus IP/UDP and GVSP headers);
// MaxPackets bounds per-frame packet IDs and sizes each slot's bitmap.
type Config struct {
	PayloadUnit   int
	MaxPackets    int
	FrameDeadline time.Duration
}

// assembly is the reassembly state for one block ID. Slots live in a fixed
// arena sized to the frame pool capacity; opening and closing a block is
// index reclamation, not allocation.
type assembly struct {
	blockID   uint16
	state     State
	frame     *frame.Frame
	bitmap    []uint64
	received  int
	expected  int // final count from the trailer; 0 until seen
	tentative int // declared count from the leader; advisory only

	leaderSeen  bool
	trailerSeen bool
	chunkSize   int

	highestEnd   int    // one past the highest payload byte written
	highestPldID uint32 // highest payload packet ID received

	firstSeen  time.Time
	deadline   time.Time
	nextResend time.Time
	attempts   int
}

// Assembler owns all per-frame reassembly state for a session. It is not
// safe for concurrent use: one goroutine must be the sole caller of Ingest,
// Sweep (via Coordinator), and Close.
type Assembler struct {
	cfg   Config
	log   *slog.Logger
	pool  *frame.Pool
	stats *stats.Stream

	// evict reclaims the oldest completed-but-undelivered frame from the
	// delivery queue when the pool is exhausted. May be nil.
	evict func() bool

	slots     []assembly
	freeSlots []int
	table     map[uint16]int

	recent    [recentClosedSize]int32
	recentPos int
}

// NewAssembler creates an Assembler drawing buffers from pool. evict is
// invoked on pool exhaustion to free one queued frame; it returns false
// when the queue is empty. If log is nil, slog.Default() is used.
func NewAssembler(cfg Config, pool *frame.Pool, st *stats.Stream, evict func() bool, log *slog.Logger) *Assembler {
	if log == nil {
		log = slog.Default()
	}
	a := &Assembler{
		cfg:       cfg,
		log:       log.With("component", "assembler"),
		pool:      pool,
		stats:     st,
		evict:     evict,
		slots:     make([]assembly, pool.Capacity()),
		freeSlots: make([]int, 0, pool.Capacity()),
		table:     make(map[uint16]int, pool.Capacity()),
	}
	words := (cfg.MaxPackets + 63) / 64
	for i := range a.slots {
		a.slots[i].bitmap = make([]uint64, words)
		a.freeSlots = append(a.freeSlots, i)
	}
	for i := range a.recent {
		a.recent[i] = -1
	}
	return a
}

// Live returns the number of in-flight assemblies.
func (a *Assembler) Live() int { return len(a.table) }

// Ingest routes one classified packet into its frame's assembly state,
// creating the assembly on the first packet for a block. See Event for the
// possible outcomes.
func (a *Assembler) Ingest(pkt *gvsp.Packet, now time.Time) Result {
	res := Result{BlockID: pkt.BlockID}

	if !a.validate(pkt) {
		a.stats.RecordMalformed()
		res.Event = EventMalformed
		return res
	}

	if pkt.Kind == gvsp.KindAllIn {
		return a.ingestAllIn(pkt, now)
	}

	idx, live := a.table[pkt.BlockID]
	if !live {
		if a.recentlyClosed(pkt.BlockID) {
			a.stats.RecordLatePacket()
			res.Event = EventIgnored
			return res
		}
		var ok bool
		idx, ok = a.open(pkt.BlockID, now)
		if !ok {
			res.Event = EventIgnored
			return res
		}
	}
	as := &a.slots[idx]

	switch pkt.Kind {
	case gvsp.KindLeader:
		res.Event = a.ingestLeader(as, pkt)
	case gvsp.KindPayload:
		res.Event = a.ingestPayload(as, pkt)
	case gvsp.KindTrailer:
		res.Event = a.ingestTrailer(as, pkt)
	}

	switch res.Event {
	case EventAbandoned:
		a.abandon(idx, "trailer packet count conflicts with received IDs")
	case EventAccepted, EventDuplicate:
		if as.leaderSeen && as.trailerSeen && as.received == as.expected {
			res.Event = EventCompleted
			res.Frame, res.ChunkSize = a.complete(idx)
		} else if pkt.Kind == gvsp.KindTrailer && res.Event == EventAccepted {
			res.Event = EventGap
		}
	}
	return res
}

// validate rejects placements that no frame could accept, before any
// assembly state or pool buffer is touched. frameCap mirrors the pool's
// buffer capacity: the payload span of the full packet ID range.
func (a *Assembler) validate(pkt *gvsp.Packet) bool {
	frameCap := (a.cfg.MaxPackets - 2) * a.cfg.PayloadUnit
	switch pkt.Kind {
	case gvsp.KindLeader:
		return pkt.PacketID == 0
	case gvsp.KindPayload:
		if pkt.PacketID < 1 || int(pkt.PacketID) >= a.cfg.MaxPackets {
			return false
		}
		off := (int(pkt.PacketID) - 1) * a.cfg.PayloadUnit
		return off+len(pkt.Data) <= frameCap
	case gvsp.KindTrailer:
		count := int(pkt.PacketCount)
		if count < 2 || count > a.cfg.MaxPackets || int(pkt.PacketID) != count-1 {
			return false
		}
		return int(pkt.ChunkSize) <= frameCap
	case gvsp.KindAllIn:
		return len(pkt.Data) <= frameCap
	default:
		return false
	}
}

func (a *Assembler) ingestLeader(as *assembly, pkt *gvsp.Packet) Event {
	if !a.setBit(as, 0) {
		a.stats.RecordDuplicate()
		return EventDuplicate
	}
	as.leaderSeen = true
	if n := int(pkt.PacketCount); n >= 2 && n <= a.cfg.MaxPackets {
		as.tentative = n
	}

	f := as.frame
	f.Width = pkt.Width
	f.Height = pkt.Height
	f.PixelFormat = pkt.PixelFormat
	f.DeviceTimestamp = pkt.Timestamp
	return EventAccepted
}

func (a *Assembler) ingestPayload(as *assembly, pkt *gvsp.Packet) Event {
	pid := pkt.PacketID
	// The trailer's final count makes payload IDs beyond count-2 a protocol
	// error rather than a malformed one-off: the frame state is poisoned.
	if as.trailerSeen && int(pid) > as.expected-2 {
		return EventAbandoned
	}

	off := (int(pid) - 1) * a.cfg.PayloadUnit
	end := off + len(pkt.Data)
	if end > as.frame.Capacity() {
		a.stats.RecordMalformed()
		return EventMalformed
	}
	if !a.setBit(as, pid) {
		a.stats.RecordDuplicate()
		return EventDuplicate
	}

	copy(as.frame.Backing()[off:end], pkt.Data)
	if end > as.highestEnd {
		as.highestEnd = end
	}
	if pid > as.highestPldID {
		as.highestPldID = pid
	}
	return EventAccepted
}

func (a *Assembler) ingestTrailer(as *assembly, pkt *gvsp.Packet) Event {
	count := int(pkt.PacketCount)
	if as.trailerSeen {
		a.stats.RecordDuplicate()
		return EventDuplicate
	}
	// A payload ID at or beyond the trailer slot contradicts the declared
	// count: the device and host disagree about this frame's shape.
	if as.highestPldID > uint32(count-2) {
		return EventAbandoned
	}

	a.setBit(as, uint32(count-1))
	as.trailerSeen = true
	as.expected = count
	as.chunkSize = int(pkt.ChunkSize)
	return EventAccepted
}

// ingestAllIn completes a single-packet frame without opening an assembly.
func (a *Assembler) ingestAllIn(pkt *gvsp.Packet, now time.Time) Result {
	res := Result{BlockID: pkt.BlockID}
	if a.recentlyClosed(pkt.BlockID) {
		a.stats.RecordLatePacket()
		res.Event = EventIgnored
		return res
	}
	if _, live := a.table[pkt.BlockID]; live {
		// An all-in packet for a block already assembling piecewise means
		// the stream is confused about this block; drop the in-flight state.
		a.abandon(a.table[pkt.BlockID], "all-in packet for block with in-flight assembly")
		res.Event = EventAbandoned
		return res
	}

	f, ok := a.acquire()
	if !ok {
		res.Event = EventIgnored
		return res
	}

	copy(f.Backing(), pkt.Data)
	f.SetLen(len(pkt.Data))
	f.BlockID = pkt.BlockID
	f.Width = pkt.Width
	f.Height = pkt.Height
	f.PixelFormat = pkt.PixelFormat
	f.DeviceTimestamp = pkt.Timestamp
	a.markClosed(pkt.BlockID)

	res.Event = EventCompleted
	res.Frame = f
	return res
}

// open claims a slot and a pooled frame for a new block.
func (a *Assembler) open(blockID uint16, now time.Time) (int, bool) {
	f, ok := a.acquire()
	if !ok {
		return 0, false
	}
	if len(a.freeSlots) == 0 {
		// Every slot is backed by a pooled frame, so a successful acquire
		// guarantees a free slot. Reaching here means state corruption.
		a.pool.Release(f)
		panic("reassembly: no free slot after successful pool acquire")
	}

	idx := a.freeSlots[len(a.freeSlots)-1]
	a.freeSlots = a.freeSlots[:len(a.freeSlots)-1]

	as := &a.slots[idx]
	*as = assembly{
		blockID:   blockID,
		state:     StateAwaiting,
		frame:     f,
		bitmap:    as.bitmap,
		firstSeen: now,
		deadline:  now.Add(a.cfg.FrameDeadline),
	}
	clear(as.bitmap)

	a.table[blockID] = idx
	return idx, true
}

// acquire takes a frame from the pool, evicting one queued frame on
// exhaustion. Failure is counted and the triggering packet is dropped; the
// receive path never blocks here.
func (a *Assembler) acquire() (*frame.Frame, bool) {
	f, err := a.pool.Acquire()
	if err == nil {
		return f, true
	}
	if a.evict != nil && a.evict() {
		if f, err = a.pool.Acquire(); err == nil {
			return f, true
		}
	}
	a.stats.RecordPoolExhaustion()
	return nil, false
}

// complete detaches the finished frame and reclaims the slot. The frame's
// Bytes still include the trailing chunk region; the session trims it after
// chunk parsing.
func (a *Assembler) complete(idx int) (*frame.Frame, int) {
	as := &a.slots[idx]
	as.state = StateCompleted

	f := as.frame
	f.SetLen(as.highestEnd)
	f.BlockID = as.blockID
	f.Resends = as.attempts

	chunkSize := as.chunkSize
	a.closeSlot(idx)
	return f, chunkSize
}

// abandon recycles an in-flight frame's buffer and reclaims its slot.
func (a *Assembler) abandon(idx int, reason string) {
	as := &a.slots[idx]
	as.state = StateAbandoned
	a.log.Debug("frame abandoned",
		"block", as.blockID,
		"received", as.received,
		"expected", as.expected,
		"attempts", as.attempts,
		"reason", reason,
	)
	a.pool.Release(as.frame)
	a.stats.RecordAbandoned()
	a.closeSlot(idx)
}

// closeSlot removes the block from the table and returns the slot to the
// free list. The frame must already be handed off or released.
func (a *Assembler) closeSlot(idx int) {
	as := &a.slots[idx]
	delete(a.table, as.blockID)
	a.markClosed(as.blockID)
	as.frame = nil
	a.freeSlots = append(a.freeSlots, idx)
}

// Close abandons every in-flight assembly and releases its buffer, leaving
// the pool quiescent. Shutdown teardown is not counted as frame loss.
func (a *Assembler) Close() int {
	n := 0
	for _, idx := range a.table {
		as := &a.slots[idx]
		as.state = StateAbandoned
		a.pool.Release(as.frame)
		a.closeSlot(idx)
		n++
	}
	return n
}

func (a *Assembler) markClosed(blockID uint16) {
	a.recent[a.recentPos] = int32(blockID)
	a.recentPos = (a.recentPos + 1) % recentClosedSize
}

func (a *Assembler) recentlyClosed(blockID uint16) bool {
	for _, id := range a.recent {
		if id == int32(blockID) {
			return true
		}
	}
	return false
}

// setBit marks packetID as received, returning false if it already was.
func (a *Assembler) setBit(as *assembly, packetID uint32) bool {
	word, mask := packetID/64, uint64(1)<<(packetID%64)
	if as.bitmap[word]&mask != 0 {
		return false
	}
	as.bitmap[word] |= mask
	as.received++
	return true
}

func (as *assembly) bitSet(packetID uint32) bool {
	return as.bitmap[packetID/64]&(uint64(1)<<(packetID%64)) != 0
}
