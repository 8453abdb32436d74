package reassembly

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/visionward/gvrx/gvsp"
)

type resendCall struct {
	blockID uint16
	ranges  []MissingRange
}

// recordingSender captures resend requests instead of putting them on the
// wire.
type recordingSender struct {
	calls []resendCall
	err   error
}

func (s *recordingSender) SendResend(blockID uint16, ranges []MissingRange) error {
	s.calls = append(s.calls, resendCall{
		blockID: blockID,
		ranges:  append([]MissingRange(nil), ranges...),
	})
	return s.err
}

func testCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		GracePeriod:   10 * time.Millisecond,
		MaxResends:    3,
		WindowPackets: 0,
		BackoffMin:    20 * time.Millisecond,
		BackoffMax:    20 * time.Millisecond, // min == max keeps sweeps deterministic
	}
}

// ingestExcept feeds every frame packet but the listed indices at time now.
func ingestExcept(t *testing.T, a *Assembler, pkts []gvsp.Packet, now time.Time, skip ...int) {
	t.Helper()
	skipped := make(map[int]bool, len(skip))
	for _, i := range skip {
		skipped[i] = true
	}
	for i := range pkts {
		if skipped[i] {
			continue
		}
		a.Ingest(&pkts[i], now)
	}
}

func TestSweepRequestsMissingRangeAfterGrace(t *testing.T) {
	t.Parallel()

	a, _, st := newTestAssembler(t, 2, nil)
	sender := &recordingSender{}
	c := NewCoordinator(testCoordinatorConfig(), sender, st, nil)

	payload := testPayload(8*testUnit, 0x21)
	pkts := framePackets(t, 7, payload, 0) // leader, payloads 1..8, trailer
	base := time.Now()
	ingestExcept(t, a, pkts, base, 5) // withhold payload packet ID 5

	c.Sweep(base.Add(5*time.Millisecond), a)
	if len(sender.calls) != 0 {
		t.Fatalf("resend inside grace period: %+v", sender.calls)
	}

	c.Sweep(base.Add(11*time.Millisecond), a)
	if len(sender.calls) != 1 {
		t.Fatalf("resend calls = %d, want 1", len(sender.calls))
	}
	call := sender.calls[0]
	if call.blockID != 7 {
		t.Errorf("resend block = %d, want 7", call.blockID)
	}
	want := []MissingRange{{First: 5, Last: 5}}
	if !reflect.DeepEqual(call.ranges, want) {
		t.Errorf("resend ranges = %+v, want %+v", call.ranges, want)
	}

	// The retransmitted packet completes the frame and the retry count
	// travels with it.
	res := a.Ingest(&pkts[5], base.Add(15*time.Millisecond))
	if res.Event != EventCompleted {
		t.Fatalf("event = %v, want completed", res.Event)
	}
	if res.Frame.Resends != 1 {
		t.Errorf("frame resends = %d, want 1", res.Frame.Resends)
	}
	res.Frame.Release()

	snap := st.Snapshot()
	if snap.Resends != 1 || snap.ResendRanges != 1 {
		t.Errorf("stats resends = %d ranges = %d, want 1/1", snap.Resends, snap.ResendRanges)
	}
}

func TestSweepHonorsBackoff(t *testing.T) {
	t.Parallel()

	a, _, st := newTestAssembler(t, 2, nil)
	sender := &recordingSender{}
	c := NewCoordinator(testCoordinatorConfig(), sender, st, nil)

	pkts := framePackets(t, 2, testPayload(4*testUnit, 0x01), 0)
	base := time.Now()
	ingestExcept(t, a, pkts, base, 2)

	first := base.Add(11 * time.Millisecond)
	c.Sweep(first, a)
	if len(sender.calls) != 1 {
		t.Fatalf("calls after first sweep = %d", len(sender.calls))
	}

	// Within the backoff window the same gap must not be re-requested.
	c.Sweep(first.Add(10*time.Millisecond), a)
	c.Sweep(first.Add(19*time.Millisecond), a)
	if len(sender.calls) != 1 {
		t.Fatalf("calls inside backoff = %d, want 1", len(sender.calls))
	}

	c.Sweep(first.Add(20*time.Millisecond), a)
	if len(sender.calls) != 2 {
		t.Fatalf("calls after backoff = %d, want 2", len(sender.calls))
	}
}

func TestRetryBudgetExhaustionAbandons(t *testing.T) {
	t.Parallel()

	a, pool, st := newTestAssembler(t, 2, nil)
	sender := &recordingSender{}
	cfg := testCoordinatorConfig()
	cfg.MaxResends = 2
	c := NewCoordinator(cfg, sender, st, nil)

	pkts := framePackets(t, 3, testPayload(4*testUnit, 0x09), 0)
	base := time.Now()
	ingestExcept(t, a, pkts, base, 1)

	c.Sweep(base.Add(11*time.Millisecond), a)
	c.Sweep(base.Add(31*time.Millisecond), a)
	if len(sender.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(sender.calls))
	}

	// Third eligible sweep finds the budget spent and gives up on the frame.
	c.Sweep(base.Add(51*time.Millisecond), a)
	if len(sender.calls) != 2 {
		t.Errorf("calls after abandonment = %d, want 2", len(sender.calls))
	}
	if a.Live() != 0 {
		t.Errorf("live assemblies = %d, want 0", a.Live())
	}
	if pool.InUse() != 0 {
		t.Errorf("pool in use = %d after abandonment", pool.InUse())
	}
	if snap := st.Snapshot(); snap.Abandoned != 1 {
		t.Errorf("abandoned = %d, want 1", snap.Abandoned)
	}

	// A straggler for the abandoned block is late, not a new frame.
	if res := a.Ingest(&pkts[1], base.Add(60*time.Millisecond)); res.Event != EventIgnored {
		t.Errorf("straggler event = %v, want ignored", res.Event)
	}
}

func TestDeadlineAbandonsWithoutSender(t *testing.T) {
	t.Parallel()

	a, pool, st := newTestAssembler(t, 2, nil)
	c := NewCoordinator(testCoordinatorConfig(), nil, st, nil)

	pkts := framePackets(t, 4, testPayload(4*testUnit, 0x02), 0)
	base := time.Now()
	ingestExcept(t, a, pkts, base, 3)

	// newTestAssembler sets a 1s frame deadline.
	c.Sweep(base.Add(2*time.Second), a)
	if a.Live() != 0 {
		t.Errorf("live assemblies = %d after deadline", a.Live())
	}
	if pool.InUse() != 0 {
		t.Errorf("pool in use = %d", pool.InUse())
	}
	if snap := st.Snapshot(); snap.Abandoned != 1 {
		t.Errorf("abandoned = %d, want 1", snap.Abandoned)
	}
}

func TestSweepClampsRequestWindow(t *testing.T) {
	t.Parallel()

	a, _, st := newTestAssembler(t, 2, nil)
	sender := &recordingSender{}
	cfg := testCoordinatorConfig()
	cfg.WindowPackets = 4
	c := NewCoordinator(cfg, sender, st, nil)

	// Leader, payload 1, payload 8, trailer: payloads 2..7 missing.
	pkts := framePackets(t, 9, testPayload(8*testUnit, 0x13), 0)
	base := time.Now()
	ingestExcept(t, a, pkts, base, 2, 3, 4, 5, 6, 7)

	c.Sweep(base.Add(11*time.Millisecond), a)
	if len(sender.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(sender.calls))
	}
	want := []MissingRange{{First: 2, Last: 5}}
	if !reflect.DeepEqual(sender.calls[0].ranges, want) {
		t.Errorf("ranges = %+v, want %+v", sender.calls[0].ranges, want)
	}
	if snap := st.Snapshot(); snap.ResendRanges != 1 {
		t.Errorf("resendRanges = %d, want 1", snap.ResendRanges)
	}
}

func TestSweepSurvivesSenderError(t *testing.T) {
	t.Parallel()

	a, _, st := newTestAssembler(t, 2, nil)
	sender := &recordingSender{err: errors.New("socket gone")}
	c := NewCoordinator(testCoordinatorConfig(), sender, st, nil)

	pkts := framePackets(t, 11, testPayload(4*testUnit, 0x07), 0)
	base := time.Now()
	ingestExcept(t, a, pkts, base, 2)

	c.Sweep(base.Add(11*time.Millisecond), a)
	if len(sender.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(sender.calls))
	}
	// The send failure still consumes an attempt; the frame can complete.
	res := a.Ingest(&pkts[2], base.Add(15*time.Millisecond))
	if res.Event != EventCompleted {
		t.Fatalf("event = %v, want completed", res.Event)
	}
	res.Frame.Release()
	if snap := st.Snapshot(); snap.Resends != 1 {
		t.Errorf("resends = %d, want 1", snap.Resends)
	}
}

func TestMissingRangesCoalesceAdjacentIDs(t *testing.T) {
	t.Parallel()

	as := &assembly{bitmap: make([]uint64, 1), expected: 10}
	mark := func(id uint32) { as.bitmap[id/64] |= 1 << (id % 64) }
	for _, id := range []uint32{0, 3, 4, 9} {
		mark(id)
	}

	got := as.missingRanges()
	want := []MissingRange{{First: 1, Last: 2}, {First: 5, Last: 8}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ranges = %+v, want %+v", got, want)
	}
}

func TestMissingRangesBeforeTrailer(t *testing.T) {
	t.Parallel()

	as := &assembly{bitmap: make([]uint64, 1)}
	mark := func(id uint32) { as.bitmap[id/64] |= 1 << (id % 64) }

	// Nothing received: no basis to request anything.
	if got := as.missingRanges(); got != nil {
		t.Errorf("ranges with no packets = %+v, want nil", got)
	}

	// Payloads only: the scan stops at the highest seen ID, and the
	// unreceived leader slot counts as a gap.
	mark(1)
	mark(2)
	mark(4)
	as.highestPldID = 5
	mark(5)
	got := as.missingRanges()
	want := []MissingRange{{First: 0, Last: 0}, {First: 3, Last: 3}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ranges = %+v, want %+v", got, want)
	}

	// The leader's declared count extends the scan to the full frame,
	// trailer slot included.
	mark(0)
	as.tentative = 8
	got = as.missingRanges()
	want = []MissingRange{{First: 3, Last: 3}, {First: 6, Last: 7}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ranges with tentative count = %+v, want %+v", got, want)
	}
}

func TestMissingRangesEmptyWhenComplete(t *testing.T) {
	t.Parallel()

	as := &assembly{bitmap: make([]uint64, 1), expected: 3}
	for id := uint32(0); id < 3; id++ {
		as.bitmap[0] |= 1 << id
	}
	if got := as.missingRanges(); got != nil {
		t.Errorf("ranges = %+v, want nil", got)
	}
}

func TestClampWindow(t *testing.T) {
	t.Parallel()

	mk := func() []MissingRange {
		return []MissingRange{{First: 1, Last: 4}, {First: 6, Last: 9}}
	}

	if got := clampWindow(mk(), 0); !reflect.DeepEqual(got, mk()) {
		t.Errorf("window 0 clamped: %+v", got)
	}
	if got := clampWindow(mk(), 100); !reflect.DeepEqual(got, mk()) {
		t.Errorf("oversized window clamped: %+v", got)
	}

	got := clampWindow(mk(), 6)
	want := []MissingRange{{First: 1, Last: 4}, {First: 6, Last: 7}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("window 6 = %+v, want %+v", got, want)
	}

	got = clampWindow(mk(), 4)
	want = []MissingRange{{First: 1, Last: 4}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("window 4 = %+v, want %+v", got, want)
	}

	got = clampWindow(mk(), 2)
	want = []MissingRange{{First: 1, Last: 2}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("window 2 = %+v, want %+v", got, want)
	}
}
