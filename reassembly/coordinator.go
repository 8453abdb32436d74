package reassembly

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/visionward/gvrx/stats"
)

// CoordinatorConfig tunes the loss-recovery policy.
type CoordinatorConfig struct {
	// GracePeriod is how long an incomplete frame may age before its gaps
	// are considered lost rather than still in flight.
	GracePeriod time.Duration
	// MaxResends bounds resend rounds per frame before abandonment.
	MaxResends int
	// WindowPackets caps the packet IDs requested per frame per sweep.
	// Zero disables the cap.
	WindowPackets int
	// BackoffMin/BackoffMax bound the jittered delay between a frame's
	// resend rounds. Jitter desynchronizes retry storms across frames.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// Coordinator inspects aged incomplete frames on a periodic tick, emits
// windowed resend requests with jittered backoff, and abandons frames past
// their deadline or retry budget. It must run on the same goroutine that
// drives Assembler.Ingest: the sweep mutates assembly state directly.
type Coordinator struct {
	cfg    CoordinatorConfig
	sender ResendSender
	stats  *stats.Stream
	log    *slog.Logger
}

// NewCoordinator creates a Coordinator sending requests through sender.
// A nil sender disables resend requests; frames then live or die by their
// deadline alone. If log is nil, slog.Default() is used.
func NewCoordinator(cfg CoordinatorConfig, sender ResendSender, st *stats.Stream, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		cfg:    cfg,
		sender: sender,
		stats:  st,
		log:    log.With("component", "resend"),
	}
}

// Sweep applies the resend policy to every in-flight assembly.
func (c *Coordinator) Sweep(now time.Time, a *Assembler) {
	for _, idx := range a.table {
		as := &a.slots[idx]

		if !now.Before(as.deadline) {
			a.abandon(idx, "deadline exceeded")
			continue
		}
		if now.Sub(as.firstSeen) < c.cfg.GracePeriod {
			continue
		}
		if !as.nextResend.IsZero() && now.Before(as.nextResend) {
			continue
		}
		if as.attempts >= c.cfg.MaxResends {
			a.abandon(idx, "retry budget exhausted")
			continue
		}

		ranges := as.missingRanges()
		if len(ranges) == 0 {
			// No interior gaps and no trailer yet: nothing concrete to
			// request. The deadline still bounds how long we wait.
			continue
		}
		ranges = clampWindow(ranges, c.cfg.WindowPackets)

		if c.sender != nil {
			if err := c.sender.SendResend(as.blockID, ranges); err != nil {
				c.log.Warn("resend request failed", "block", as.blockID, "error", err)
			}
		}
		c.stats.RecordResend(len(ranges))
		c.log.Debug("resend requested",
			"block", as.blockID,
			"ranges", len(ranges),
			"attempt", as.attempts+1,
		)

		as.attempts++
		as.state = StateResendPending
		as.nextResend = now.Add(c.backoff())
	}
}

// backoff returns a delay uniformly jittered within the configured bounds.
func (c *Coordinator) backoff() time.Duration {
	if c.cfg.BackoffMax <= c.cfg.BackoffMin {
		return c.cfg.BackoffMin
	}
	return c.cfg.BackoffMin + time.Duration(rand.Int63n(int64(c.cfg.BackoffMax-c.cfg.BackoffMin)))
}
