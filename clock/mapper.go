// Package clock maintains a linear mapping from device timestamp ticks to
// host wall-clock time, refreshed from synchronization samples supplied by
// the control path.
package clock

import (
	"sync"
	"time"
)

// maxWindow bounds the number of calibration samples kept for the
// least-squares fit. Older samples age out so the mapping tracks clock
// drift instead of averaging it away.
const maxWindow = 32

type sample struct {
	tick uint64
	host time.Time
}

// Mapper extrapolates host time from device ticks. Update is called by the
// control-path collaborator whenever a (tick, host time) pair is latched;
// HostTime is called on the ingest path for every completed frame. Both are
// safe for concurrent use.
type Mapper struct {
	mu        sync.Mutex
	tickFreq  float64
	window    []sample
	anchor    time.Time
	slope     float64 // seconds per tick relative to anchor
	intercept float64
	fitted    bool
}

// NewMapper creates a Mapper. tickFrequency (ticks per second, from the
// device's timestamp tick frequency register) is the fallback used until
// two calibration samples allow a proper fit; zero disables the fallback.
func NewMapper(tickFrequency uint64) *Mapper {
	return &Mapper{tickFreq: float64(tickFrequency)}
}

// Update adds a calibration sample and refits the mapping.
func (m *Mapper) Update(tick uint64, host time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.window) == 0 {
		m.anchor = host
	}
	if len(m.window) == maxWindow {
		copy(m.window, m.window[1:])
		m.window = m.window[:maxWindow-1]
	}
	m.window = append(m.window, sample{tick: tick, host: host})
	m.refit()
}

// Samples returns the number of calibration samples currently held.
func (m *Mapper) Samples() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.window)
}

// HostTime estimates the host time corresponding to a device tick. It
// returns ok=false when no calibration sample has been seen yet; the caller
// falls back to its own clock.
func (m *Mapper) HostTime(tick uint64) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.fitted:
		sec := m.slope*float64(tick) + m.intercept
		return m.anchor.Add(time.Duration(sec * float64(time.Second))), true
	case len(m.window) == 1 && m.tickFreq > 0:
		ref := m.window[0]
		sec := (float64(tick) - float64(ref.tick)) / m.tickFreq
		return ref.host.Add(time.Duration(sec * float64(time.Second))), true
	default:
		return time.Time{}, false
	}
}

// refit recomputes the least-squares slope and intercept over the window.
// Caller holds mu.
func (m *Mapper) refit() {
	if len(m.window) < 2 {
		m.fitted = false
		return
	}

	n := float64(len(m.window))
	var sumX, sumY, sumXX, sumXY float64
	for _, s := range m.window {
		x := float64(s.tick)
		y := s.host.Sub(m.anchor).Seconds()
		sumX += x
		sumY += y
		sumXX += x * x
		sumXY += x * y
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		// Identical ticks carry no slope information; keep the last fit.
		return
	}
	m.slope = (n*sumXY - sumX*sumY) / denom
	m.intercept = (sumY - m.slope*sumX) / n
	m.fitted = true
}
