package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostTimeTracksLinearRelation(t *testing.T) {
	t.Parallel()

	m := NewMapper(0)
	start := time.Now()

	// 1000 ticks every 16ms → 62500 ticks per second.
	for i := uint64(0); i < 16; i++ {
		m.Update(i*1000, start.Add(time.Duration(i*16)*time.Millisecond))
	}
	require.Equal(t, 16, m.Samples())

	got, ok := m.HostTime(64_000)
	require.True(t, ok)
	want := start.Add(1024 * time.Millisecond)
	assert.InDelta(t, 0, got.Sub(want).Seconds(), 0.01)
}

func TestHostTimeBeforeCalibration(t *testing.T) {
	t.Parallel()

	m := NewMapper(1_000_000)
	_, ok := m.HostTime(500)
	assert.False(t, ok, "mapping with no samples should report not-ok")
}

func TestHostTimeSingleSampleFallback(t *testing.T) {
	t.Parallel()

	m := NewMapper(1_000_000) // 1 MHz ticks
	anchor := time.Now()
	m.Update(2_000_000, anchor)

	got, ok := m.HostTime(3_000_000) // one million ticks = one second later
	require.True(t, ok)
	assert.InDelta(t, 1.0, got.Sub(anchor).Seconds(), 0.001)
}

func TestHostTimeSingleSampleNoFrequency(t *testing.T) {
	t.Parallel()

	m := NewMapper(0)
	m.Update(1000, time.Now())
	_, ok := m.HostTime(2000)
	assert.False(t, ok)
}

func TestWindowAgesOutOldSamples(t *testing.T) {
	t.Parallel()

	m := NewMapper(0)
	start := time.Now()
	for i := uint64(0); i < maxWindow+10; i++ {
		m.Update(i*100, start.Add(time.Duration(i)*time.Millisecond))
	}
	assert.Equal(t, maxWindow, m.Samples())
}

func TestIdenticalTicksKeepLastFit(t *testing.T) {
	t.Parallel()

	m := NewMapper(0)
	start := time.Now()
	m.Update(1000, start)
	m.Update(2000, start.Add(time.Second))

	before, ok := m.HostTime(3000)
	require.True(t, ok)

	// Degenerate samples (same tick twice) must not corrupt the mapping.
	m.Update(2000, start.Add(time.Second))
	after, ok := m.HostTime(3000)
	require.True(t, ok)
	assert.WithinDuration(t, before, after, 200*time.Millisecond)
}
