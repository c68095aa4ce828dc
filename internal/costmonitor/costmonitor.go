// Package costmonitor detects runaway token consumption and gates further
// engine work. It tracks a 60-bucket sliding window of per-minute token
// totals and exposes a pause/resume gate the Conversation Engine consults
// before starting a new turn.
package costmonitor

import (
	"sync"
	"time"
)

const bucketCount = 60

// Config holds the monitor's tunables.
type Config struct {
	// ShortWindow is the number of trailing minutes summed into shortRate.
	ShortWindow int
	// HardCapPerHour pauses the engine unconditionally once hourTotal
	// reaches it.
	HardCapPerHour int64
	// MinBaselineTokens guards spike detection against an empty baseline:
	// baselineTotal must reach this before a spike can trip a pause.
	MinBaselineTokens int64
	// SpikeMultiplier is how far shortRate must exceed baselineRate to
	// count as a spike.
	SpikeMultiplier float64
}

// DefaultConfig returns the monitor's documented default tunables.
func DefaultConfig() Config {
	return Config{
		ShortWindow:       2,
		HardCapPerHour:    500_000,
		MinBaselineTokens: 500,
		SpikeMultiplier:   3.0,
	}
}

// Result is returned by CheckPause.
type Result struct {
	Paused bool
	Reason string
}

// Snapshot is a point-in-time read of the monitor's internal rates, used by
// health diagnostics.
type Snapshot struct {
	ShortRate    int64
	BaselineRate float64
	HourTotal    int64
	Paused       bool
	Reason       string
}

// Monitor is a process-wide singleton: one shared object with internal
// synchronization whose counters are monotonically updated across
// concurrent turns.
type Monitor struct {
	mu sync.Mutex

	cfg Config

	buckets       [bucketCount]int64
	currentMinute int
	bucketTime    time.Time // minute-truncated start of the current bucket

	paused      bool
	pauseReason string

	nowFunc func() time.Time
}

// New creates a Monitor with the given config. A zero-value field in cfg is
// replaced with its documented default.
func New(cfg Config) *Monitor {
	if cfg.ShortWindow <= 0 {
		cfg.ShortWindow = 2
	}
	if cfg.HardCapPerHour <= 0 {
		cfg.HardCapPerHour = 500_000
	}
	if cfg.MinBaselineTokens <= 0 {
		cfg.MinBaselineTokens = 500
	}
	if cfg.SpikeMultiplier <= 0 {
		cfg.SpikeMultiplier = 3.0
	}
	return &Monitor{cfg: cfg, nowFunc: time.Now}
}

// SetNowFunc overrides the monitor's clock, for deterministic tests.
func (m *Monitor) SetNowFunc(f func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFunc = f
}

func (m *Monitor) now() time.Time {
	if m.nowFunc != nil {
		return m.nowFunc()
	}
	return time.Now()
}

// advance rolls currentMinute forward to match the wall clock, zeroing any
// skipped buckets. Must be called with mu held.
func (m *Monitor) advance(now time.Time) {
	minute := now.Truncate(time.Minute)
	if m.bucketTime.IsZero() {
		m.bucketTime = minute
		return
	}
	elapsed := int(minute.Sub(m.bucketTime) / time.Minute)
	if elapsed <= 0 {
		return
	}
	if elapsed >= bucketCount {
		m.buckets = [bucketCount]int64{}
		m.currentMinute = 0
	} else {
		for i := 0; i < elapsed; i++ {
			m.currentMinute = (m.currentMinute + 1) % bucketCount
			m.buckets[m.currentMinute] = 0
		}
	}
	m.bucketTime = minute
}

// RecordUsage adds promptTokens+completionTokens into the current minute's
// bucket, advancing the window first if the wall clock has rolled over.
func (m *Monitor) RecordUsage(promptTokens, completionTokens int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance(m.now())
	m.buckets[m.currentMinute] += promptTokens + completionTokens
}

// inShortWindow reports whether bucket i falls within the trailing
// shortWindow minutes ending at currentMinute, inclusive.
func (m *Monitor) inShortWindow(i int) bool {
	for offset := 0; offset < m.cfg.ShortWindow; offset++ {
		if i == (m.currentMinute-offset+bucketCount)%bucketCount {
			return true
		}
	}
	return false
}

// CheckPause computes shortRate, baselineRate and hourTotal from the
// current window and pauses the monitor if either the hard cap or the
// spike condition trips. A pause persists until Resume is called; a paused
// monitor always returns Paused with its original reason.
func (m *Monitor) CheckPause() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance(m.now())

	if m.paused {
		return Result{Paused: true, Reason: m.pauseReason}
	}

	var shortRate, hourTotal, baselineTotal int64
	var baselineBuckets int
	for i, v := range m.buckets {
		hourTotal += v
		if m.inShortWindow(i) {
			shortRate += v
			continue
		}
		if v > 0 {
			baselineTotal += v
			baselineBuckets++
		}
	}

	if hourTotal >= m.cfg.HardCapPerHour {
		m.paused = true
		m.pauseReason = "hard cap"
		return Result{Paused: true, Reason: "hard cap"}
	}

	var baselineRate float64
	if baselineBuckets > 0 {
		baselineRate = float64(baselineTotal) / float64(baselineBuckets)
	}

	if baselineTotal >= m.cfg.MinBaselineTokens && float64(shortRate) > baselineRate*m.cfg.SpikeMultiplier {
		m.paused = true
		m.pauseReason = "spike"
		return Result{Paused: true, Reason: "spike"}
	}

	return Result{Paused: false}
}

// Resume clears the paused flag. If resetWindow is true, all buckets are
// also zeroed.
func (m *Monitor) Resume(resetWindow bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
	m.pauseReason = ""
	if resetWindow {
		m.buckets = [bucketCount]int64{}
	}
}

// Snapshot returns a point-in-time read of the monitor's rates without
// mutating pause state, for health diagnostics.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance(m.now())

	var shortRate, hourTotal, baselineTotal int64
	var baselineBuckets int
	for i, v := range m.buckets {
		hourTotal += v
		if m.inShortWindow(i) {
			shortRate += v
			continue
		}
		if v > 0 {
			baselineTotal += v
			baselineBuckets++
		}
	}
	var baselineRate float64
	if baselineBuckets > 0 {
		baselineRate = float64(baselineTotal) / float64(baselineBuckets)
	}
	return Snapshot{
		ShortRate:    shortRate,
		BaselineRate: baselineRate,
		HourTotal:    hourTotal,
		Paused:       m.paused,
		Reason:       m.pauseReason,
	}
}
