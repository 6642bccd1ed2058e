package discord

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/internal/event"
)

// PipelineStats collects transmission lengths and problem counters for
// dashboard display. It maintains a bounded ring buffer of recent
// transmissions from which percentiles are computed on demand.
//
// Thread-safe for concurrent use.
type PipelineStats struct {
	mu sync.Mutex

	broadcast latencyBuffer
	open      map[string]time.Time // user ID → speaking start

	transmissions int64
	whispers      int64
	warnings      int64
	errors        int64
	lastProblem   string
}

// NewPipelineStats creates a PipelineStats with the given window size
// (maximum number of transmission samples retained).
func NewPipelineStats(windowSize int) *PipelineStats {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &PipelineStats{
		broadcast: newLatencyBuffer(windowSize),
		open:      make(map[string]time.Time),
	}
}

// Observe folds one relay event into the statistics. Events that carry
// nothing countable are ignored.
func (ps *PipelineStats) Observe(ev event.Event) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	switch ev.Kind {
	case event.KindSpeaking:
		if sp, ok := ev.Data.(event.Speaking); ok {
			ps.open[sp.UserID] = ev.Time
		}
	case event.KindSpeakingEnded:
		sp, ok := ev.Data.(event.Speaking)
		if !ok {
			return
		}
		start, ok := ps.open[sp.UserID]
		if !ok {
			return
		}
		delete(ps.open, sp.UserID)
		ps.transmissions++
		ps.broadcast.add(ev.Time.Sub(start))
	case event.KindWhisperSpeaking:
		ps.whispers++
	case event.KindWarning, event.KindError:
		if ev.Kind == event.KindWarning {
			ps.warnings++
		} else {
			ps.errors++
		}
		if p, ok := ev.Data.(event.Problem); ok {
			ps.lastProblem = p.Source + ": " + p.Message
		}
	}
}

// RecordTransmission records the length of one relayed transmission.
func (ps *PipelineStats) RecordTransmission(d time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.transmissions++
	ps.broadcast.add(d)
}

// LatencyPercentiles holds p50 and p95 values for a series of durations.
type LatencyPercentiles struct {
	P50 time.Duration
	P95 time.Duration
}

// Snapshot captures a point-in-time view of the statistics.
type Snapshot struct {
	Transmission  LatencyPercentiles
	Transmissions int64
	Whispers      int64
	Warnings      int64
	Errors        int64
	LastProblem   string
}

// Snapshot returns a point-in-time view of the statistics.
func (ps *PipelineStats) Snapshot() Snapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	return Snapshot{
		Transmission:  ps.broadcast.percentiles(),
		Transmissions: ps.transmissions,
		Whispers:      ps.whispers,
		Warnings:      ps.warnings,
		Errors:        ps.errors,
		LastProblem:   ps.lastProblem,
	}
}

// latencyBuffer is a bounded ring buffer of duration samples.
type latencyBuffer struct {
	data []time.Duration
	size int
	pos  int
	full bool
}

func newLatencyBuffer(size int) latencyBuffer {
	return latencyBuffer{
		data: make([]time.Duration, size),
		size: size,
	}
}

func (lb *latencyBuffer) add(d time.Duration) {
	lb.data[lb.pos] = d
	lb.pos++
	if lb.pos >= lb.size {
		lb.pos = 0
		lb.full = true
	}
}

func (lb *latencyBuffer) percentiles() LatencyPercentiles {
	n := lb.pos
	if lb.full {
		n = lb.size
	}
	if n == 0 {
		return LatencyPercentiles{}
	}

	sorted := slices.Clone(lb.data[:n])
	slices.Sort(sorted)

	return LatencyPercentiles{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
	}
}

// percentile returns the value at the given percentile (0.0-1.0) from a
// sorted slice of durations using nearest-rank.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
