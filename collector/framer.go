package collector

import (
	"sync/atomic"

	"github.com/derktes/signal-recorder/hal"
	"github.com/derktes/signal-recorder/signal"
)

// State is the framer's position in the capture of one transmission.
type State uint8

const (
	Idle State = iota
	Accumulating
	// Sealed is transient: a sealed frame is handed off and the framer is
	// back in Idle before Observe returns.
	Sealed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	case Sealed:
		return "sealed"
	}
	return "unknown"
}

// Stats counts framing outcomes. Every field is updated with atomics from
// the producer goroutine and may be read at any time.
type Stats struct {
	Sealed        atomic.Uint64
	Lost          atomic.Uint64 // sealed while the channel was full
	Starved       atomic.Uint64 // activated with no free arena slot
	Truncated     atomic.Uint64
	DroppedPulses atomic.Uint64
	ClockWraps    atomic.Uint64
	Glitches      atomic.Uint64 // zero-length levels merged away
	Spurious      atomic.Uint64 // lone edges that never became a pulse
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Sealed        uint64 `json:"sealed"`
	Lost          uint64 `json:"lost"`
	Starved       uint64 `json:"starved"`
	Truncated     uint64 `json:"truncated"`
	DroppedPulses uint64 `json:"droppedPulses"`
	ClockWraps    uint64 `json:"clockWraps"`
	Glitches      uint64 `json:"glitches"`
	Spurious      uint64 `json:"spurious"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Sealed:        s.Sealed.Load(),
		Lost:          s.Lost.Load(),
		Starved:       s.Starved.Load(),
		Truncated:     s.Truncated.Load(),
		DroppedPulses: s.DroppedPulses.Load(),
		ClockWraps:    s.ClockWraps.Load(),
		Glitches:      s.Glitches.Load(),
		Spurious:      s.Spurious.Load(),
	}
}

// Framer turns level observations into frames. It is driven by a single
// producer goroutine: Observe never blocks, never allocates and never logs.
// Sealed frames go to out; a frame that does not fit is counted lost and its
// slot is reused for the next transmission.
type Framer struct {
	mode        signal.Mode
	idleTimeout uint32
	maxPulses   int
	arena       *Arena
	out         *Channel
	stats       *Stats

	state State
	// level and since describe the span in progress. In Idle, level is the
	// baseline a transmission has to depart from.
	level  signal.Level
	since  uint32
	prev   uint32
	primed bool
	// pulses counts the pulses of the current frame, stored or dropped.
	pulses int

	slot    Handle
	hasSlot bool
}

// NewFramer returns a framer in Idle with the rest level as baseline.
func NewFramer(mode signal.Mode, idleTimeout uint32, maxPulses int, arena *Arena, out *Channel, stats *Stats) *Framer {
	if stats == nil {
		stats = &Stats{}
	}
	return &Framer{
		mode:        mode,
		idleTimeout: idleTimeout,
		maxPulses:   maxPulses,
		arena:       arena,
		out:         out,
		stats:       stats,
		level:       signal.RestLevel,
	}
}

// State reports the current state.
func (f *Framer) State() State { return f.state }

// Stats returns the counters shared with the framer.
func (f *Framer) Stats() *Stats { return f.stats }

// Observe feeds one observation. The idle timeout is evaluated first, so a
// level change arriving exactly at the timeout seals the running frame and
// then starts a new one.
func (f *Framer) Observe(o hal.Observation) {
	if f.primed && hal.Before(o.Time, f.prev) {
		if f.state == Accumulating {
			f.stats.ClockWraps.Add(1)
		}
		f.idle(o.Level)
		f.prev = o.Time
		return
	}
	f.prev, f.primed = o.Time, true

	if f.state == Accumulating && o.Time-f.since >= f.idleTimeout {
		f.timeout()
	}
	if o.Level == f.level {
		return
	}
	switch f.state {
	case Idle:
		f.begin(o)
	case Accumulating:
		f.change(o)
	}
}

// Reset abandons any frame in progress and restores the rest baseline.
// It must not run concurrently with Observe.
func (f *Framer) Reset() {
	f.idle(signal.RestLevel)
	f.primed = false
}

// Flush seals the frame in progress as if the line had gone idle at the
// last observation. The final pulse is cut at the idle timeout. It reports
// whether a frame was handed off. It must not run concurrently with Observe.
func (f *Framer) Flush() bool {
	if f.state != Accumulating || f.pulses == 0 {
		f.Reset()
		return false
	}
	elapsed := f.prev - f.since
	if elapsed > f.idleTimeout {
		elapsed = f.idleTimeout
	}
	if elapsed > 0 {
		f.appendPulse(f.level, elapsed)
	}
	sent := f.seal()
	f.primed = false
	return sent
}

func (f *Framer) begin(o hal.Observation) {
	f.state = Accumulating
	f.level = o.Level
	f.since = o.Time
	f.pulses = 0
	if !f.hasSlot {
		f.slot, f.hasSlot = f.arena.Acquire()
		if !f.hasSlot {
			f.stats.Starved.Add(1)
			return
		}
	}
	fr := f.arena.Frame(f.slot)
	fr.Reset()
	fr.Mode = f.mode
	fr.Start = o.Time
}

func (f *Framer) change(o hal.Observation) {
	elapsed := o.Time - f.since
	if elapsed == 0 {
		f.merge(o.Level)
		return
	}
	f.appendPulse(f.level, elapsed)
	f.level = o.Level
	f.since = o.Time
}

// merge drops a level that lasted no time at all. The span before it simply
// continues.
func (f *Framer) merge(level signal.Level) {
	f.stats.Glitches.Add(1)
	if f.pulses == 0 {
		// The activating edge itself was the glitch.
		f.idle(level)
		return
	}
	f.pulses--
	f.level = level
	if !f.hasSlot {
		return
	}
	fr := f.arena.Frame(f.slot)
	if fr.Dropped > 0 {
		fr.Dropped--
		fr.Truncated = fr.Dropped > 0
		f.stats.DroppedPulses.Add(^uint64(0))
		return
	}
	last := fr.Pulses[len(fr.Pulses)-1]
	fr.Pulses = fr.Pulses[:len(fr.Pulses)-1]
	f.since -= last.Duration
}

func (f *Framer) timeout() {
	if f.pulses == 0 {
		f.stats.Spurious.Add(1)
		f.idle(f.level)
		return
	}
	f.appendPulse(f.level, f.idleTimeout)
	f.seal()
}

func (f *Framer) appendPulse(level signal.Level, d uint32) {
	f.pulses++
	if !f.hasSlot {
		return
	}
	fr := f.arena.Frame(f.slot)
	if len(fr.Pulses) >= f.maxPulses || len(fr.Pulses) == cap(fr.Pulses) {
		fr.Truncated = true
		fr.Dropped++
		f.stats.DroppedPulses.Add(1)
		return
	}
	fr.Pulses = append(fr.Pulses, signal.Pulse{Level: level, Duration: d})
}

// seal hands the frame in progress to the channel and returns to Idle.
func (f *Framer) seal() bool {
	f.state = Sealed
	defer f.idle(signal.RestLevel)
	if !f.hasSlot {
		f.stats.Lost.Add(1)
		return false
	}
	truncated := f.arena.Frame(f.slot).Truncated
	if !f.out.TrySend(f.slot) {
		f.stats.Lost.Add(1)
		return false
	}
	f.hasSlot = false
	f.stats.Sealed.Add(1)
	if truncated {
		f.stats.Truncated.Add(1)
	}
	return true
}

// idle drops whatever is in progress and waits for a departure from
// baseline. The slot, if any, is kept for the next frame.
func (f *Framer) idle(baseline signal.Level) {
	f.state = Idle
	f.level = baseline
	f.pulses = 0
	if f.hasSlot {
		f.arena.Frame(f.slot).Reset()
	}
}
