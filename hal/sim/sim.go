// Package sim provides virtual hardware for host tests: a clock whose busy
// waits complete instantly, a scripted input waveform and an output pin that
// records every level it is driven to.
package sim

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/derktes/signal-recorder/hal"
	"github.com/derktes/signal-recorder/signal"
)

// Clock is a virtual microsecond counter implementing hal.Timer. SpinUntil
// jumps straight to the deadline.
type Clock struct {
	now     atomic.Uint32
	horizon atomic.Uint32
	parked  atomic.Bool
}

// NewClock returns a clock reading start.
func NewClock(start uint32) *Clock {
	c := &Clock{}
	c.now.Store(start)
	return c
}

func (c *Clock) Now() uint32 { return c.now.Load() }

// Set moves the clock to t, forwards or backwards.
func (c *Clock) Set(t uint32) { c.now.Store(t) }

// Advance moves the clock forward by d.
func (c *Clock) Advance(d uint32) { c.now.Add(d) }

// ParkAt stops virtual time at t: a wait whose deadline reaches t blocks
// until it is aborted. Tests use it to keep free-running pollers from racing
// through the counter range.
func (c *Clock) ParkAt(t uint32) {
	c.horizon.Store(t)
	c.parked.Store(true)
}

func (c *Clock) SpinUntil(deadline uint32, abort *atomic.Bool) bool {
	if c.parked.Load() && !hal.Before(deadline, c.horizon.Load()) {
		for abort == nil || !abort.Load() {
			time.Sleep(100 * time.Microsecond)
		}
		return false
	}
	if abort != nil && abort.Load() {
		return false
	}
	if hal.Before(c.Now(), deadline) {
		c.now.Store(deadline)
	}
	return true
}

// Edge is a scripted level change.
type Edge struct {
	At    uint32
	Level signal.Level
}

// Waveform is an input pin whose level is scripted against a clock.
type Waveform struct {
	clock   hal.Timer
	initial signal.Level

	mu    sync.Mutex
	edges []Edge
}

// NewWaveform returns a pin reading initial until the first edge.
func NewWaveform(clock hal.Timer, initial signal.Level) *Waveform {
	return &Waveform{clock: clock, initial: initial}
}

// Set schedules a level change at time at.
func (w *Waveform) Set(at uint32, level signal.Level) *Waveform {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.edges = append(w.edges, Edge{At: at, Level: level})
	sort.SliceStable(w.edges, func(i, j int) bool { return w.edges[i].At < w.edges[j].At })
	return w
}

// Pulses schedules a pulse train starting at start: the line goes to first,
// then toggles after each duration. It returns the time of the last toggle.
func (w *Waveform) Pulses(start uint32, first signal.Level, durations ...uint32) uint32 {
	at, level := start, first
	w.Set(at, level)
	for _, d := range durations {
		at += d
		level = level.Invert()
		w.Set(at, level)
	}
	return at
}

func (w *Waveform) Get() signal.Level {
	now := w.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	level := w.initial
	for _, e := range w.edges {
		if e.At > now {
			break
		}
		level = e.Level
	}
	return level
}

// Event is one recorded output write.
type Event struct {
	Level signal.Level
	At    uint32
}

var ErrInjected = errors.New("sim: injected pin failure")

// Pin is an output pin that records writes against a clock.
type Pin struct {
	clock hal.Timer

	mu     sync.Mutex
	level  signal.Level
	events []Event
	// FailAfter makes every write after the first FailAfter writes return
	// ErrInjected. Zero disables injection.
	FailAfter int
}

func NewPin(clock hal.Timer, initial signal.Level) *Pin {
	return &Pin{clock: clock, level: initial}
}

func (p *Pin) Set(level signal.Level) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailAfter > 0 && len(p.events) >= p.FailAfter {
		return ErrInjected
	}
	p.level = level
	p.events = append(p.events, Event{Level: level, At: p.clock.Now()})
	return nil
}

// Level is the current output level.
func (p *Pin) Level() signal.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// Events returns a copy of every recorded write.
func (p *Pin) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Pulses rebuilds the driven pulse train from the recorded writes: each
// write lasts until the next one. The final write has no duration and is
// not included.
func (p *Pin) Pulses() []signal.Pulse {
	events := p.Events()
	if len(events) < 2 {
		return nil
	}
	pulses := make([]signal.Pulse, 0, len(events)-1)
	for i := 0; i < len(events)-1; i++ {
		pulses = append(pulses, signal.Pulse{
			Level:    events[i].Level,
			Duration: events[i+1].At - events[i].At,
		})
	}
	return pulses
}
