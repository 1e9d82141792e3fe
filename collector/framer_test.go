package collector

import (
	"testing"

	"github.com/derktes/signal-recorder/hal"
	"github.com/derktes/signal-recorder/signal"
)

const testTimeout = 40000

func newTestFramer(maxPulses, depth int) (*Framer, *Arena, *Channel) {
	arena := NewArena(depth+2, maxPulses)
	ch := NewChannel(depth)
	return NewFramer(signal.ModeIR, testTimeout, maxPulses, arena, ch, nil), arena, ch
}

func feed(f *Framer, obs ...hal.Observation) {
	for _, o := range obs {
		f.Observe(o)
	}
}

func obs(level signal.Level, at uint32) hal.Observation {
	return hal.Observation{Level: level, Time: at}
}

// toggles returns observations that start at level first at time start and
// flip every width units, count times.
func toggles(start uint32, first signal.Level, width uint32, count int) []hal.Observation {
	out := []hal.Observation{obs(first, start)}
	level := first
	for i := 1; i <= count; i++ {
		level = level.Invert()
		out = append(out, obs(level, start+uint32(i)*width))
	}
	return out
}

func popFrame(t *testing.T, arena *Arena, ch *Channel) signal.Frame {
	t.Helper()
	h, ok := ch.ring.pop()
	if !ok {
		t.Fatal("Expected a sealed frame, channel is empty")
	}
	fr := *arena.Frame(h)
	fr.Pulses = append([]signal.Pulse(nil), fr.Pulses...)
	arena.Release(h)
	return fr
}

func TestFramerConcreteScenario(t *testing.T) {
	f, arena, ch := newTestFramer(200, 4)

	feed(f, obs(signal.Low, 0))
	feed(f, toggles(1000, signal.High, 500, 6)...)
	// The line now holds high. One unit short of the timeout nothing seals.
	feed(f, obs(signal.High, 4000+testTimeout-1))
	if ch.Len() != 0 {
		t.Fatal("frame sealed before the idle timeout")
	}
	if f.State() != Accumulating {
		t.Fatalf("Expected accumulating, got %v", f.State())
	}
	feed(f, obs(signal.High, 4000+testTimeout))

	fr := popFrame(t, arena, ch)
	if len(fr.Pulses) != 7 {
		t.Fatalf("Expected 7 pulses, got %d: %v", len(fr.Pulses), fr.Pulses)
	}
	level := signal.High
	for i, p := range fr.Pulses[:6] {
		if p.Level != level || p.Duration != 500 {
			t.Errorf("pulse %d: expected {%v 500}, got %+v", i, level, p)
		}
		level = level.Invert()
	}
	if last := fr.Pulses[6]; last.Level != signal.High || last.Duration != testTimeout {
		t.Errorf("Expected final pulse {high %d}, got %+v", testTimeout, last)
	}
	if fr.Start != 1000 || fr.Mode != signal.ModeIR || fr.Truncated {
		t.Errorf("unexpected frame header %+v", fr)
	}
	if err := fr.Validate(); err != nil {
		t.Error(err)
	}
	// The baseline is back at rest, so the line still held high reads as a
	// new activation.
	if f.State() != Accumulating {
		t.Errorf("Expected the held level to reopen a frame, got %v", f.State())
	}
	feed(f, obs(signal.High, 4000+2*testTimeout))
	if f.State() != Idle {
		t.Errorf("Expected idle after the hold timed out, got %v", f.State())
	}
	if ch.Len() != 0 {
		t.Errorf("Expected the hold not to be saved, %d frames queued", ch.Len())
	}
	st := f.Stats().Snapshot()
	if st.Sealed != 1 || st.Spurious != 1 {
		t.Errorf("Expected 1 sealed and 1 spurious, got %+v", st)
	}
}

func TestFramerTimeoutBeatsEdge(t *testing.T) {
	f, arena, ch := newTestFramer(200, 4)

	feed(f, obs(signal.High, 1000), obs(signal.Low, 1500))
	// An edge lands exactly on the timeout of the low span.
	feed(f, obs(signal.High, 1500+testTimeout))

	fr := popFrame(t, arena, ch)
	want := []signal.Pulse{{Level: signal.High, Duration: 500}, {Level: signal.Low, Duration: testTimeout}}
	if len(fr.Pulses) != len(want) {
		t.Fatalf("Expected %v, got %v", want, fr.Pulses)
	}
	for i := range want {
		if fr.Pulses[i] != want[i] {
			t.Errorf("pulse %d: expected %+v, got %+v", i, want[i], fr.Pulses[i])
		}
	}
	if f.State() != Accumulating {
		t.Errorf("Expected the edge to open a new frame, got %v", f.State())
	}
}

func TestFramerSealsOnlyOncePerTransmission(t *testing.T) {
	f, _, ch := newTestFramer(200, 4)

	feed(f, toggles(1000, signal.High, 300, 3)...)
	for at := uint32(2000); at < 200000; at += 1000 {
		feed(f, obs(signal.Low, at))
	}
	if ch.Len() != 1 {
		t.Errorf("Expected exactly 1 frame for one transmission, got %d", ch.Len())
	}
}

func TestFramerTruncatesOnOverflow(t *testing.T) {
	f, arena, ch := newTestFramer(4, 2)

	feed(f, toggles(1000, signal.High, 100, 10)...)
	feed(f, obs(signal.Low, 2000+testTimeout))

	fr := popFrame(t, arena, ch)
	if len(fr.Pulses) != 4 {
		t.Fatalf("Expected 4 stored pulses, got %d", len(fr.Pulses))
	}
	if !fr.Truncated {
		t.Error("Expected the frame to be marked truncated")
	}
	// 10 toggles and the final hold make 11 pulses.
	if fr.Dropped != 7 {
		t.Errorf("Expected 7 dropped pulses, got %d", fr.Dropped)
	}
	if err := fr.Validate(); err != nil {
		t.Error(err)
	}
	if n := f.Stats().Truncated.Load(); n != 1 {
		t.Errorf("Expected truncated counter 1, got %d", n)
	}
}

func TestFramerCountsLostWhenChannelFull(t *testing.T) {
	f, arena, ch := newTestFramer(200, 1)

	at := uint32(1000)
	for i := 0; i < 1000; i++ {
		feed(f, obs(signal.High, at), obs(signal.Low, at+500), obs(signal.Low, at+500+testTimeout))
		at += 500 + testTimeout + 1
	}

	stats := f.Stats().Snapshot()
	if stats.Sealed != 1 || stats.Lost != 999 {
		t.Errorf("Expected 1 sealed and 999 lost, got %+v", stats)
	}
	if ch.Len() != 1 {
		t.Errorf("Expected the channel to hold 1 frame, got %d", ch.Len())
	}
	// Lost frames reuse the producer's slot instead of draining the arena.
	if arena.Free() != 1 {
		t.Errorf("Expected 1 free slot, got %d", arena.Free())
	}
}

func TestFramerDiscardsOnClockGoingBackwards(t *testing.T) {
	f, _, ch := newTestFramer(200, 4)

	feed(f, obs(signal.High, 5000), obs(signal.Low, 5500), obs(signal.High, 100))
	if f.State() != Idle {
		t.Errorf("Expected idle after the clock went backwards, got %v", f.State())
	}
	feed(f, obs(signal.High, 100+testTimeout))
	if ch.Len() != 0 {
		t.Error("Expected the mis-timed frame to be discarded")
	}
	if n := f.Stats().ClockWraps.Load(); n != 1 {
		t.Errorf("Expected 1 clock wrap, got %d", n)
	}
}

func TestFramerAcceptsCounterWrap(t *testing.T) {
	f, arena, ch := newTestFramer(200, 4)

	start := uint32(0xFFFFFF00)
	feed(f, toggles(start, signal.High, 0x80, 3)...)
	feed(f, obs(signal.Low, start+3*0x80+testTimeout))

	fr := popFrame(t, arena, ch)
	if len(fr.Pulses) != 4 {
		t.Fatalf("Expected 4 pulses across the wrap, got %v", fr.Pulses)
	}
	for _, p := range fr.Pulses[:3] {
		if p.Duration != 0x80 {
			t.Errorf("Expected duration %d, got %d", 0x80, p.Duration)
		}
	}
}

func TestFramerMergesZeroLengthLevel(t *testing.T) {
	f, arena, ch := newTestFramer(200, 4)

	feed(f,
		obs(signal.High, 1000),
		obs(signal.Low, 1500),
		obs(signal.High, 1500),
		obs(signal.Low, 2000),
		obs(signal.Low, 2000+testTimeout),
	)
	fr := popFrame(t, arena, ch)
	want := []signal.Pulse{{Level: signal.High, Duration: 1000}, {Level: signal.Low, Duration: testTimeout}}
	if len(fr.Pulses) != 2 || fr.Pulses[0] != want[0] || fr.Pulses[1] != want[1] {
		t.Errorf("Expected %v, got %v", want, fr.Pulses)
	}
	if n := f.Stats().Glitches.Load(); n != 1 {
		t.Errorf("Expected 1 glitch, got %d", n)
	}
}

func TestFramerLoneEdgeIsNotAFrame(t *testing.T) {
	f, _, ch := newTestFramer(200, 4)

	feed(f, obs(signal.High, 1000), obs(signal.High, 1000+testTimeout))
	if ch.Len() != 0 {
		t.Error("a single edge must not produce a frame")
	}
	if f.State() != Idle {
		t.Errorf("Expected idle, got %v", f.State())
	}
	if n := f.Stats().Spurious.Load(); n != 1 {
		t.Errorf("Expected 1 spurious edge, got %d", n)
	}
	// The stuck level is the new baseline: staying high starts nothing.
	feed(f, obs(signal.High, 2000+testTimeout))
	if f.State() != Idle {
		t.Errorf("Expected idle on the new baseline, got %v", f.State())
	}
}

func TestFramerFlushSealsPartialFrame(t *testing.T) {
	f, arena, ch := newTestFramer(200, 4)

	feed(f, obs(signal.High, 1000), obs(signal.Low, 1400), obs(signal.Low, 1700))
	if !f.Flush() {
		t.Fatal("Expected Flush to hand off the partial frame")
	}
	fr := popFrame(t, arena, ch)
	want := []signal.Pulse{{Level: signal.High, Duration: 400}, {Level: signal.Low, Duration: 300}}
	if len(fr.Pulses) != 2 || fr.Pulses[0] != want[0] || fr.Pulses[1] != want[1] {
		t.Errorf("Expected %v, got %v", want, fr.Pulses)
	}
	if f.Flush() {
		t.Error("Flush on an idle framer should not produce a frame")
	}
}

func TestFramerResetDiscards(t *testing.T) {
	f, arena, ch := newTestFramer(200, 4)

	feed(f, obs(signal.High, 1000), obs(signal.Low, 1400))
	f.Reset()
	if f.State() != Idle || ch.Len() != 0 {
		t.Error("Expected Reset to drop the frame in progress")
	}
	if arena.Free() != arena.Slots()-1 {
		t.Errorf("Expected the framer to keep exactly one slot, %d of %d free", arena.Free(), arena.Slots())
	}
}

func TestRingOrderAndCapacity(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 3; i++ {
		if !r.push(Handle(i)) {
			t.Fatalf("push %d failed", i)
		}
	}
	if r.push(9) {
		t.Error("Expected push to fail on a full ring")
	}
	for i := 0; i < 3; i++ {
		h, ok := r.pop()
		if !ok || h != Handle(i) {
			t.Errorf("Expected %d, got %d (ok=%v)", i, h, ok)
		}
	}
	if _, ok := r.pop(); ok {
		t.Error("Expected pop to fail on an empty ring")
	}
}
