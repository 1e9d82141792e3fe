package collector

import (
	"fmt"

	"github.com/derktes/signal-recorder/signal"
)

// Arena is a fixed set of frame slots with preallocated pulse storage. The
// producer acquires slots and the consumer releases them, each through its
// own end of a free ring, so neither side takes a lock or allocates.
type Arena struct {
	frames []signal.Frame
	free   *ring
}

// NewArena allocates slots frames of maxPulses pulses each.
func NewArena(slots, maxPulses int) *Arena {
	a := &Arena{
		frames: make([]signal.Frame, slots),
		free:   newRing(slots),
	}
	for i := range a.frames {
		a.frames[i].Pulses = make([]signal.Pulse, 0, maxPulses)
		a.free.push(Handle(i))
	}
	return a
}

// Acquire takes a free slot. Producer side only.
func (a *Arena) Acquire() (Handle, bool) {
	return a.free.pop()
}

// Frame returns the slot behind h. Only the current owner of h may use it.
func (a *Arena) Frame(h Handle) *signal.Frame {
	return &a.frames[h]
}

// Release resets the slot and returns it to the free ring. Consumer side
// only.
func (a *Arena) Release(h Handle) {
	a.frames[h].Reset()
	if !a.free.push(h) {
		panic(fmt.Sprintf("collector: slot %d released twice", h))
	}
}

// Free is the number of unowned slots.
func (a *Arena) Free() int {
	return a.free.len()
}

// Slots is the total number of slots.
func (a *Arena) Slots() int {
	return len(a.frames)
}
