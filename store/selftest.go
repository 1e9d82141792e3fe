package store

import (
	"context"
	"fmt"

	"github.com/derktes/signal-recorder/signal"
)

// SquareWave builds a frame of n pulses of width units each, alternating
// from high.
func SquareWave(mode signal.Mode, n int, width uint32) *signal.Frame {
	f := &signal.Frame{Mode: mode, Pulses: make([]signal.Pulse, n)}
	level := signal.High
	for i := range f.Pulses {
		f.Pulses[i] = signal.Pulse{Level: level, Duration: width}
		level = level.Invert()
	}
	return f
}

// SelfTest saves a synthetic square wave, reads it back, compares and
// deletes it.
func SelfTest(ctx context.Context, s *Sink, mode signal.Mode) error {
	frame := SquareWave(mode, 10, 500)
	p, err := signal.NewPacket(frame, 0)
	if err != nil {
		return err
	}
	e, err := s.Save(ctx, p)
	if err != nil {
		return err
	}
	defer s.Delete(ctx, e.Name)

	back, err := s.Load(ctx, e.Name)
	if err != nil {
		return err
	}
	pulses, err := back.Pulses()
	if err != nil {
		return err
	}
	if len(pulses) != len(frame.Pulses) {
		return fmt.Errorf("store: self test: read %d pulses, wrote %d", len(pulses), len(frame.Pulses))
	}
	for i := range pulses {
		if pulses[i] != frame.Pulses[i] {
			return fmt.Errorf("store: self test: pulse %d: read %+v, wrote %+v", i, pulses[i], frame.Pulses[i])
		}
	}
	return nil
}
