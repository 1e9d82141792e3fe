package signal

import (
	"errors"
	"fmt"
)

// Sample is the storage form of a pulse: duration in the low 24 bits, level
// in the high 8 bits.
type Sample uint32

const (
	// MaxDuration is the longest pulse a sample word can carry.
	MaxDuration = 1<<24 - 1

	durationMask = 0x00FFFFFF
	levelShift   = 24
)

var (
	ErrDurationRange = errors.New("pulse duration exceeds 24 bits")
	ErrBadLevel      = errors.New("sample level out of range")
)

// EncodeSample packs p. Durations beyond MaxDuration are rejected instead of
// truncated.
func EncodeSample(p Pulse) (Sample, error) {
	if p.Duration > MaxDuration {
		return 0, fmt.Errorf("%w: %d", ErrDurationRange, p.Duration)
	}
	if p.Level > High {
		return 0, fmt.Errorf("%w: %d", ErrBadLevel, p.Level)
	}
	return Sample(uint32(p.Level)<<levelShift | p.Duration), nil
}

// Pulse unpacks s.
func (s Sample) Pulse() Pulse {
	return Pulse{
		Level:    Level(uint32(s) >> levelShift),
		Duration: uint32(s) & durationMask,
	}
}

// EncodePulses packs a whole pulse sequence into dst, reusing its storage.
func EncodePulses(dst []Sample, pulses []Pulse) ([]Sample, error) {
	dst = dst[:0]
	for i, p := range pulses {
		s, err := EncodeSample(p)
		if err != nil {
			return dst, fmt.Errorf("pulse %d: %w", i, err)
		}
		dst = append(dst, s)
	}
	return dst, nil
}

// DecodeSamples unpacks samples, rejecting level bytes other than 0 and 1.
func DecodeSamples(samples []Sample) ([]Pulse, error) {
	pulses := make([]Pulse, len(samples))
	for i, s := range samples {
		p := s.Pulse()
		if p.Level > High {
			return nil, fmt.Errorf("sample %d: %w: %d", i, ErrBadLevel, p.Level)
		}
		pulses[i] = p
	}
	return pulses, nil
}
