// Package signal holds the captured-signal data model: logic levels, pulses,
// frames and the packed sample words used on storage.
package signal

import (
	"errors"
	"fmt"
	"strings"
)

// Level is a logical line level. High means mark (carrier present); sources
// with active-low receivers invert their raw readings so that Low is always
// the electrical rest state.
type Level uint8

const (
	Low  Level = 0
	High Level = 1
)

// RestLevel is the level a framer resets to and the level an output is
// forced to after replay.
const RestLevel = Low

// Invert returns the opposite level.
func (l Level) Invert() Level {
	if l == Low {
		return High
	}
	return Low
}

func (l Level) String() string {
	if l == Low {
		return "low"
	}
	return "high"
}

// Mode identifies the signal path a frame was captured on.
type Mode uint8

const (
	ModeIR Mode = iota
	ModeRF
)

// Modes lists every supported mode in a stable order.
var Modes = []Mode{ModeIR, ModeRF}

var ErrUnknownMode = errors.New("unknown signal mode")

func (m Mode) String() string {
	switch m {
	case ModeIR:
		return "IR"
	case ModeRF:
		return "RF"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// Tag is the lowercase form used in file names and URLs.
func (m Mode) Tag() string {
	return strings.ToLower(m.String())
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m == ModeIR || m == ModeRF
}

func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, ErrUnknownMode
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMode accepts "IR"/"RF" in any case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IR":
		return ModeIR, nil
	case "RF":
		return ModeRF, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Pulse is one constant-level span of a signal. Duration is counted in the
// capture time unit (microseconds).
type Pulse struct {
	Level    Level  `json:"level"`
	Duration uint32 `json:"duration"`
}

var (
	ErrZeroDuration = errors.New("pulse has zero duration")
	ErrNotAlternate = errors.New("adjacent pulses share a level")
)

// Frame is one captured transmission.
type Frame struct {
	Mode Mode
	// Start is the timestamp of the level change that opened the frame.
	Start  uint32
	Pulses []Pulse
	// Truncated is set when pulses were dropped because the frame reached
	// its capacity; Dropped counts them.
	Truncated bool
	Dropped   int
}

// Reset empties f while keeping its pulse storage.
func (f *Frame) Reset() {
	f.Start = 0
	f.Pulses = f.Pulses[:0]
	f.Truncated = false
	f.Dropped = 0
}

// Duration is the sum of all pulse durations.
func (f *Frame) Duration() uint64 {
	return TotalDuration(f.Pulses)
}

// Validate checks the per-frame pulse invariants.
func (f *Frame) Validate() error {
	return ValidatePulses(f.Pulses)
}

// TotalDuration sums the durations of pulses.
func TotalDuration(pulses []Pulse) uint64 {
	var total uint64
	for _, p := range pulses {
		total += uint64(p.Duration)
	}
	return total
}

// ValidatePulses checks that every duration is positive and that adjacent
// pulses alternate level.
func ValidatePulses(pulses []Pulse) error {
	for i, p := range pulses {
		if p.Duration == 0 {
			return fmt.Errorf("pulse %d: %w", i, ErrZeroDuration)
		}
		if i > 0 && pulses[i-1].Level == p.Level {
			return fmt.Errorf("pulse %d: %w", i, ErrNotAlternate)
		}
	}
	return nil
}
