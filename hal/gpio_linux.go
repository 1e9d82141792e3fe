//go:build linux

package hal

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"github.com/derktes/signal-recorder/signal"
)

const (
	defaultHeartbeat   = 10 * time.Millisecond
	defaultEventBuffer = 256
)

// GPIOSource captures both edges of a gpio line through the kernel character
// device. Event timestamps come from CLOCK_MONOTONIC; while the line is quiet
// the source emits heartbeats from SystemTimer so the framer can see idle
// timeouts.
type GPIOSource struct {
	Chip      string
	Line      int
	ActiveLow bool
	// Heartbeat is the quiet-line observation period; it should be well
	// below the framer idle timeout.
	Heartbeat time.Duration
	Buffer    int

	timer    SystemTimer
	overruns atomic.Uint64
}

// Overruns counts kernel events dropped because the hand-off buffer was full.
func (s *GPIOSource) Overruns() uint64 { return s.overruns.Load() }

func (s *GPIOSource) level(raw int) signal.Level {
	l := signal.Low
	if raw != 0 {
		l = signal.High
	}
	if s.ActiveLow {
		l = l.Invert()
	}
	return l
}

func (s *GPIOSource) Run(ctx context.Context, fn func(Observation)) error {
	size := s.Buffer
	if size <= 0 {
		size = defaultEventBuffer
	}
	events := make(chan Observation, size)
	handler := func(evt gpiocdev.LineEvent) {
		raw := 0
		if evt.Type == gpiocdev.LineEventRisingEdge {
			raw = 1
		}
		o := Observation{Level: s.level(raw), Time: uint32(evt.Timestamp.Microseconds())}
		select {
		case events <- o:
		default:
			s.overruns.Add(1)
		}
	}

	line, err := gpiocdev.RequestLine(s.Chip, s.Line,
		gpiocdev.AsInput,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(handler))
	if err != nil {
		return fmt.Errorf("hal: request %s:%d: %w", s.Chip, s.Line, err)
	}
	defer line.Close()

	raw, err := line.Value()
	if err != nil {
		return fmt.Errorf("hal: read %s:%d: %w", s.Chip, s.Line, err)
	}
	loop := &eventLoop{fn: fn, now: s.timer.Now, lag: heartbeatLag}
	loop.start(s.level(raw))

	period := s.Heartbeat
	if period <= 0 {
		period = defaultHeartbeat
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	return loop.run(ctx, events, ticker.C)
}

// GPIOInput reads a gpio line on demand, for sources that poll.
type GPIOInput struct {
	line      *gpiocdev.Line
	activeLow bool
}

// OpenGPIOInput requests offset on chip as an input.
func OpenGPIOInput(chip string, offset int, activeLow bool) (*GPIOInput, error) {
	line, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsInput)
	if err != nil {
		return nil, fmt.Errorf("hal: request input %s:%d: %w", chip, offset, err)
	}
	return &GPIOInput{line: line, activeLow: activeLow}, nil
}

// Get returns the rest level when the line cannot be read.
func (p *GPIOInput) Get() signal.Level {
	v, err := p.line.Value()
	if err != nil {
		return signal.RestLevel
	}
	l := signal.Low
	if v != 0 {
		l = signal.High
	}
	if p.activeLow {
		l = l.Invert()
	}
	return l
}

func (p *GPIOInput) Close() error {
	return p.line.Close()
}

// GPIOPin drives a gpio line as an output.
type GPIOPin struct {
	line *gpiocdev.Line
}

// OpenGPIOPin requests offset on chip as an output initialised to the rest
// level.
func OpenGPIOPin(chip string, offset int) (*GPIOPin, error) {
	line, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(int(signal.RestLevel)))
	if err != nil {
		return nil, fmt.Errorf("hal: request output %s:%d: %w", chip, offset, err)
	}
	return &GPIOPin{line: line}, nil
}

func (p *GPIOPin) Set(level signal.Level) error {
	return p.line.SetValue(int(level))
}

func (p *GPIOPin) Close() error {
	return p.line.Close()
}
