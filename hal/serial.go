package hal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/tarm/serial"

	"github.com/derktes/signal-recorder/signal"
)

// SerialSource reads observations from a capture bridge on a serial port.
// The bridge MCU timestamps edges with its own counter and sends one line
// per observation:
//
//	<level> <micros>
//
// It also sends heartbeat lines while the input is quiet, in the same time
// base. Lines starting with '#' are bridge diagnostics and are skipped.
type SerialSource struct {
	port      io.ReadCloser
	activeLow bool
	obs       chan Observation

	malformed atomic.Uint64
	overruns  atomic.Uint64
}

// OpenSerialSource opens the named port and starts reading it.
func OpenSerialSource(name string, baud int, activeLow bool) (*SerialSource, error) {
	port, err := serial.OpenPort(&serial.Config{Name: name, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("hal: open serial port %s: %w", name, err)
	}
	return NewSerialSource(port, activeLow), nil
}

// NewSerialSource reads observations from r until it is closed.
func NewSerialSource(r io.ReadCloser, activeLow bool) *SerialSource {
	s := &SerialSource{
		port:      r,
		activeLow: activeLow,
		obs:       make(chan Observation, defaultSerialBuffer),
	}
	go s.read()
	return s
}

const defaultSerialBuffer = 512

func (s *SerialSource) read() {
	defer close(s.obs)
	scanner := bufio.NewScanner(s.port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		o, err := parseObservation(line)
		if err != nil {
			s.malformed.Add(1)
			continue
		}
		if s.activeLow {
			o.Level = o.Level.Invert()
		}
		select {
		case s.obs <- o:
		default:
			s.overruns.Add(1)
		}
	}
}

func parseObservation(line string) (Observation, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return Observation{}, fmt.Errorf("hal: expected 2 fields, got %d", len(fields))
	}
	var o Observation
	switch fields[0] {
	case "0":
		o.Level = signal.Low
	case "1":
		o.Level = signal.High
	default:
		return Observation{}, fmt.Errorf("hal: bad level %q", fields[0])
	}
	t, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return Observation{}, fmt.Errorf("hal: bad timestamp: %w", err)
	}
	o.Time = uint32(t)
	return o, nil
}

// Malformed counts lines that could not be parsed.
func (s *SerialSource) Malformed() uint64 { return s.malformed.Load() }

// Overruns counts observations dropped while the buffer was full, including
// those that arrived while no capture was running.
func (s *SerialSource) Overruns() uint64 { return s.overruns.Load() }

// Run forwards observations to fn. Observations queued before Run started are
// stale and discarded first.
func (s *SerialSource) Run(ctx context.Context, fn func(Observation)) error {
	for drained := false; !drained; {
		select {
		case _, ok := <-s.obs:
			if !ok {
				return ErrClosed
			}
		default:
			drained = true
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o, ok := <-s.obs:
			if !ok {
				return ErrClosed
			}
			fn(o)
		}
	}
}

// Close closes the port; Run returns ErrClosed afterwards.
func (s *SerialSource) Close() error {
	return s.port.Close()
}

// SerialPin drives an output through a bridge MCU by writing "0\n" or "1\n".
// Timing fidelity is bounded by the link latency; GPIO outputs are preferred
// for replay.
type SerialPin struct {
	w io.Writer
}

// OpenSerialPin opens the named port as an output bridge.
func OpenSerialPin(name string, baud int) (*SerialPin, io.Closer, error) {
	port, err := serial.OpenPort(&serial.Config{Name: name, Baud: baud})
	if err != nil {
		return nil, nil, fmt.Errorf("hal: open serial port %s: %w", name, err)
	}
	return NewSerialPin(port), port, nil
}

func NewSerialPin(w io.Writer) *SerialPin {
	return &SerialPin{w: w}
}

func (p *SerialPin) Set(level signal.Level) error {
	_, err := fmt.Fprintf(p.w, "%d\n", level)
	return err
}
