//go:build !linux

package hal

import (
	"context"
	"time"

	"github.com/derktes/signal-recorder/signal"
)

// GPIOSource needs the Linux gpio character device.
type GPIOSource struct {
	Chip      string
	Line      int
	ActiveLow bool
	Heartbeat time.Duration
	Buffer    int
}

func (s *GPIOSource) Overruns() uint64 { return 0 }

func (s *GPIOSource) Run(ctx context.Context, fn func(Observation)) error {
	return ErrUnsupported
}

type GPIOInput struct{}

func OpenGPIOInput(chip string, offset int, activeLow bool) (*GPIOInput, error) {
	return nil, ErrUnsupported
}

func (p *GPIOInput) Get() signal.Level { return signal.RestLevel }

func (p *GPIOInput) Close() error { return nil }

type GPIOPin struct{}

func OpenGPIOPin(chip string, offset int) (*GPIOPin, error) {
	return nil, ErrUnsupported
}

func (p *GPIOPin) Set(level signal.Level) error { return ErrUnsupported }

func (p *GPIOPin) Close() error { return nil }
