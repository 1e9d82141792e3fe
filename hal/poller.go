package hal

import (
	"context"
	"errors"
	"sync/atomic"
)

// Poller samples an input pin at a fixed period. Sample times are computed
// from deadlines rather than re-read after each wait, so the period does not
// drift with loop overhead.
type Poller struct {
	Pin    InputPin
	Timer  Timer
	Period uint32
}

func (p *Poller) Run(ctx context.Context, fn func(Observation)) error {
	if p.Period == 0 {
		return errors.New("hal: poll period must be positive")
	}
	var abort atomic.Bool
	stop := context.AfterFunc(ctx, func() { abort.Store(true) })
	defer stop()

	next := p.Timer.Now()
	for {
		fn(Observation{Level: p.Pin.Get(), Time: next})
		next += p.Period
		if !p.Timer.SpinUntil(next, &abort) {
			return ctx.Err()
		}
	}
}
