// Package replay drives a stored pulse train onto an output pin with
// microsecond timing.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/derktes/signal-recorder/hal"
	"github.com/derktes/signal-recorder/observe"
	"github.com/derktes/signal-recorder/signal"
	"github.com/derktes/signal-recorder/store"
)

// State is the engine's lifecycle position.
type State int32

const (
	Idle State = iota
	Loading
	Ready
	Playing
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Loading:
		return "Loading"
	case Ready:
		return "Ready"
	case Playing:
		return "Playing"
	case Error:
		return "Error"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := Idle; st <= Error; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("replay: unknown state %q", b)
}

var (
	ErrBusy     = errors.New("replay: busy")
	ErrNotFound = errors.New("replay: signal not found")
	ErrLoad     = errors.New("replay: cannot load signal")
	ErrNoOutput = errors.New("replay: no output for mode")
	ErrStopped  = errors.New("replay: stopped while loading")
)

// Loader fetches stored packets. *store.Sink implements it.
type Loader interface {
	Load(ctx context.Context, name string) (*signal.Packet, error)
}

// Engine replays one signal at a time.
type Engine struct {
	loader  Loader
	timer   hal.Timer
	outputs map[signal.Mode]hal.OutputPin
	log     *slog.Logger
	metrics *observe.Metrics

	abort    atomic.Bool
	progress atomic.Int32

	// ctl serialises Stop calls; mu guards the fields below it.
	ctl      sync.Mutex
	mu       sync.Mutex
	state    State
	name     string
	err      error
	done     chan struct{}
	stopping bool
	// gen changes on every Stop so a load that outlived it is dropped.
	gen    uint64
	cancel context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New returns an idle engine driving outputs[mode] for signals of that mode.
// Every output is forced to the rest level.
func New(loader Loader, timer hal.Timer, outputs map[signal.Mode]hal.OutputPin, opts ...Option) *Engine {
	e := &Engine{
		loader:  loader,
		timer:   timer,
		outputs: outputs,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	e.rest()
	return e
}

// Start loads name and, if it is valid, plays it on a separate goroutine.
// It is only legal from Idle; a second Start during the load gets ErrBusy.
// Load failures leave the engine in Error until Stop is called, and a Stop
// during the load abandons it with ErrStopped.
func (e *Engine) Start(ctx context.Context, name string) error {
	e.mu.Lock()
	if e.state != Idle || e.stopping {
		e.mu.Unlock()
		return ErrBusy
	}
	e.state = Loading
	e.name = name
	e.err = nil
	e.progress.Store(0)
	gen := e.gen
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	p, pulses, err := e.load(ctx, name)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return fmt.Errorf("%w: %s", ErrStopped, name)
	}
	e.cancel = nil
	if err != nil {
		e.state = Error
		e.err = err
		e.log.Error("replay load failed", "name", name, "err", err)
		e.metrics.RecordReplay(ctx, "", "load_failed", 0)
		return err
	}
	pin, ok := e.outputs[p.Mode]
	if !ok || pin == nil {
		e.state = Error
		e.err = fmt.Errorf("%w %s", ErrNoOutput, p.Mode)
		return e.err
	}

	e.state = Ready
	e.abort.Store(false)
	e.done = make(chan struct{})
	go e.play(p.Mode, pin, pulses, e.done)
	e.log.Info("replay started", "name", name, "mode", p.Mode, "pulses", len(pulses))
	return nil
}

func (e *Engine) load(ctx context.Context, name string) (*signal.Packet, []signal.Pulse, error) {
	p, err := e.loader.Load(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrBadName) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrLoad, name, err)
	}
	defer p.Release()
	if !p.Mode.Valid() {
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrLoad, name, signal.ErrUnknownMode)
	}
	pulses, err := p.Pulses()
	if err == nil {
		err = signal.ValidatePulses(pulses)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrLoad, name, err)
	}
	return p, pulses, nil
}

// play holds each level until an absolute deadline so that pin write
// latency does not accumulate over the train. The wait is a busy wait on
// the timer; the scheduler tick is far too coarse for pulse timing.
func (e *Engine) play(mode signal.Mode, pin hal.OutputPin, pulses []signal.Pulse, done chan struct{}) {
	defer close(done)
	e.setState(Playing)
	began := time.Now()

	result := "completed"
	var failure error

	deadline := e.timer.Now()
	for i, p := range pulses {
		if err := pin.Set(p.Level); err != nil {
			failure = err
			result = "failed"
			break
		}
		deadline += p.Duration
		if !e.timer.SpinUntil(deadline, &e.abort) {
			result = "stopped"
			break
		}
		e.progress.Store(int32((i + 1) * 100 / len(pulses)))
	}

	if err := pin.Set(signal.RestLevel); err != nil && failure == nil {
		failure = err
		result = "failed"
	}
	if result == "completed" {
		e.progress.Store(100)
	}

	e.mu.Lock()
	if e.state == Playing {
		if failure != nil {
			e.state = Error
			e.err = fmt.Errorf("replay: output %s: %w", mode, failure)
		} else {
			e.state = Idle
		}
	}
	name := e.name
	e.mu.Unlock()

	e.metrics.RecordReplay(context.Background(), mode.String(), result, time.Since(began))
	if failure != nil {
		e.log.Error("replay failed", "name", name, "err", failure)
	} else {
		e.log.Info("replay finished", "name", name, "result", result)
	}
}

// Stop aborts a replay within the current pulse, or a load in progress,
// forces every output to the rest level and returns to Idle. It also clears
// Error.
func (e *Engine) Stop() {
	e.ctl.Lock()
	defer e.ctl.Unlock()
	e.mu.Lock()
	e.stopping = true
	e.gen++
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.abort.Store(true)
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopping = false
	e.rest()
	e.state = Idle
	e.err = nil
	e.done = nil
	e.progress.Store(0)
}

// Wait blocks until the current replay has finished or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Progress is the share of the signal's duration played so far, 0 to 100.
func (e *Engine) Progress() int {
	return int(e.progress.Load())
}

// Status is a snapshot of the engine.
type Status struct {
	State    State  `json:"state"`
	Name     string `json:"name,omitempty"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{State: e.state, Name: e.name, Progress: int(e.progress.Load())}
	if e.err != nil {
		s.Error = e.err.Error()
	}
	return s
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Ready {
		e.state = s
	}
}

// rest drives every output to the rest level, best effort.
func (e *Engine) rest() {
	for mode, pin := range e.outputs {
		if pin == nil {
			continue
		}
		if err := pin.Set(signal.RestLevel); err != nil {
			e.log.Warn("cannot force output to rest", "mode", mode, "err", err)
		}
	}
}
