// Package collector captures IR and RF transmissions: an edge source feeds
// a framer on a producer goroutine, sealed frames cross a lock-free channel
// and a consumer goroutine packs and saves them.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/derktes/signal-recorder/hal"
	"github.com/derktes/signal-recorder/signal"
	"github.com/derktes/signal-recorder/store"
)

var (
	ErrActive   = errors.New("collector: capture already active")
	ErrInactive = errors.New("collector: capture not active")
	ErrNoSource = errors.New("collector: no source for mode")
)

// StopPolicy decides what happens to a frame in progress when capture stops.
type StopPolicy string

const (
	// StopDiscard drops the partial frame.
	StopDiscard StopPolicy = "discard"
	// StopSeal saves the partial frame with its last pulse cut at the idle
	// timeout.
	StopSeal StopPolicy = "seal"
)

// ParseStopPolicy accepts "discard", "seal" or "" (discard).
func ParseStopPolicy(s string) (StopPolicy, error) {
	switch StopPolicy(s) {
	case "", StopDiscard:
		return StopDiscard, nil
	case StopSeal:
		return StopSeal, nil
	}
	return "", fmt.Errorf("collector: unknown stop policy %q", s)
}

// Config tunes one capture path. Durations are in microseconds.
type Config struct {
	IdleTimeout uint32
	MaxPulses   int
	QueueDepth  int
	StopPolicy  StopPolicy
}

// DefaultConfig matches the original firmware constants.
func DefaultConfig() Config {
	return Config{
		IdleTimeout: 40000,
		MaxPulses:   200,
		QueueDepth:  10,
		StopPolicy:  StopDiscard,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.IdleTimeout == 0 || c.IdleTimeout > signal.MaxDuration {
		errs = append(errs, fmt.Errorf("idle timeout must be within 1..%d", signal.MaxDuration))
	}
	if c.MaxPulses < 1 {
		errs = append(errs, errors.New("max pulses must be positive"))
	}
	if c.QueueDepth < 1 {
		errs = append(errs, errors.New("queue depth must be positive"))
	}
	if _, err := ParseStopPolicy(string(c.StopPolicy)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Saver persists packets. It owns a packet once Save is called and releases
// it whatever the outcome.
type Saver interface {
	Save(ctx context.Context, p *signal.Packet) (store.Entry, error)
}

// Capture is the capture path of one mode.
type Capture struct {
	mode   signal.Mode
	source hal.EdgeSource
	cfg    Config
	arena  *Arena
	ch     *Channel
	framer *Framer
	stats  Stats

	saved        atomic.Uint64
	saveFailures atomic.Uint64

	mu     sync.Mutex
	active atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
	runErr atomic.Pointer[error]
}

func newCapture(mode signal.Mode, src hal.EdgeSource, cfg Config) *Capture {
	c := &Capture{
		mode:   mode,
		source: src,
		cfg:    cfg,
		// One slot for the frame being built and one for the frame being
		// saved on top of the queue itself.
		arena: NewArena(cfg.QueueDepth+2, cfg.MaxPulses),
		ch:    NewChannel(cfg.QueueDepth),
	}
	c.framer = NewFramer(mode, cfg.IdleTimeout, cfg.MaxPulses, c.arena, c.ch, &c.stats)
	return c
}

// start launches the producer goroutine. A source that fails on its own
// leaves the capture inactive with its error recorded.
func (c *Capture) start(log *slog.Logger) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrActive
	}
	c.framer.Reset()
	c.runErr.Store(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	c.active.Store(true)
	go func() {
		defer close(done)
		err := c.source.Run(ctx, c.framer.Observe)
		c.active.Store(false)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.runErr.Store(&err)
			log.Error("capture source failed", "mode", c.mode, "err", err)
		}
	}()
	return nil
}

// stop cancels the producer, waits for it and applies the stop policy to
// the framer it no longer touches.
func (c *Capture) stop() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false, ErrInactive
	}
	c.cancel()
	<-c.done
	c.cancel, c.done = nil, nil
	c.active.Store(false)
	if c.cfg.StopPolicy == StopSeal {
		return c.framer.Flush(), nil
	}
	c.framer.Reset()
	return false, nil
}

// Err returns the error the source last failed with, if any.
func (c *Capture) Err() error {
	if p := c.runErr.Load(); p != nil {
		return *p
	}
	return nil
}

// saveTimeout bounds one save. Saves are detached from shutdown so a frame
// already sealed is not lost to a cancelled context.
const saveTimeout = 5 * time.Second

// consume saves sealed frames until ctx is done. It then stops the capture,
// so the stop policy runs before the last receive, and saves whatever is
// still queued.
func (c *Capture) consume(ctx context.Context, sink Saver, log *slog.Logger) error {
	var lost, starved uint64
	report := func() {
		if n := c.stats.Lost.Load(); n > lost {
			log.Warn("frames lost", "count", n-lost, "total", n)
			lost = n
		}
		if n := c.stats.Starved.Load(); n > starved {
			log.Error("capture starved of frame slots", "count", n-starved)
			starved = n
		}
	}
	for {
		h, err := c.ch.Receive(ctx)
		if err != nil {
			break
		}
		c.save(ctx, h, sink, log)
		report()
	}

	if sealed, err := c.stop(); err == nil {
		log.Info("capture stopped on shutdown", "sealedPartial", sealed)
	}
	var drained int
	for {
		h, ok := c.ch.TryReceive()
		if !ok {
			break
		}
		c.save(ctx, h, sink, log)
		drained++
	}
	if drained > 0 {
		log.Info("saved queued frames on shutdown", "count", drained)
	}
	report()
	return nil
}

// save packs the frame behind h and hands it to sink. Every outcome is
// counted.
func (c *Capture) save(ctx context.Context, h Handle, sink Saver, log *slog.Logger) {
	pkt, pulses, err := c.pack(h)
	if err != nil {
		log.Error("encode frame", "err", err)
		c.saveFailures.Add(1)
		return
	}
	if pkt.Truncated {
		log.Warn("frame truncated", "maxPulses", c.cfg.MaxPulses)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	entry, err := sink.Save(ctx, pkt)
	if err != nil {
		c.saveFailures.Add(1)
		log.Error("save frame", "pulses", pulses, "err", err)
		return
	}
	c.saved.Add(1)
	log.Info("signal saved", "name", entry.Name, "pulses", pulses, "size", entry.Size)
}

// pack turns the frame behind h into a packet and hands the slot back to
// the arena. The packet timestamp is the frame start on the wall clock,
// taken as the seal time minus the frame's duration.
func (c *Capture) pack(h Handle) (*signal.Packet, int, error) {
	defer c.arena.Release(h)
	frame := c.arena.Frame(h)
	ts := uint64(time.Now().UnixMilli()) - frame.Duration()/1000
	pkt, err := signal.NewPacket(frame, ts)
	return pkt, len(frame.Pulses), err
}

// Status summarises one capture path.
type Status struct {
	Mode         string        `json:"mode"`
	Active       bool          `json:"active"`
	Queued       int           `json:"queued"`
	FreeSlots    int           `json:"freeSlots"`
	Saved        uint64        `json:"saved"`
	SaveFailures uint64        `json:"saveFailures"`
	Frames       StatsSnapshot `json:"frames"`
	Error        string        `json:"error,omitempty"`
}

func (c *Capture) status() Status {
	s := Status{
		Mode:         c.mode.String(),
		Active:       c.active.Load(),
		Queued:       c.ch.Len(),
		FreeSlots:    c.arena.Free(),
		Saved:        c.saved.Load(),
		SaveFailures: c.saveFailures.Load(),
		Frames:       c.stats.Snapshot(),
	}
	if err := c.Err(); err != nil {
		s.Error = err.Error()
	}
	return s
}
