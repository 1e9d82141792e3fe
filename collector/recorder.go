package collector

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/derktes/signal-recorder/hal"
	"github.com/derktes/signal-recorder/signal"
)

// Recorder owns one capture path per attached mode and the consumers that
// save their frames.
type Recorder struct {
	sink     Saver
	log      *slog.Logger
	captures map[signal.Mode]*Capture
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger used by consumers.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.log = l }
}

func NewRecorder(sink Saver, opts ...Option) *Recorder {
	r := &Recorder{
		sink:     sink,
		log:      slog.Default(),
		captures: make(map[signal.Mode]*Capture),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Attach adds a capture path for mode. It must be called before Run.
func (r *Recorder) Attach(mode signal.Mode, src hal.EdgeSource, cfg Config) error {
	if !mode.Valid() {
		return fmt.Errorf("collector: attach: %w", signal.ErrUnknownMode)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("collector: attach %s: %w", mode, err)
	}
	if _, ok := r.captures[mode]; ok {
		return fmt.Errorf("collector: %s already attached", mode)
	}
	r.captures[mode] = newCapture(mode, src, cfg)
	return nil
}

// Modes lists the attached modes.
func (r *Recorder) Modes() []signal.Mode {
	var modes []signal.Mode
	for _, m := range signal.Modes {
		if _, ok := r.captures[m]; ok {
			modes = append(modes, m)
		}
	}
	return modes
}

// Run consumes sealed frames of every attached mode until ctx is done. Each
// consumer then stops its capture and saves the frames still queued.
func (r *Recorder) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range r.captures {
		log := r.log.With("component", "capture", "mode", c.mode)
		g.Go(func() error {
			return c.consume(gctx, r.sink, log)
		})
	}
	return g.Wait()
}

// Start begins capturing on mode.
func (r *Recorder) Start(mode signal.Mode) error {
	c, err := r.capture(mode)
	if err != nil {
		return err
	}
	if err := c.start(r.log); err != nil {
		return err
	}
	r.log.Info("capture started", "mode", mode)
	return nil
}

// Stop ends capturing on mode. With the seal policy a partial frame is
// queued for saving.
func (r *Recorder) Stop(mode signal.Mode) error {
	c, err := r.capture(mode)
	if err != nil {
		return err
	}
	sealed, err := c.stop()
	if err != nil {
		return err
	}
	r.log.Info("capture stopped", "mode", mode, "sealedPartial", sealed)
	return nil
}

// IsActive reports whether mode is capturing.
func (r *Recorder) IsActive(mode signal.Mode) bool {
	c, err := r.capture(mode)
	return err == nil && c.active.Load()
}

// Stats reports the counters of mode.
func (r *Recorder) Stats(mode signal.Mode) (Status, error) {
	c, err := r.capture(mode)
	if err != nil {
		return Status{}, err
	}
	return c.status(), nil
}

func (r *Recorder) capture(mode signal.Mode) (*Capture, error) {
	c, ok := r.captures[mode]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoSource, mode)
	}
	return c, nil
}
