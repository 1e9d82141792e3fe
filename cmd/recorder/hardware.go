package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/derktes/signal-recorder/config"
	"github.com/derktes/signal-recorder/hal"
	"github.com/derktes/signal-recorder/store"
)

// hardware tracks everything opened at start-up so it can be released on
// exit in reverse order.
type hardware struct {
	closers []io.Closer
}

func (h *hardware) track(c io.Closer) {
	h.closers = append(h.closers, c)
}

func (h *hardware) close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i].Close(); err != nil {
			slog.Warn("close", "err", err)
		}
	}
}

// source opens the configured input. It returns nil for SourceNone.
func (h *hardware) source(c config.SourceConfig, period uint32) (hal.EdgeSource, error) {
	switch c.Kind {
	case config.SourceGPIO:
		return &hal.GPIOSource{Chip: c.Chip, Line: c.Line, ActiveLow: c.ActiveLow}, nil
	case config.SourcePoll:
		in, err := hal.OpenGPIOInput(c.Chip, c.Line, c.ActiveLow)
		if err != nil {
			return nil, err
		}
		h.track(in)
		return &hal.Poller{Pin: in, Timer: hal.NewSystemTimer(), Period: period}, nil
	case config.SourceSerial:
		src, err := hal.OpenSerialSource(c.Port, c.Baud, c.ActiveLow)
		if err != nil {
			return nil, err
		}
		h.track(src)
		slog.Info("opened serial port", "port", c.Port, "baud", c.Baud)
		return src, nil
	case config.SourceNone, "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown source kind %q", c.Kind)
}

// output opens the configured replay output. It returns nil for OutputNone.
func (h *hardware) output(c config.OutputConfig) (hal.OutputPin, error) {
	switch c.Kind {
	case config.OutputGPIO:
		pin, err := hal.OpenGPIOPin(c.Chip, c.Line)
		if err != nil {
			return nil, err
		}
		h.track(pin)
		return pin, nil
	case config.OutputSerial:
		pin, port, err := hal.OpenSerialPin(c.Port, c.Baud)
		if err != nil {
			return nil, err
		}
		h.track(port)
		return pin, nil
	case config.OutputNone, "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown output kind %q", c.Kind)
}

type closeFunc func()

func (f closeFunc) Close() error {
	f()
	return nil
}

func openMedium(ctx context.Context, c config.StorageConfig, h *hardware) (store.Medium, error) {
	switch c.Driver {
	case config.StorageDir:
		return store.OpenDir(c.Dir)
	case config.StoragePostgres:
		m, err := store.OpenPostgres(ctx, c.DSN)
		if err != nil {
			return nil, err
		}
		h.track(closeFunc(m.Close))
		return m, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", c.Driver)
}
