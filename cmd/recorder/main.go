// Command recorder captures IR and RF transmissions, stores them and replays
// them on request.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/derktes/signal-recorder/collector"
	"github.com/derktes/signal-recorder/config"
	"github.com/derktes/signal-recorder/hal"
	"github.com/derktes/signal-recorder/observe"
	"github.com/derktes/signal-recorder/replay"
	"github.com/derktes/signal-recorder/server"
	sig "github.com/derktes/signal-recorder/signal"
	"github.com/derktes/signal-recorder/store"
)

type flagSet struct {
	configPath *string
	listen     *string
	serialPort *string
	baudRate   *int
	dataDir    *string
	selfTest   *bool
}

func parseFlags() *flagSet {
	fs := &flagSet{
		configPath: flag.String("config", "", "Path to the YAML configuration file"),
		listen:     flag.String("listen", "", "Overrides server.listen"),
		serialPort: flag.String("serial", "", "Captures IR from a bridge on this serial port, in the form /dev/xxx"),
		baudRate:   flag.Int("baud", 0, "Baud rate of the -serial port"),
		dataDir:    flag.String("data", "", "Stores signals in this directory"),
		selfTest:   flag.Bool("selftest", false, "Saves, reloads and deletes a test signal per mode, then exits"),
	}
	flag.Parse()
	return fs
}

// apply lays command-line overrides over cfg.
func (fs *flagSet) apply(cfg *config.Config) error {
	if *fs.listen != "" {
		cfg.Server.Listen = *fs.listen
	}
	if *fs.serialPort != "" {
		if _, err := os.Stat(*fs.serialPort); err != nil {
			return fmt.Errorf("serial port: %w", err)
		}
		cfg.Sources.IR.Kind = config.SourceSerial
		cfg.Sources.IR.Port = *fs.serialPort
	}
	if *fs.baudRate > 0 {
		cfg.Sources.IR.Baud = *fs.baudRate
	}
	if *fs.dataDir != "" {
		cfg.Storage.Driver = config.StorageDir
		cfg.Storage.Dir = *fs.dataDir
	}
	return config.Validate(cfg)
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := parseFlags()

	cfg := config.Default()
	if *fs.configPath != "" {
		loaded, err := config.Load(*fs.configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "recorder: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if err := fs.apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "recorder: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)
	slog.Info("recorder starting",
		"config", *fs.configPath,
		"listen", cfg.Server.Listen,
		"storage", cfg.Storage.Driver,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := observe.InitProvider()
	if err != nil {
		slog.Error("failed to init metrics", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(provider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	var hw hardware
	defer hw.close()

	medium, err := openMedium(ctx, cfg.Storage, &hw)
	if err != nil {
		slog.Error("failed to open storage", "err", err)
		return 1
	}
	sink, err := store.Open(ctx, medium,
		store.WithLockTimeout(cfg.Storage.LockTimeout),
		store.WithLogger(logger.With("component", "store")),
		store.WithMetrics(metrics),
	)
	if err != nil {
		slog.Error("failed to open storage", "err", err)
		return 1
	}

	if *fs.selfTest {
		for _, mode := range sig.Modes {
			if err := store.SelfTest(ctx, sink, mode); err != nil {
				slog.Error("storage self test failed", "mode", mode, "err", err)
				return 1
			}
			slog.Info("storage self test passed", "mode", mode)
		}
		return 0
	}

	rec := collector.NewRecorder(sink, collector.WithLogger(logger))
	outputs := make(map[sig.Mode]hal.OutputPin)
	for _, mode := range sig.Modes {
		src, err := hw.source(cfg.Sources.For(mode), cfg.Capture.SamplePeriod)
		if err != nil {
			slog.Error("failed to open source", "mode", mode, "err", err)
			return 1
		}
		if src != nil {
			if err := rec.Attach(mode, src, cfg.Capture.Collector()); err != nil {
				slog.Error("failed to attach source", "mode", mode, "err", err)
				return 1
			}
		}
		out, err := hw.output(cfg.Outputs.For(mode))
		if err != nil {
			slog.Error("failed to open output", "mode", mode, "err", err)
			return 1
		}
		if out != nil {
			outputs[mode] = out
		}
	}

	reg, err := metrics.ObserveCaptures(func() []observe.CaptureSample {
		var samples []observe.CaptureSample
		for _, mode := range rec.Modes() {
			st, err := rec.Stats(mode)
			if err != nil {
				continue
			}
			samples = append(samples, observe.CaptureSample{
				Mode:          st.Mode,
				Sealed:        st.Frames.Sealed,
				Lost:          st.Frames.Lost,
				Truncated:     st.Frames.Truncated,
				DroppedPulses: st.Frames.DroppedPulses,
				ClockWraps:    st.Frames.ClockWraps,
			})
		}
		return samples
	})
	if err != nil {
		slog.Error("failed to register capture metrics", "err", err)
		return 1
	}
	defer reg.Unregister()

	engine := replay.New(sink, hal.NewSystemTimer(), outputs,
		replay.WithLogger(logger.With("component", "replay")),
		replay.WithMetrics(metrics),
	)
	defer engine.Stop()

	opts := []server.Option{
		server.WithLogger(logger.With("component", "http")),
		server.WithMetrics(metrics, provider.Handler()),
		server.WithLoadTimeout(cfg.Replay.LoadTimeout),
	}
	if len(cfg.Server.AllowedOrigins) > 0 {
		opts = append(opts, server.WithOriginPatterns(cfg.Server.AllowedOrigins...))
	}
	srv := server.New(rec, sink, engine, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rec.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx, cfg.Server.Listen) })
	if cfg.Forward.URL != "" {
		pub, err := collector.NewPublisher(cfg.Forward.URL, logger.With("component", "publisher"))
		if err != nil {
			slog.Error("failed to create publisher", "err", err)
			return 1
		}
		g.Go(func() error { return pub.Run(gctx, sink) })
	}

	for _, mode := range cfg.Capture.Autostart {
		if err := rec.Start(mode); err != nil {
			slog.Error("autostart failed", "mode", mode, "err", err)
		}
	}
	slog.Info("recorder ready", "capture", rec.Modes(), "outputs", len(outputs))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
