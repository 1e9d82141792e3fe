// Package server exposes the recorder over HTTP: capture control, the
// stored-signal library, replay control and a websocket stream of newly
// saved signals.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/derktes/signal-recorder/collector"
	"github.com/derktes/signal-recorder/observe"
	"github.com/derktes/signal-recorder/replay"
	"github.com/derktes/signal-recorder/signal"
	"github.com/derktes/signal-recorder/store"
)

const (
	shutdownTimeout = 5 * time.Second
	streamLifetime  = 15 * time.Minute
)

// Capturer controls the capture paths. *collector.Recorder implements it.
type Capturer interface {
	Modes() []signal.Mode
	Start(mode signal.Mode) error
	Stop(mode signal.Mode) error
	Stats(mode signal.Mode) (collector.Status, error)
}

// Library is the stored-signal collection. *store.Sink implements it.
type Library interface {
	Save(ctx context.Context, p *signal.Packet) (store.Entry, error)
	Load(ctx context.Context, name string) (*signal.Packet, error)
	List(ctx context.Context, limit int) ([]store.Entry, error)
	Delete(ctx context.Context, name string) error
	Subscribe(ctx context.Context, id string) (<-chan store.Entry, func(), error)
}

// Player controls replay. *replay.Engine implements it.
type Player interface {
	Start(ctx context.Context, name string) error
	Stop()
	Status() replay.Status
}

// Server routes HTTP requests to the recorder's components.
type Server struct {
	capture     Capturer
	library     Library
	player      Player
	metrics     *observe.Metrics
	metricsView http.Handler
	log         *slog.Logger

	origins     []string
	loadTimeout time.Duration
	streamLife  time.Duration
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics records request durations in m and serves h at /metrics.
func WithMetrics(m *observe.Metrics, h http.Handler) Option {
	return func(s *Server) {
		s.metrics = m
		s.metricsView = h
	}
}

// WithOriginPatterns sets the host patterns accepted on /signal/stream.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithLoadTimeout bounds loading a signal for replay.
func WithLoadTimeout(d time.Duration) Option {
	return func(s *Server) { s.loadTimeout = d }
}

func New(c Capturer, lib Library, p Player, opts ...Option) *Server {
	s := &Server{
		capture:     c,
		library:     lib,
		player:      p,
		log:         slog.Default(),
		origins:     []string{"localhost:*", "192.168.*.*:*"},
		loadTimeout: 5 * time.Second,
		streamLife:  streamLifetime,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed API wrapped in the request middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthHandler)

	mux.HandleFunc("GET /capture", s.captureListHandler)
	mux.HandleFunc("GET /capture/{mode}", s.captureStatusHandler)
	mux.HandleFunc("POST /capture/{mode}/start", s.captureStartHandler)
	mux.HandleFunc("POST /capture/{mode}/stop", s.captureStopHandler)

	mux.HandleFunc("GET /signals", s.signalListHandler)
	mux.HandleFunc("POST /signals", s.signalImportHandler)
	mux.HandleFunc("GET /signals/{name}", s.signalQueryHandler)
	mux.HandleFunc("DELETE /signals/{name}", s.signalDeleteHandler)

	mux.HandleFunc("GET /replay", s.replayStatusHandler)
	mux.HandleFunc("POST /replay", s.replayStartHandler)
	mux.HandleFunc("POST /replay/stop", s.replayStopHandler)

	mux.HandleFunc("GET /signal/stream", s.signalStreamHandler)
	if s.metricsView != nil {
		mux.Handle("GET /metrics", s.metricsView)
	}
	return observe.Middleware(s.metrics, s.log)(mux)
}

// Run listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	srv.RegisterOnShutdown(func() {
		s.log.Info("shutting down http server")
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http server started", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
