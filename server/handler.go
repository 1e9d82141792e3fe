package server

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/derktes/signal-recorder/collector"
	"github.com/derktes/signal-recorder/signal"
)

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pathMode(r *http.Request) (signal.Mode, error) {
	return signal.ParseMode(r.PathValue("mode"))
}

func (s *Server) captureListHandler(w http.ResponseWriter, _ *http.Request) {
	statuses := make([]collector.Status, 0, len(signal.Modes))
	for _, mode := range s.capture.Modes() {
		st, err := s.capture.Stats(mode)
		if err != nil {
			writeError(w, err)
			return
		}
		statuses = append(statuses, st)
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) captureStatusHandler(w http.ResponseWriter, r *http.Request) {
	mode, err := pathMode(r)
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := s.capture.Stats(mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) captureStartHandler(w http.ResponseWriter, r *http.Request) {
	s.captureControl(w, r, s.capture.Start)
}

func (s *Server) captureStopHandler(w http.ResponseWriter, r *http.Request) {
	s.captureControl(w, r, s.capture.Stop)
}

func (s *Server) captureControl(w http.ResponseWriter, r *http.Request, op func(signal.Mode) error) {
	mode, err := pathMode(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := op(mode); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.capture.Stats(mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) signalListHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("%w: limit %q", errBadRequest, v))
			return
		}
		limit = n
	}
	entries, err := s.library.List(r.Context(), limit)
	if err != nil {
		s.log.Error("list signals", "err", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) signalQueryHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	p, err := s.library.Load(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	defer p.Release()
	pulses, err := p.Pulses()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signalView{
		Name:      name,
		Mode:      p.Mode,
		Timestamp: p.Timestamp,
		Truncated: p.Truncated,
		Duration:  signal.TotalDuration(pulses),
		Pulses:    pulses,
	})
}

func (s *Server) signalImportHandler(w http.ResponseWriter, r *http.Request) {
	frame, ts, err := decodeImport(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := signal.NewPacket(frame, ts)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	entry, err := s.library.Save(r.Context(), p)
	if err != nil {
		s.log.Error("import signal", "err", err)
		writeError(w, err)
		return
	}
	s.log.Info("signal imported", "name", entry.Name, "pulses", len(frame.Pulses), "from", r.RemoteAddr)
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) signalDeleteHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.library.Delete(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) replayStatusHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.player.Status())
}

func (s *Server) replayStartHandler(w http.ResponseWriter, r *http.Request) {
	name, err := decodeReplay(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.loadTimeout)
	defer cancel()
	if err := s.player.Start(ctx, name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.player.Status())
}

func (s *Server) replayStopHandler(w http.ResponseWriter, _ *http.Request) {
	s.player.Stop()
	writeJSON(w, http.StatusOK, s.player.Status())
}

// signalStreamHandler pushes every newly saved signal to a websocket client
// until the client goes away or the stream lifetime ends.
func (s *Server) signalStreamHandler(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Warn("websocket accept", "remote", r.RemoteAddr, "err", err)
		return
	}
	s.log.Info("accepted websocket request", "remote", r.RemoteAddr)
	defer s.log.Info("closing websocket connection", "remote", r.RemoteAddr)
	defer c.Close(websocket.StatusNormalClosure, "handler exits")

	ctx, cancel := context.WithTimeout(r.Context(), s.streamLife)
	defer cancel()
	onSaved, unsubscribe, err := s.library.Subscribe(ctx, getSubscriberID(r.RemoteAddr))
	if err != nil {
		s.log.Debug("subscribe", "remote", r.RemoteAddr, "err", err)
		c.Close(websocket.StatusTryAgainLater, "already subscribed")
		return
	}
	defer unsubscribe()

	ctx = c.CloseRead(ctx)
	for {
		select {
		case e, ok := <-onSaved:
			if !ok {
				return
			}
			if err := writeEvent(ctx, c, savedEvent{Event: "saved", Entry: e}); err != nil {
				s.log.Warn("stream write", "remote", r.RemoteAddr, "err", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func getSubscriberID(data string) string {
	h := sha1.Sum([]byte(data))
	return hex.EncodeToString(h[:])
}

func writeEvent(ctx context.Context, c *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return wsjson.Write(ctx, c, v)
}
