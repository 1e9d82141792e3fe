package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/derktes/signal-recorder/collector"
	"github.com/derktes/signal-recorder/replay"
	"github.com/derktes/signal-recorder/signal"
	"github.com/derktes/signal-recorder/store"
)

// signalView is a stored signal decoded for display.
type signalView struct {
	Name      string         `json:"filename"`
	Mode      signal.Mode    `json:"mode"`
	Timestamp uint64         `json:"timestamp"`
	Truncated bool           `json:"truncated"`
	Duration  uint64         `json:"duration"`
	Pulses    []signal.Pulse `json:"pulses"`
}

// savedEvent is pushed to stream subscribers for every new signal.
type savedEvent struct {
	Event string      `json:"event"`
	Entry store.Entry `json:"signal"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("encode response", "err", err)
	}
}

// writeError maps err onto an HTTP status and writes it as JSON.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrBadName), errors.Is(err, signal.ErrUnknownMode),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, replay.ErrNotFound),
		errors.Is(err, collector.ErrNoSource):
		return http.StatusNotFound
	case errors.Is(err, collector.ErrActive), errors.Is(err, collector.ErrInactive),
		errors.Is(err, replay.ErrBusy), errors.Is(err, replay.ErrNoOutput),
		errors.Is(err, replay.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, replay.ErrLoad), errors.Is(err, signal.ErrMalformed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrLockTimeout):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
