package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/derktes/signal-recorder/signal"
)

const maxImportBody = 8 << 20

var errBadRequest = errors.New("bad request")

// signalImportRequest describes a pulse train published by another recorder
// or uploaded by hand.
type signalImportRequest struct {
	Mode      signal.Mode    `json:"mode"`
	Timestamp uint64         `json:"timestamp"`
	Truncated bool           `json:"truncated"`
	Pulses    []signal.Pulse `json:"pulses"`
}

type replayRequest struct {
	Name string `json:"filename"`
}

func decodeImport(r io.Reader) (*signal.Frame, uint64, error) {
	var req signalImportRequest
	dec := json.NewDecoder(io.LimitReader(r, maxImportBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if len(req.Pulses) == 0 {
		return nil, 0, fmt.Errorf("%w: no pulses", errBadRequest)
	}
	if len(req.Pulses) > signal.MaxSamples {
		return nil, 0, fmt.Errorf("%w: more than %d pulses", errBadRequest, signal.MaxSamples)
	}
	for i, p := range req.Pulses {
		if p.Level > signal.High {
			return nil, 0, fmt.Errorf("%w: pulse %d: %w", errBadRequest, i, signal.ErrBadLevel)
		}
	}
	if err := signal.ValidatePulses(req.Pulses); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", errBadRequest, err)
	}
	f := &signal.Frame{Mode: req.Mode, Pulses: req.Pulses, Truncated: req.Truncated}
	return f, req.Timestamp, nil
}

func decodeReplay(r io.Reader) (string, error) {
	var req replayRequest
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&req); err != nil {
		return "", fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return req.Name, nil
}
