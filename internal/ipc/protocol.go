// Package ipc is the fast-path transport for co-located signal producers. It carries
// the same prepare/confirm/abort protocol as the HTTP surface over one long-lived
// websocket, with the same Idempotency-Key contract.
package ipc

import (
	"encoding/json"
	"errors"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/signal"
)

type Op string

const (
	OpPrepare Op = "prepare"
	OpConfirm Op = "confirm"
	OpAbort   Op = "abort"
	// OpSubmit is prepare then confirm in one round trip
	OpSubmit Op = "submit"
)

func (o Op) mutating() bool {
	switch o {
	case OpPrepare, OpConfirm, OpAbort, OpSubmit:
		return true
	}
	return false
}

// Request is one client frame. Signal is set for prepare and submit, SignalID for
// confirm and abort.
type Request struct {
	ID             string               `json:"id"`
	Op             Op                   `json:"op"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	TraceID        string               `json:"trace_id,omitempty"`
	Signal         *signal.IntentSignal `json:"signal,omitempty"`
	SignalID       string               `json:"signal_id,omitempty"`
}

// Response answers the request with the same ID. Error is set only for failures that
// produced no outcome; business vetoes come back in Result with Kind set and OK false.
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Kind   apperr.Kind     `json:"kind,omitempty"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

func failure(id string, err error) Response {
	return Response{ID: id, Kind: apperr.KindOf(err), Error: messageOf(err)}
}

func messageOf(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
