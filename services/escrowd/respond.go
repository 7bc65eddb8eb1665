package main

import (
	"encoding/json"
	"errors"
	"net/http"

	escerrors "escrowchain/core/errors"
	"escrowchain/core/events"
	"escrowchain/native/common"
	"escrowchain/observability/metrics"
)

var errIdempotencyConflict = errors.New("idempotency key reused with a different payload")

type quotaError struct{ err error }

func (q *quotaError) Error() string { return q.err.Error() }
func (q *quotaError) Unwrap() error { return q.err }

type errorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// errorKind names the class of a call failure. Success maps to "".
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, escerrors.ErrValidation):
		return "validation"
	case errors.Is(err, escerrors.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, escerrors.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, escerrors.ErrInsufficientAuthorization):
		return "insufficient_authorization"
	case errors.Is(err, escerrors.ErrNotFound):
		return "not_found"
	case errors.Is(err, escerrors.ErrSignature):
		return "signature"
	case errors.Is(err, common.ErrQuotaRequestsExceeded), errors.Is(err, common.ErrQuotaValueCapExceeded),
		errors.Is(err, common.ErrQuotaCounterOverflow):
		return "quota"
	case errors.Is(err, errIdempotencyConflict):
		return "idempotency_conflict"
	case errors.Is(err, ErrExecutorStopped):
		return "unavailable"
	default:
		return "internal"
	}
}

func statusFor(err error) int {
	switch errorKind(err) {
	case "validation":
		return http.StatusBadRequest
	case "access_denied":
		return http.StatusForbidden
	case "invalid_state", "idempotency_conflict":
		return http.StatusConflict
	case "insufficient_authorization":
		return http.StatusPreconditionFailed
	case "not_found":
		return http.StatusNotFound
	case "signature":
		return http.StatusUnauthorized
	case "quota":
		return http.StatusTooManyRequests
	case "unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON encodes v and returns the bytes written so callers can cache them.
func writeJSON(w http.ResponseWriter, status int, v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		data = []byte(`{"error":"encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	return data
}

func writeJSONError(w http.ResponseWriter, status int, kind, msg string) []byte {
	return writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

func writeError(w http.ResponseWriter, err error) []byte {
	kind := errorKind(err)
	msg := err.Error()
	if kind == "internal" {
		msg = "internal error"
	}
	return writeJSON(w, statusFor(err), errorResponse{Error: msg, Kind: kind, Reason: escerrors.ReasonOf(err)})
}

// metricsSink counts every notification crossing the bus.
type metricsSink struct{}

func (metricsSink) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	metrics.Escrow().RecordEvent(evt.EventType())
}
