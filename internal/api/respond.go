package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/seantiz/anvil/internal/model"
)

// statusClientClosedRequest is the non-standard status for a request the
// client gave up on.
const statusClientClosedRequest = 499

// retryAfterSeconds is suggested to clients turned away by a full queue.
const retryAfterSeconds = 1

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeJobError maps a job error onto an HTTP status and writes it.
func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if errors.Is(err, model.ErrQueueFull) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("unexpected job error", "error", err)
	}
	s.writeError(w, status, err.Error())
}

// statusFor returns the HTTP status for a job error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrQueueFull), errors.Is(err, model.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, model.ErrCancelled), errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	case errors.Is(err, model.ErrConversionRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrEngineCrashed), errors.Is(err, model.ErrEngineStartupFailed):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrUnsupportedFormat), errors.Is(err, model.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrJobNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
