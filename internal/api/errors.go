package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"dndtracker/internal/encounter"
)

const codeRateLimited = "rate_limited"

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// statusFor maps a failure kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, encounter.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, encounter.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, encounter.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, encounter.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: encounter.Code(err), Detail: err.Error()}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		resp.Detail = "internal error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
