package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/blobgate/blobgate/internal/common"
)

// errorBody is the stable error envelope. Kind values are part of the API
// contract; messages are not.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(ctx, "response encoding failed", "error", err)
	}
}

// writeError maps the error taxonomy onto status codes and stable kinds.
// Inconsistent-state errors reach the operator log, never the client.
func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, common.ErrNotAuthenticated), errors.Is(err, common.ErrInvalidToken):
		s.writeJSON(ctx, w, http.StatusUnauthorized, errorBody{Error: "NotAuthenticated"})
	case errors.Is(err, common.ErrPermissionDenied):
		s.writeJSON(ctx, w, http.StatusForbidden, errorBody{Error: "PermissionDenied"})
	case errors.Is(err, common.ErrQuotaExceeded):
		s.writeJSON(ctx, w, http.StatusRequestEntityTooLarge, errorBody{Error: "QuotaExceeded", Message: err.Error()})
	case errors.Is(err, common.ErrNotFound):
		s.writeJSON(ctx, w, http.StatusNotFound, errorBody{Error: "NotFound"})
	case errors.Is(err, common.ErrSessionCancelled):
		s.writeJSON(ctx, w, http.StatusConflict, errorBody{Error: "Conflict", Message: "upload session is cancelled"})
	case errors.Is(err, common.ErrConflict):
		s.writeJSON(ctx, w, http.StatusConflict, errorBody{Error: "Conflict", Message: err.Error()})
	case errors.Is(err, common.ErrThrottled):
		s.writeJSON(ctx, w, http.StatusTooManyRequests, errorBody{Error: "Throttled"})
	case errors.Is(err, common.ErrBackendUnavailable):
		s.writeBackendUnavailable(ctx, w)
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Error(ctx, "request deadline exceeded", "error", err)
		s.writeJSON(ctx, w, http.StatusGatewayTimeout, errorBody{Error: "Timeout"})
	default:
		s.logger.Error(ctx, "internal error", "error", err)
		s.writeJSON(ctx, w, http.StatusInternalServerError, errorBody{Error: "Internal"})
	}
}

// writeBackendUnavailable is the degraded-mode answer when the storage
// backend breaker is open or retries are exhausted.
func (s *Server) writeBackendUnavailable(ctx context.Context, w http.ResponseWriter) {
	retryAfter := int(s.config.SweepInterval.Seconds())
	if retryAfter <= 0 || retryAfter > 60 {
		retryAfter = 30
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":              "BackendUnavailable",
		"message":            "Service Temporarily Unavailable",
		"circuitBreakerOpen": true,
		"retryAfter":         retryAfter,
	})
}
