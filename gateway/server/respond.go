package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"gasrelay/gateway/middleware"
	"gasrelay/relay/service"
)

// errorEnvelope is the shared shape of every error response.
type errorEnvelope struct {
	Error      string   `json:"error"`
	Code       string   `json:"code"`
	RequestID  string   `json:"requestId,omitempty"`
	RetryAfter int      `json:"retryAfter,omitempty"`
	Details    []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("gateway: response encoding failed", "error", err)
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, svcErr *service.Error) {
	envelope := errorEnvelope{
		Error:     svcErr.Message,
		Code:      svcErr.Code,
		RequestID: middleware.GetRequestID(r.Context()),
		Details:   svcErr.Details,
	}
	if svcErr.RetryAfter > 0 {
		seconds := int(svcErr.RetryAfter / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		envelope.RetryAfter = seconds
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	writeJSON(w, svcErr.Status, envelope)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{
		Error:     message,
		Code:      code,
		RequestID: middleware.GetRequestID(r.Context()),
	})
}
