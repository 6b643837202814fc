package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// errorDetail is the OpenAI-compatible error shape clients expect.
type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type errorBody struct {
	Err errorDetail `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
// Headers and status go out before encoding, so a failed encode can leave the
// client with a partial body; the failure is logged.
func writeJSON(ctx context.Context, w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "error", err)
	}
}

// writeJSONError writes an OpenAI-compatible error response, mapping the
// error type to an HTTP status code.
func writeJSONError(ctx context.Context, w http.ResponseWriter, errType, message string) {
	var status int
	switch errType {
	case "invalid_request_error":
		status = http.StatusBadRequest
	case "authentication_error":
		status = http.StatusUnauthorized
	case "rate_limit_error", "insufficient_quota":
		status = http.StatusTooManyRequests
	default:
		status = http.StatusInternalServerError
	}

	writeJSON(ctx, w, errorBody{Err: errorDetail{Message: message, Type: errType}}, status)
}
