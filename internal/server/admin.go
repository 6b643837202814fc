package server

import (
	"log/slog"
	"net/http"

	"github.com/deepclaude/claude-relay/internal/tokenpool"
)

// tokenStats is the admin snapshot of the pool.
type tokenStats struct {
	Total     int `json:"total"`
	Exhausted int `json:"exhausted"`
}

// tokenStatsHandler reports pool occupancy without exposing credentials.
func tokenStatsHandler(pool *tokenpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		total, exhausted := pool.Stats()
		writeJSON(r.Context(), w, tokenStats{Total: total, Exhausted: exhausted}, http.StatusOK)
	}
}

// tokenResetHandler clears every exhaustion flag, bringing rotated-out
// credentials back into the scan.
func tokenResetHandler(pool *tokenpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pool.ResetAll()
		slog.InfoContext(r.Context(), "token pool reset via admin endpoint")
		w.WriteHeader(http.StatusNoContent)
	}
}
