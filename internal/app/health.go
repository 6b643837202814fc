package app

import (
	"sync/atomic"

	"github.com/deepclaude/claude-relay/internal/server"
)

// Health tracks the application's readiness for the health endpoints.
// All methods are safe for concurrent use.
type Health struct {
	ready atomic.Bool
}

var _ server.ReadinessChecker = (*Health)(nil)

// NewHealth creates a Health instance initialized as not ready.
func NewHealth() *Health {
	return &Health{}
}

// SetReady updates the readiness state.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports the current readiness state.
func (h *Health) IsReady() bool {
	return h.ready.Load()
}
