// Package server exposes the relay over HTTP: an OpenAI-compatible chat
// completions endpoint backed by the Claude client, health probes, Prometheus
// metrics, and a small admin surface for the token pool.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deepclaude/claude-relay/internal/claude"
	"github.com/deepclaude/claude-relay/internal/observability/middleware"
	"github.com/deepclaude/claude-relay/internal/tokenpool"
)

// ReadinessChecker reports whether the application can serve traffic.
type ReadinessChecker interface {
	IsReady() bool
}

// Server is the relay's HTTP front-end.
type Server struct {
	httpServer *http.Server
}

// New assembles the routes and middleware chain.
func New(client *claude.Client, pool *tokenpool.Pool, defaultModel string, maxRequestBytes int64, checker ReadinessChecker) *Server {
	mux := http.NewServeMux()

	chat := applyMiddlewares(
		&chatHandler{client: client, defaultModel: defaultModel},
		RequestSizeLimit(maxRequestBytes),
	)
	mux.Handle("POST /v1/chat/completions", chat)

	mux.HandleFunc("GET /healthz", livenessHandler())
	mux.HandleFunc("GET /readyz", readinessHandler(checker))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /admin/tokens", tokenStatsHandler(pool))
	mux.HandleFunc("POST /admin/tokens/reset", tokenResetHandler(pool))

	handler := applyMiddlewares(mux,
		middleware.RequestIDGeneration,
		middleware.Logging(slog.Default()),
		middleware.RequestIDPropagation,
		Recovery,
	)

	return &Server{
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			// WriteTimeout stays zero: chat responses are long-lived SSE
			// streams bounded by the upstream, not by a fixed deadline.
		},
	}
}

// Start begins serving on addr. Runtime errors arrive on the returned
// channel, which is closed when the server stops.
func (s *Server) Start(ctx context.Context, addr string) (<-chan error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.InfoContext(ctx, "http server listening", "addr", addr)
	return errCh, nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
