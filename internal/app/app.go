// Package app orchestrates the lifecycle of the relay's services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deepclaude/claude-relay/internal/claude"
	"github.com/deepclaude/claude-relay/internal/config"
	"github.com/deepclaude/claude-relay/internal/server"
	"github.com/deepclaude/claude-relay/internal/tokenpool"
)

// App wires the token pool, the Claude client, and the HTTP front-end.
type App struct {
	cfg    *config.Config
	pool   *tokenpool.Pool
	server *server.Server
	health *Health
}

// New builds the application from its configuration. Fails when no credential
// is available for the configured provider.
func New(cfg *config.Config) (*App, error) {
	pool := tokenpool.Load(cfg.Claude.TokenFile)

	client, err := claude.New(
		claude.Provider(cfg.Claude.Provider),
		cfg.Claude.APIKey,
		cfg.Claude.APIURL,
		pool,
		claude.WithMaxTokens(cfg.Claude.MaxTokens),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create claude client: %w", err)
	}

	health := NewHealth()
	srv := server.New(client, pool, cfg.Claude.Model, cfg.Server.MaxRequestBytes, health)

	return &App{
		cfg:    cfg,
		pool:   pool,
		server: srv,
		health: health,
	}, nil
}

// Start runs all services and blocks until shutdown is triggered via context
// cancellation or a runtime error.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	var shutdownFuncs []func(context.Context) error

	slog.InfoContext(gCtx, "starting http server", "addr", a.cfg.Server.Listen)
	serverErrCh, err := a.server.Start(gCtx, a.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("server startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.server.Shutdown)

	a.health.SetReady(true)

	// errgroup cancels the group context on the first runtime error.
	g.Go(func() error {
		select {
		case err := <-serverErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "server runtime error", "error", err)
				return fmt.Errorf("server: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	runtimeErr := g.Wait()

	a.health.SetReady(false)
	slog.InfoContext(gCtx, "shutting down services")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}
