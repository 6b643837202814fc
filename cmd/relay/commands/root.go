// Package commands implements the relay CLI.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/deepclaude/claude-relay/internal/config"
	"github.com/deepclaude/claude-relay/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string, version, commit string) error {
	cmd := &cli.Command{
		Name:    "relay",
		Usage:   "Claude-compatible streaming relay with credential rotation",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to TOML config file",
				Value: "relay.toml",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error), overrides config",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json), overrides config",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			chatCommand(),
			tokensCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

// setup loads the configuration and installs the log handler. Every
// subcommand starts here.
func setup(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"), os.Environ)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logLevel := cfg.Log.Level
	if cmd.IsSet("log-level") {
		logLevel = cmd.String("log-level")
	}
	logFormat := cfg.Log.Format
	if cmd.IsSet("log-format") {
		logFormat = cmd.String("log-format")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}

	if err := observability.Instrument(level, logFormat); err != nil {
		return nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	return cfg, nil
}
