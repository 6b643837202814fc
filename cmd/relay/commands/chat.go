package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/deepclaude/claude-relay/internal/claude"
	"github.com/deepclaude/claude-relay/internal/tokenpool"
)

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:      "chat",
		Usage:     "Stream a one-shot chat completion to stdout",
		ArgsUsage: "<prompt>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "model",
				Usage: "model name, defaults to the configured model",
			},
		},
		Action: chatAction,
	}
}

func chatAction(ctx context.Context, cmd *cli.Command) error {
	prompt := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if prompt == "" {
		return fmt.Errorf("prompt cannot be empty")
	}

	cfg, err := setup(cmd)
	if err != nil {
		return err
	}

	pool := tokenpool.Load(cfg.Claude.TokenFile)
	client, err := claude.New(
		claude.Provider(cfg.Claude.Provider),
		cfg.Claude.APIKey,
		cfg.Claude.APIURL,
		pool,
	)
	if err != nil {
		return fmt.Errorf("failed to create claude client: %w", err)
	}

	model := cmd.String("model")
	if model == "" {
		model = cfg.Claude.Model
	}

	stream, err := client.StreamChat(ctx, []claude.Message{{Role: "user", Content: prompt}}, model)
	if err != nil {
		return err
	}

	for event, streamErr := range stream {
		if streamErr != nil {
			fmt.Println()
			return streamErr
		}
		fmt.Print(event.Text)
	}
	fmt.Println()

	return nil
}
