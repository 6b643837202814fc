package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/deepclaude/claude-relay/internal/tokenpool"
)

func tokensCommand() *cli.Command {
	return &cli.Command{
		Name:  "tokens",
		Usage: "Manage the credential pool",
		Commands: []*cli.Command{
			tokensAddCommand(),
			tokensListCommand(),
		},
	}
}

func tokensAddCommand() *cli.Command {
	return &cli.Command{
		Name:   "add",
		Usage:  "Append a credential to the token file",
		Action: tokensAddAction,
	}
}

func tokensListCommand() *cli.Command {
	return &cli.Command{
		Name:   "list",
		Usage:  "Summarize the token file without printing secrets",
		Action: tokensListAction,
	}
}

func tokensAddAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}

	token, err := readSecureInput(ctx, "Enter API token: ")
	if err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}

	if err := tokenpool.AppendToken(cfg.Claude.TokenFile, token); err != nil {
		return fmt.Errorf("failed to update token file: %w", err)
	}

	fmt.Printf("Token added to %s\n", cfg.Claude.TokenFile)
	return nil
}

func tokensListAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}

	entries, err := tokenpool.ReadFile(cfg.Claude.TokenFile)
	if err != nil {
		return fmt.Errorf("failed to read token file: %w", err)
	}

	for i, entry := range entries {
		status := "available"
		if entry.Exhausted {
			status = "exhausted"
		}
		fmt.Printf("%d. %s (%s)\n", i+1, maskToken(entry.Token), status)
	}
	fmt.Printf("%d token(s) in %s\n", len(entries), cfg.Claude.TokenFile)

	return nil
}

// maskToken keeps enough of a credential to recognize it without leaking it.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// readSecureInput reads user input with hidden display and context
// cancellation support. The goroutine+select pattern is needed because
// term.ReadPassword has no native context support.
func readSecureInput(ctx context.Context, prompt string) (string, error) {
	fmt.Print(prompt)
	defer fmt.Println()

	type result struct {
		value string
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		inputBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		resultCh <- result{value: string(inputBytes), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return "", fmt.Errorf("failed to read input: %w", res.err)
		}
		return res.value, nil
	}
}
