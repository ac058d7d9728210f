// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeranaias/overlaychat/internal/history"
	"github.com/jeranaias/overlaychat/internal/render"
	"github.com/jeranaias/overlaychat/internal/turn"
)

// askOptions are the flags of the ask command.
type askOptions struct {
	jsonOut   bool
	noTools   bool
	plain     bool
	fromStdin bool
}

func newAskCommand(g *globalOptions) *cobra.Command {
	opts := &askOptions{}

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Run a single turn and print the result",
		Example: `  overlaychat ask "What is 2+2?"
  echo "Explain TCP slow start" | overlaychat ask --stdin
  overlaychat ask --json "Draw the water cycle"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			if opts.fromStdin {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				question = string(b)
			}
			return runAsk(cmd, g, opts, question)
		},
	}

	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print the turn outcome and assistant turn as JSON")
	cmd.Flags().BoolVar(&opts.noTools, "no-tools", false, "hide tool-call and tool-result lines")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "never render markdown")
	cmd.Flags().BoolVar(&opts.fromStdin, "stdin", false, "read the question from stdin")
	return cmd
}

// askResult is the --json output.
type askResult struct {
	Outcome   turn.Outcome  `json:"outcome"`
	Assistant *history.Turn `json:"assistant,omitempty"`
}

func runAsk(cmd *cobra.Command, g *globalOptions, opts *askOptions, question string) error {
	cfg, logger, err := g.load(cmd)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	popts := render.DefaultOptions(out)
	popts.ShowTools = !opts.noTools
	if opts.plain {
		popts.Markdown = false
	}

	var app *App
	if opts.jsonOut {
		app, err = NewApp(cfg, logger)
	} else {
		app, err = NewApp(cfg, logger, render.New(out, popts))
	}
	if err != nil {
		return err
	}
	defer app.Close()

	// Ctrl+C cancels the turn.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome, err := app.Turns.RunTurnFrom(ctx, history.SourceCLI, question)

	if opts.jsonOut {
		res := askResult{Outcome: outcome}
		if last, ok := app.Store.Last(); ok && last.Role == history.RoleAssistant {
			res.Assistant = &last
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil {
			return encErr
		}
	}
	return err
}
