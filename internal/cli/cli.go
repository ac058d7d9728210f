// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jeranaias/overlaychat/internal/config"
	"github.com/jeranaias/overlaychat/internal/logging"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	quiet      bool
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "overlaychat",
		Short: "Overlay chat client: every answer as text, a diagram and an image",
		Long: `overlaychat streams answers from a multi-model AI gateway and makes sure
every turn ends with a text block, a Mermaid diagram and an image placed on
the overlay. Missing pieces are generated with corrective tool calls.

Presentation events are printed to the terminal (ask, chat) or pushed to
renderers connected to the WebSocket bridge (serve).`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ~/.overlaychat/config.toml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	root.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "only print errors")

	root.AddCommand(
		newAskCommand(opts),
		newChatCommand(opts),
		newServeCommand(opts),
		newModelsCommand(opts),
		newConfigCommand(opts),
	)
	return root
}

// Execute runs the root command and prints any error to stderr.
func Execute() error {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("[Error]"), err)
		return err
	}
	return nil
}

// load reads the configuration and builds the root logger for cmd.
func (o *globalOptions) load(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.quiet {
		cfg.Log.Level = "error"
	}
	logger := logging.Setup(logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		Output: cmd.ErrOrStderr(),
	})
	return cfg, logger, nil
}
