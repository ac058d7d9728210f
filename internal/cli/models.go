// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/overlaychat/internal/cloud"
	"github.com/jeranaias/overlaychat/internal/util"
)

type modelsOptions struct {
	images  bool
	filter  string
	jsonOut bool
}

func newModelsCommand(g *globalOptions) *cobra.Command {
	opts := &modelsOptions{}

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List models available on the gateway",
		Example: `  overlaychat models
  overlaychat models --images
  overlaychat models --filter gemini`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModels(cmd, g, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.images, "images", false, "only models that can generate images")
	cmd.Flags().StringVar(&opts.filter, "filter", "", "only models whose id contains this text")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print as JSON")
	return cmd
}

func runModels(cmd *cobra.Command, g *globalOptions, opts *modelsOptions) error {
	cfg, logger, err := g.load(cmd)
	if err != nil {
		return err
	}

	// Listing does not need a key.
	gw := cloud.NewOpenRouterClient(cfg.Gateway.APIKey).
		WithBaseURL(cfg.Gateway.BaseURL).
		WithTimeout(cfg.Gateway.Timeout()).
		WithLogger(logger)

	models, err := gw.ListModels(cmd.Context())
	if err != nil {
		return err
	}
	models = filterModels(models, opts.filter, opts.images)

	out := cmd.OutOrStdout()
	if opts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(models)
	}

	if len(models) == 0 {
		fmt.Fprintln(out, infoStyle.Render("[No matching models]"))
		return nil
	}
	for _, m := range models {
		marker := "  "
		switch m.ID {
		case cfg.Gateway.ChatModel, cfg.Gateway.DiagramModel, cfg.Gateway.ImageModel:
			marker = successStyle.Render("* ")
		}
		caps := ""
		if m.SupportsImages() {
			caps = " " + commandStyle.Render("[image]")
		}
		fmt.Fprintf(out, "%s%-50s %8d%s  %s\n", marker, m.ID, m.ContextSize, caps, infoStyle.Render(util.TruncateWidth(m.Name, 40)))
	}
	return nil
}

// filterModels keeps models matching the id substring and capability, sorted by id.
func filterModels(models []cloud.ModelInfo, filter string, imagesOnly bool) []cloud.ModelInfo {
	filter = strings.ToLower(filter)
	out := make([]cloud.ModelInfo, 0, len(models))
	for _, m := range models {
		if filter != "" && !strings.Contains(strings.ToLower(m.ID), filter) {
			continue
		}
		if imagesOnly && !m.SupportsImages() {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
