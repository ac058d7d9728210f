// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/overlaychat/internal/bridge"
	"github.com/jeranaias/overlaychat/internal/render"
)

type serveOptions struct {
	addr      string
	origins   []string
	print     bool
	noMetrics bool
}

func newServeCommand(g *globalOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the renderer bridge",
		Long: `serve runs the WebSocket bridge. Renderers connect to /ws, receive every
presentation event and send run-turn and clear commands. /healthz reports
status and /metrics exposes Prometheus metrics.`,
		Example: `  overlaychat serve
  overlaychat serve --addr 127.0.0.1:9000 --origin localhost --origin app.local
  overlaychat serve --print`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, g, opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (default from config, 127.0.0.1:7878)")
	cmd.Flags().StringSliceVar(&opts.origins, "origin", nil, "allowed Origin host (repeatable, * allows any)")
	cmd.Flags().BoolVar(&opts.print, "print", false, "also print presentation events to stdout")
	cmd.Flags().BoolVar(&opts.noMetrics, "no-metrics", false, "do not expose /metrics")
	return cmd
}

func runServe(cmd *cobra.Command, g *globalOptions, opts *serveOptions) error {
	cfg, logger, err := g.load(cmd)
	if err != nil {
		return err
	}
	if opts.addr != "" {
		cfg.Bridge.Addr = opts.addr
	}
	if len(opts.origins) > 0 {
		cfg.Bridge.AllowedOrigins = opts.origins
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, app, cfg.Bridge.Addr, cfg.Bridge.AllowedOrigins, opts, cmd)
}

// serve runs the bridge until ctx is done, then closes the bus.
func serve(ctx context.Context, app *App, addr string, origins []string, opts *serveOptions, cmd *cobra.Command) error {
	srv := bridge.New(bridge.Config{Addr: addr, AllowedOrigins: origins}, app.Turns, app.Logger)
	if !opts.noMetrics {
		srv.WithMetrics(app.Metrics)
	}

	if err := srv.Attach(ctx, app.Bus); err != nil {
		_ = app.Close()
		return err
	}
	if opts.print {
		out := cmd.OutOrStdout()
		printer := render.New(out, render.DefaultOptions(out))
		if err := app.Bus.Subscribe(ctx, "render", printer.Handle); err != nil {
			_ = app.Close()
			return err
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.ListenAndServe(egCtx)
	})
	eg.Go(func() error {
		<-egCtx.Done()
		app.Logger.Info().Msg("shutting down")
		return app.Close()
	})
	return eg.Wait()
}
