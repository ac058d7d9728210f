// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jeranaias/overlaychat/internal/cloud"
	"github.com/jeranaias/overlaychat/internal/config"
	"github.com/jeranaias/overlaychat/internal/events"
	"github.com/jeranaias/overlaychat/internal/history"
	"github.com/jeranaias/overlaychat/internal/metrics"
	"github.com/jeranaias/overlaychat/internal/tools"
	"github.com/jeranaias/overlaychat/internal/turn"
)

// ErrNoAPIKey is returned when no gateway key is configured.
var ErrNoAPIKey = errors.New("no gateway API key: set OPENROUTER_API_KEY or gateway.api_key in the config file")

// App is one wired overlaychat session.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Gateway  *cloud.OpenRouterClient
	Executor *tools.Executor
	Store    *history.Store
	Bus      *events.Bus
	Turns    *turn.Orchestrator
}

// NewApp wires a session from cfg. Presentation events are recorded in the
// history store, then forwarded to each of sinks and finally published on
// the bus.
func NewApp(cfg *config.Config, logger zerolog.Logger, sinks ...events.Sink) (*App, error) {
	m := metrics.New()

	gw, err := newGateway(cfg.Gateway, logger)
	if err != nil {
		return nil, err
	}
	gw.WithObserver(m)

	adapter := tools.NewAdapter(gw, tools.AdapterConfig{
		DiagramModel: cfg.Gateway.DiagramModel,
		ImageModel:   cfg.Gateway.ImageModel,
	}, logger)
	executor := tools.NewExecutor(tools.NewRegistry(adapter)).WithObserver(m)

	store := history.NewStore(history.Config{
		MaxItems:  cfg.History.MaxItems,
		MaxEvents: cfg.History.MaxEvents,
	})

	policy, err := turn.PolicyFromConfig(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("completion policy: %w", err)
	}

	bus, err := events.New(logger, cfg.Events.Backend, cfg.Events.Topic, cfg.Events.RedisAddr)
	if err != nil {
		return nil, fmt.Errorf("event bus: %w", err)
	}
	bus.WithObserver(m)

	sink := events.Recorder(store, events.Multi(append(sinks, bus)...))

	orch := turn.New(gw, adapter, executor, store, sink, turn.Config{
		Model:       cfg.Gateway.ChatModel,
		RecentItems: cfg.History.RecentItems,
		Policy:      policy,
	}, logger).WithRecorder(m)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Metrics:  m,
		Gateway:  gw,
		Executor: executor,
		Store:    store,
		Bus:      bus,
		Turns:    orch,
	}, nil
}

// Close releases the event bus.
func (a *App) Close() error {
	return a.Bus.Close()
}

// newGateway builds the gateway client. The key format is only checked
// loosely: compatible gateways issue keys in other formats.
func newGateway(gc config.GatewayConfig, logger zerolog.Logger) (*cloud.OpenRouterClient, error) {
	gw := cloud.NewOpenRouterClient(gc.APIKey).
		WithBaseURL(gc.BaseURL).
		WithTimeout(gc.Timeout()).
		WithStreamTimeout(gc.StreamTimeout()).
		WithMaxRetries(gc.MaxRetries).
		WithSiteURL(gc.SiteURL).
		WithSiteName(gc.SiteName).
		WithRateLimit(gc.RequestsPerSecond, gc.Burst).
		WithLogger(logger)
	gw.SetModel(gc.ChatModel)

	if !gw.IsConfigured() {
		return nil, ErrNoAPIKey
	}
	if !cloud.ValidateAPIKey(gc.APIKey) {
		logger.Warn().Str("key", gw.KeyFingerprint()).Msg("API key does not look like an OpenRouter key")
	}
	return gw, nil
}
