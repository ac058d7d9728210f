// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for overlaychat.
//
// Configuration is TOML, loaded once at process start, with built-in
// defaults, environment variable overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure
//   - GatewayConfig: AI gateway endpoint, credentials and model identifiers
//   - HistoryConfig: Conversation history bounds
//   - PolicyConfig: Turn completion policy (required modalities, default positions)
//   - EventsConfig: Presentation event bus backend
//
// # Configuration Precedence
//
//   - Environment variables (OPENROUTER_API_KEY, OVERLAYCHAT_*)
//   - ~/.overlaychat/config.toml (or the path given with --config)
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	client := cloud.NewOpenRouterClient(cfg.Gateway.APIKey)
package config
