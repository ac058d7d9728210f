// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides the overlaychat command tree.
//
// # Commands
//
//   - ask: Run one turn and print the presentation events
//   - chat: Interactive REPL with input history and slash commands
//   - serve: Run the renderer bridge (WebSocket, /healthz, /metrics)
//   - models: List gateway models
//   - config: Show, initialize or locate the configuration file
//
// Every command loads the configuration once (--config or
// ~/.overlaychat/config.toml, then environment overrides) and builds an App,
// which wires the gateway client, tool executor, history store, event bus
// and turn orchestrator together.
//
// Logs go to stderr. Rendered output goes to stdout, with markdown only
// when stdout is a terminal.
package cli
