// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools provides the visual-content tools a model may call during a
// turn: generateText, generateMermaidDiagram, generateImage and generateLayout.
//
// Every tool produces a Result with a type, content and percentage position.
// Results are identical whether a tool is invoked by the model (through the
// Executor, from raw JSON arguments) or directly through the Adapter's typed
// methods.
//
// # Key Types
//
//   - Adapter: Typed tool operations backed by the gateway
//   - Registry: The four tool definitions and their JSON schemas
//   - Executor: Validates raw arguments, dispatches, and keeps an execution history
//   - GenerationError: The gateway answered but the content is unusable
//
// # Validation
//
// Raw arguments are checked against each tool's JSON schema before they are
// decoded into TextArgs, DiagramArgs, ImageArgs or LayoutArgs.
package tools
