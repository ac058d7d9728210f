// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package turn drives one user turn from input to persisted reply.
//
// The orchestrator streams a chat completion with the four display tools
// attached, forwards every delta and tool result to the presentation sink in
// receipt order, then inspects which modalities were produced. Each required
// modality that is still missing gets a corrective invocation issued
// directly through the tool adapter, bypassing the model. Exactly one
// assistant turn is appended to history at the end.
//
// # Failure model
//
//   - empty input: *ValidationError, nothing is recorded
//   - the primary stream fails before any content: the turn fails
//   - the primary stream fails after content: treated as end of stream
//   - a corrective invocation fails: *PartialGenerationError is logged and
//     the turn continues
//
// # Cancellation
//
// Clear cancels every in-flight turn, closing its HTTP stream. Events from a
// cancelled turn are never forwarded after session-cleared.
package turn
