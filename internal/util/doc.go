// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across overlaychat.
//
// # Key Functions
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe truncation with ellipsis
//   - PromptPrefix: bounded, whitespace-collapsed prefix for derived prompts
//   - TruncateWidth: display-width truncation for terminal previews
//
// File Operations:
//   - AtomicWriteFile: crash-safe file writing with fsync
//
// # Usage
//
//	prefix := util.PromptPrefix(streamedText, 400)
//	err := util.AtomicWriteFile(path, data, 0600)
package util
