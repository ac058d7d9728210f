// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package render prints presentation events to a terminal.
//
// A Printer is both an events.Sink, so a CLI turn can write to it
// synchronously, and an events.Handler via Handle, so it can follow a bus
// that another process publishes to.
//
// Streamed text is written as it arrives. When markdown rendering is enabled
// the text is buffered instead and rendered once with glamour on
// stream-complete; this is only done on a TTY so piped output stays plain.
// Tool calls and results are shown as one-line previews sized to the
// terminal width.
package render
