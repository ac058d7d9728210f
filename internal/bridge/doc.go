// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bridge serves the WebSocket link between the chat core and the
// external renderer process.
//
// Endpoints:
//   - GET /ws       - WebSocket: presentation events out, commands in
//   - GET /healthz  - Health check
//   - GET /metrics  - Prometheus metrics (when metrics are attached)
//
// Commands accepted on /ws:
//
//	{"type":"run-turn","text":"What is 2+2?"}
//	{"type":"clear"}
//	{"type":"ping"}
//
// Replies are {"type":"turn-result","success":true,"turnId":"..."},
// {"type":"pong"} and {"type":"error","error":"..."}. Every presentation
// event is pushed to every connected client as its JSON envelope.
//
// The server binds to localhost by default and only accepts browser origins
// on the allowlist. Requests without an Origin header (native renderers) are
// accepted.
package bridge
