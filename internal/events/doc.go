// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package events defines the presentation events forwarded to renderers and
// the bus that carries them.
//
// Events are a closed set: StreamChunk, ToolCall, ToolResult, StreamComplete
// and SessionCleared. On the wire each one is a JSON envelope
// {"type": ..., "turnId": ..., "payload": {...}} carried as a watermill
// message on the "presentation" topic.
//
// # Backends
//
//   - memory: watermill gochannel, publish blocks until every subscriber has
//     acknowledged, so subscribers observe events in publish order
//   - redis: watermill-redisstream on go-redis, for renderers running in
//     another process
//
// # Usage
//
//	bus := events.NewMemoryBus(logger, "presentation")
//	defer bus.Close()
//	msgs, _ := bus.Subscribe(ctx, "renderer")
//	_ = bus.Forward(ctx, turnID, events.StreamChunk{Chunk: "Hel"})
package events
