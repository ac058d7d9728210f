// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides the client for the OpenRouter-compatible AI gateway.
//
// OpenRouter provides access to multiple LLM providers through a single
// chat-completions API. This package implements bearer-authenticated JSON
// requests, SSE streaming with tool-call accumulation, image generation via
// the modalities field, model listing, request pacing and retry logic.
//
// # Key Types
//
//   - OpenRouterClient: HTTP client for the gateway
//   - ChatMessage: Chat message in OpenAI/OpenRouter wire format
//   - ChatRequest: Request structure for chat completions (tools, modalities)
//   - StreamDelta: One decoded unit of a streamed response (text or complete tool call)
//   - TransportError: Every network or HTTP failure is returned wrapped in one
//
// # Usage
//
//	client := cloud.NewOpenRouterClient(apiKey).WithBaseURL(cfg.Gateway.BaseURL)
//	err := client.ChatStream(ctx, cloud.ChatRequest{
//	    Model:    "openai/gpt-4o-mini",
//	    Messages: []cloud.ChatMessage{cloud.NewUserMessage("Hello")},
//	}, func(d cloud.StreamDelta) {
//	    fmt.Print(d.Text)
//	})
//
// # Retries
//
// Model listing retries rate limiting and 5xx responses with exponential
// backoff. Chat, streaming and image requests are single attempts: one call
// is one gateway request.
//
// # Security
//
// API keys are never logged; a SHA-256 fingerprint is used instead. Response
// bodies are size-limited.
package cloud
