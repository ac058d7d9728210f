// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// STREAMING CONSTANTS
// =============================================================================

// MaxChunkSize is the maximum allowed size for a single SSE line (1MB).
const MaxChunkSize = 1024 * 1024

// =============================================================================
// STREAMING TYPES
// =============================================================================

// toolCallDelta is a fragment of a tool call as streamed by the gateway.
type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// StreamChunk represents a single chunk from the streaming response.
type StreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			Role      string          `json:"role,omitempty"`
			ToolCalls []toolCallDelta `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	// Error is set when the gateway aborts mid-stream.
	Error *struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error,omitempty"`
}

// GetContent returns the content from the first choice's delta.
func (c *StreamChunk) GetContent() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// GetFinishReason returns the finish reason if streaming is complete.
func (c *StreamChunk) GetFinishReason() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].FinishReason
	}
	return ""
}

// StreamDelta is one decoded unit of a streamed response, delivered in
// arrival order. Exactly one of Text, ToolCall or FinishReason is set.
type StreamDelta struct {
	Text         string
	ToolCall     *ToolCall
	FinishReason string
	Model        string
}

// StreamCallback is called synchronously for each delta. The next chunk is
// not read until the callback returns.
type StreamCallback func(delta StreamDelta)

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream. A single line longer
// than MaxChunkSize fails the read instead of being buffered.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxChunkSize)
	return &SSEReader{scanner: scanner}
}

// ReadEvent reads the next SSE event from the stream.
// Returns the event type, data, and any error.
// Returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte

	for s.scanner.Scan() {
		line := s.scanner.Bytes()

		// Empty line signals end of event
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[6:]))
		case bytes.HasPrefix(line, []byte("data:")):
			// Scanner reuses its buffer between calls.
			dataLines = append(dataLines, bytes.Clone(bytes.TrimSpace(line[5:])))
		}
		// Ignore other fields (id:, retry:, comments starting with :)
	}

	if err := s.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return "", nil, fmt.Errorf("chunk too large: line exceeds %d bytes", MaxChunkSize)
		}
		return "", nil, err
	}
	if len(dataLines) > 0 {
		return eventType, bytes.Join(dataLines, []byte("\n")), nil
	}
	return "", nil, io.EOF
}

// =============================================================================
// TOOL CALL ACCUMULATION
// =============================================================================

// toolCallAccumulator merges streamed tool-call fragments per index.
type toolCallAccumulator struct {
	pending map[int]*ToolCall
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{pending: make(map[int]*ToolCall)}
}

// add merges a fragment and returns the calls that are now complete: every
// pending call with a lower index than a newly started one.
func (a *toolCallAccumulator) add(d toolCallDelta) []ToolCall {
	var done []ToolCall
	if _, ok := a.pending[d.Index]; !ok {
		done = a.flushBelow(d.Index)
		a.pending[d.Index] = &ToolCall{Type: "function"}
	}

	tc := a.pending[d.Index]
	if d.ID != "" {
		tc.ID = d.ID
	}
	if d.Type != "" {
		tc.Type = d.Type
	}
	if d.Function.Name != "" {
		tc.Function.Name += d.Function.Name
	}
	tc.Function.Arguments += d.Function.Arguments
	return done
}

func (a *toolCallAccumulator) flushBelow(limit int) []ToolCall {
	var idx []int
	for i := range a.pending {
		if i < limit {
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	out := make([]ToolCall, 0, len(idx))
	for _, i := range idx {
		out = append(out, *a.pending[i])
		delete(a.pending, i)
	}
	return out
}

// flush returns all pending calls in index order.
func (a *toolCallAccumulator) flush() []ToolCall {
	return a.flushBelow(int(^uint(0) >> 1))
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// ChatStream performs a streaming chat completion request. The callback
// receives text deltas and complete tool calls in arrival order. The stream
// is never retried. Cancelling ctx closes the HTTP stream.
func (c *OpenRouterClient) ChatStream(ctx context.Context, req ChatRequest, callback StreamCallback) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}
	c.resolveModel(&req)
	req.Stream = true

	if c.streamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.streamTimeout)
		defer cancel()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return transportErr("stream", 0, err)
	}

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := c.streamClient.Do(httpReq)
	httpReq.Header.Del("Authorization")
	if err != nil {
		c.observe("stream", 0, start)
		return transportErr("stream", 0, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.observe("stream", resp.StatusCode, start)
		body, _ := readResponse(resp)
		return transportErr("stream", resp.StatusCode, c.handleErrorResponse(resp, body))
	}

	err = c.processStream(ctx, resp.Body, callback)
	c.observe("stream", resp.StatusCode, start)
	return err
}

// processStream reads and processes the SSE stream.
func (c *OpenRouterClient) processStream(ctx context.Context, body io.Reader, callback StreamCallback) error {
	reader := NewSSEReader(body)
	acc := newToolCallAccumulator()
	var model string

	emitCalls := func(calls []ToolCall) {
		for i := range calls {
			call := calls[i]
			callback(StreamDelta{ToolCall: &call, Model: model})
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			c.logDroppedCalls(acc.flush(), err)
			return transportErr("stream", 0, err)
		}

		_, data, err := reader.ReadEvent()
		if err != nil {
			if errors.Is(err, io.EOF) {
				emitCalls(acc.flush())
				return nil
			}
			c.logDroppedCalls(acc.flush(), err)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return transportErr("stream", 0, ctxErr)
			}
			return transportErr("stream", http.StatusOK, fmt.Errorf("read error: %w", err))
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			emitCalls(acc.flush())
			return nil
		}

		var chunk StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			c.logger.Debug().Err(err).Int("bytes", len(data)).Msg("skipping malformed stream chunk")
			continue
		}

		if chunk.Error != nil && chunk.Error.Message != "" {
			return transportErr("stream", http.StatusOK, &OpenRouterError{
				Code:    strings.Trim(string(chunk.Error.Code), `"`),
				Message: chunk.Error.Message,
				Status:  http.StatusOK,
			})
		}

		if chunk.Model != "" {
			model = chunk.Model
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			callback(StreamDelta{Text: delta.Content, Model: model})
		}
		for _, tcd := range delta.ToolCalls {
			emitCalls(acc.add(tcd))
		}

		if reason := chunk.GetFinishReason(); reason != "" {
			emitCalls(acc.flush())
			callback(StreamDelta{FinishReason: reason, Model: model})
			return nil
		}
	}
}

// logDroppedCalls records tool calls that were still being assembled when
// the stream broke. They are never delivered.
func (c *OpenRouterClient) logDroppedCalls(calls []ToolCall, cause error) {
	if len(calls) == 0 {
		return
	}
	names := make([]string, 0, len(calls))
	for _, call := range calls {
		names = append(names, call.Function.Name)
	}
	c.logger.Debug().Err(cause).Strs("tools", names).Int("count", len(calls)).Msg("dropping incomplete tool calls")
}
