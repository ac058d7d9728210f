// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import (
	"encoding/json"

	"github.com/jeranaias/overlaychat/internal/tools"
)

// StreamEvent is one event of a streamed turn. The set is closed.
type StreamEvent interface {
	isStreamEvent()
}

// TextDelta is a streamed text fragment.
type TextDelta struct {
	Text string
}

// ToolCallEvent is a complete tool call requested by the model.
type ToolCallEvent struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolResultEvent is the result of an executed tool call.
type ToolResultEvent struct {
	Name   string
	Result tools.Result
}

func (TextDelta) isStreamEvent()       {}
func (ToolCallEvent) isStreamEvent()   {}
func (ToolResultEvent) isStreamEvent() {}

// rawArgs turns streamed argument text into valid JSON. Empty arguments
// become {}; text that is not JSON is carried as a JSON string.
func rawArgs(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}
