// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jeranaias/overlaychat/internal/tools"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// Type is the wire name of an event.
type Type string

const (
	TypeStreamChunk    Type = "stream-chunk"
	TypeToolCall       Type = "tool-call"
	TypeToolResult     Type = "tool-result"
	TypeStreamComplete Type = "stream-complete"
	TypeSessionCleared Type = "session-cleared"
)

// Event is a presentation event. The set is closed: only the types in this
// package implement it.
type Event interface {
	Type() Type
	isEvent()
}

// StreamChunk is one streamed text delta.
type StreamChunk struct {
	Chunk string `json:"chunk"`
}

// ToolCall announces a tool invocation (model-driven or corrective).
type ToolCall struct {
	ToolName string          `json:"toolName"`
	Args     json.RawMessage `json:"args"`
}

// ToolResult carries the positioned result of a tool invocation.
type ToolResult struct {
	ToolName string       `json:"toolName"`
	Result   tools.Result `json:"result"`
}

// StreamComplete marks the end of a turn.
type StreamComplete struct{}

// SessionCleared tells renderers to drop everything on screen.
type SessionCleared struct{}

func (StreamChunk) Type() Type    { return TypeStreamChunk }
func (ToolCall) Type() Type       { return TypeToolCall }
func (ToolResult) Type() Type     { return TypeToolResult }
func (StreamComplete) Type() Type { return TypeStreamComplete }
func (SessionCleared) Type() Type { return TypeSessionCleared }

func (StreamChunk) isEvent()    {}
func (ToolCall) isEvent()       {}
func (ToolResult) isEvent()     {}
func (StreamComplete) isEvent() {}
func (SessionCleared) isEvent() {}

// =============================================================================
// ENVELOPE
// =============================================================================

// Envelope is the wire form of an event.
type Envelope struct {
	Type      Type            `json:"type"`
	TurnID    string          `json:"turnId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Encode wraps ev in an envelope and marshals it.
func Encode(turnID string, ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Type(), err)
	}
	return json.Marshal(Envelope{
		Type:      ev.Type(),
		TurnID:    turnID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

// Decode parses an envelope and its typed event.
func Decode(data []byte) (Envelope, Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("decode envelope: %w", err)
	}

	var ev Event
	switch env.Type {
	case TypeStreamChunk:
		var e StreamChunk
		if err := unmarshalPayload(env.Payload, &e); err != nil {
			return env, nil, err
		}
		ev = e
	case TypeToolCall:
		var e ToolCall
		if err := unmarshalPayload(env.Payload, &e); err != nil {
			return env, nil, err
		}
		ev = e
	case TypeToolResult:
		var e ToolResult
		if err := unmarshalPayload(env.Payload, &e); err != nil {
			return env, nil, err
		}
		ev = e
	case TypeStreamComplete:
		ev = StreamComplete{}
	case TypeSessionCleared:
		ev = SessionCleared{}
	default:
		return env, nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	return env, ev, nil
}

func unmarshalPayload(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// =============================================================================
// SINKS
// =============================================================================

// Sink receives presentation events in order.
type Sink interface {
	Forward(ctx context.Context, turnID string, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, turnID string, ev Event) error

// Forward implements Sink.
func (f SinkFunc) Forward(ctx context.Context, turnID string, ev Event) error {
	return f(ctx, turnID, ev)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, string, Event) error { return nil })

// Multi forwards to every sink in order and stops at the first error.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, turnID string, ev Event) error {
		for _, s := range sinks {
			if err := s.Forward(ctx, turnID, ev); err != nil {
				return err
			}
		}
		return nil
	})
}
