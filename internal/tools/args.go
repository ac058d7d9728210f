// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// TYPED ARGUMENTS
// =============================================================================

// TextArgs are the arguments of generateText.
type TextArgs struct {
	Text      string   `json:"text"`
	PositionX *float64 `json:"positionX,omitempty"`
	PositionY *float64 `json:"positionY,omitempty"`
}

// DiagramArgs are the arguments of generateMermaidDiagram.
type DiagramArgs struct {
	Description string   `json:"description"`
	PositionX   *float64 `json:"positionX,omitempty"`
	PositionY   *float64 `json:"positionY,omitempty"`
}

// ImageArgs are the arguments of generateImage.
type ImageArgs struct {
	Prompt    string   `json:"prompt"`
	PositionX *float64 `json:"positionX,omitempty"`
	PositionY *float64 `json:"positionY,omitempty"`
}

// LayoutArgs are the arguments of generateLayout.
type LayoutArgs struct {
	Elements []Element `json:"elements"`
}

// At returns a pointer pair for a position, for building typed args.
func At(p Position) (*float64, *float64) {
	x, y := p.X, p.Y
	return &x, &y
}

// position resolves optional coordinates against a default, then clamps.
func position(x, y *float64, def Position) Position {
	p := def
	if x != nil {
		p.X = *x
	}
	if y != nil {
		p.Y = *y
	}
	return clampPosition(p)
}

// decodeArgs decodes raw arguments into v. Unknown fields are left to the schema.
func decodeArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &ValidationError{Param: "arguments", Message: fmt.Sprintf("decode: %v", err)}
	}
	return nil
}

// =============================================================================
// SCHEMAS
// =============================================================================

var textSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "text": {"type": "string", "minLength": 1, "description": "The text to display"},
    "positionX": {"type": "number", "minimum": 0, "maximum": 100, "description": "Horizontal position in percent"},
    "positionY": {"type": "number", "minimum": 0, "maximum": 100, "description": "Vertical position in percent"}
  },
  "required": ["text"],
  "additionalProperties": false
}`)

var diagramSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "description": {"type": "string", "minLength": 1, "description": "What the diagram should show"},
    "positionX": {"type": "number", "minimum": 0, "maximum": 100},
    "positionY": {"type": "number", "minimum": 0, "maximum": 100}
  },
  "required": ["description"],
  "additionalProperties": false
}`)

var imageSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "prompt": {"type": "string", "minLength": 1, "description": "Image generation prompt"},
    "positionX": {"type": "number", "minimum": 0, "maximum": 100},
    "positionY": {"type": "number", "minimum": 0, "maximum": 100}
  },
  "required": ["prompt"],
  "additionalProperties": false
}`)

var layoutSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "elements": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "enum": ["text", "mermaid", "image"]},
          "content": {"type": "string"},
          "position": {
            "type": "object",
            "properties": {
              "x": {"type": "number", "minimum": 0, "maximum": 100},
              "y": {"type": "number", "minimum": 0, "maximum": 100}
            },
            "required": ["x", "y"]
          }
        },
        "required": ["id", "type", "content", "position"]
      }
    }
  },
  "required": ["elements"],
  "additionalProperties": false
}`)
