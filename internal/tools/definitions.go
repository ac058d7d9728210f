// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/xeipuuv/gojsonschema"

	"github.com/jeranaias/overlaychat/internal/cloud"
)

// =============================================================================
// MODALITIES AND RESULTS
// =============================================================================

// Modality is one of the output kinds a turn must produce.
type Modality string

const (
	ModalityText    Modality = "text"
	ModalityDiagram Modality = "diagram"
	ModalityImage   Modality = "image"
	// ModalityLayout is produced by generateLayout; it never satisfies a requirement.
	ModalityLayout Modality = "layout"
)

// ParseModality converts a config string to a Modality.
func ParseModality(s string) (Modality, error) {
	switch m := Modality(s); m {
	case ModalityText, ModalityDiagram, ModalityImage:
		return m, nil
	default:
		return "", fmt.Errorf("unknown modality %q", s)
	}
}

// ResultType is the wire type of a positioned result.
type ResultType string

const (
	TypeText    ResultType = "text"
	TypeMermaid ResultType = "mermaid"
	TypeImage   ResultType = "image"
	TypeLayout  ResultType = "layout"
)

// Modality maps a result type to the modality it satisfies.
func (t ResultType) Modality() Modality {
	switch t {
	case TypeText:
		return ModalityText
	case TypeMermaid:
		return ModalityDiagram
	case TypeImage:
		return ModalityImage
	default:
		return ModalityLayout
	}
}

// Position is a percentage coordinate, X and Y in [0,100].
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DefaultPosition is used by generateText when no coordinates are given.
var DefaultPosition = Position{X: 50, Y: 50}

// MaxY keeps elements from being placed below the visible area.
const MaxY = 65.0

// clampPosition bounds X to [0,100] and Y to [0,MaxY].
func clampPosition(p Position) Position {
	return Position{
		X: math.Max(0, math.Min(100, p.X)),
		Y: math.Max(0, math.Min(MaxY, p.Y)),
	}
}

// Distance reports the larger per-axis separation of two positions.
func (p Position) Distance(o Position) float64 {
	return math.Max(math.Abs(p.X-o.X), math.Abs(p.Y-o.Y))
}

// Element is one entry of a layout.
type Element struct {
	ID       string     `json:"id"`
	Type     ResultType `json:"type"`
	Content  string     `json:"content"`
	Position Position   `json:"position"`
}

// Result is a positioned element produced by one tool invocation.
type Result struct {
	Type     ResultType `json:"type"`
	Content  string     `json:"content,omitempty"`
	Position *Position  `json:"position,omitempty"`
	Elements []Element  `json:"elements,omitempty"`
}

// Modality returns the modality this result satisfies.
func (r Result) Modality() Modality {
	return r.Type.Modality()
}

// =============================================================================
// TOOL DEFINITION
// =============================================================================

// Tool names as advertised to the model.
const (
	NameGenerateText    = "generateText"
	NameGenerateDiagram = "generateMermaidDiagram"
	NameGenerateImage   = "generateImage"
	NameGenerateLayout  = "generateLayout"
)

// ToolExecutor executes a tool from raw, already schema-validated arguments.
type ToolExecutor interface {
	Execute(ctx context.Context, args json.RawMessage) (Result, error)
}

// ExecutorFunc adapts a function to ToolExecutor.
type ExecutorFunc func(ctx context.Context, args json.RawMessage) (Result, error)

// Execute implements ToolExecutor.
func (f ExecutorFunc) Execute(ctx context.Context, args json.RawMessage) (Result, error) {
	return f(ctx, args)
}

// Tool represents an executable tool.
type Tool struct {
	// Name is the tool identifier (e.g., "generateText")
	Name string

	// Description is sent to the model
	Description string

	// Modality is the output kind this tool produces
	Modality Modality

	// Schema is the JSON schema of the arguments
	Schema json.RawMessage

	// Executor handles the actual execution
	Executor ToolExecutor

	compiled *gojsonschema.Schema
}

// Definition returns the tool in gateway wire format.
func (t *Tool) Definition() cloud.ToolDefinition {
	return cloud.ToolDefinition{
		Type: "function",
		Function: cloud.FunctionDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Schema,
		},
	}
}

// Validate checks raw arguments against the tool's schema.
func (t *Tool) Validate(args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return &ValidationError{Param: "arguments", Message: "not valid JSON"}
	}
	if t.compiled == nil {
		return nil
	}

	result, err := t.compiled.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		errs := result.Errors()
		verr := &ValidationError{Param: errs[0].Field(), Message: errs[0].Description()}
		for _, e := range errs[1:] {
			verr.Message += "; " + e.Field() + ": " + e.Description()
		}
		return verr
	}
	return nil
}

// =============================================================================
// TOOL REGISTRY
// =============================================================================

// Registry holds the available tools in advertisement order.
type Registry struct {
	tools map[string]*Tool
	order []string
}

// NewRegistry creates a registry with the four built-in tools bound to adapter.
func NewRegistry(adapter *Adapter) *Registry {
	r := &Registry{tools: make(map[string]*Tool)}
	r.RegisterBuiltins(adapter)
	return r
}

// RegisterBuiltins registers all built-in tools.
func (r *Registry) RegisterBuiltins(a *Adapter) {
	r.mustRegister(&Tool{
		Name:        NameGenerateText,
		Description: "Display a block of text on screen. Use for the main textual answer.",
		Modality:    ModalityText,
		Schema:      textSchema,
		Executor: ExecutorFunc(func(ctx context.Context, raw json.RawMessage) (Result, error) {
			var args TextArgs
			if err := decodeArgs(raw, &args); err != nil {
				return Result{}, err
			}
			return a.GenerateText(args), nil
		}),
	})
	r.mustRegister(&Tool{
		Name:        NameGenerateDiagram,
		Description: "Display a Mermaid diagram that illustrates the answer. Describe the diagram in plain words.",
		Modality:    ModalityDiagram,
		Schema:      diagramSchema,
		Executor: ExecutorFunc(func(ctx context.Context, raw json.RawMessage) (Result, error) {
			var args DiagramArgs
			if err := decodeArgs(raw, &args); err != nil {
				return Result{}, err
			}
			return a.GenerateMermaidDiagram(ctx, args)
		}),
	})
	r.mustRegister(&Tool{
		Name:        NameGenerateImage,
		Description: "Generate and display an image that illustrates the answer.",
		Modality:    ModalityImage,
		Schema:      imageSchema,
		Executor: ExecutorFunc(func(ctx context.Context, raw json.RawMessage) (Result, error) {
			var args ImageArgs
			if err := decodeArgs(raw, &args); err != nil {
				return Result{}, err
			}
			return a.GenerateImage(ctx, args)
		}),
	})
	r.mustRegister(&Tool{
		Name:        NameGenerateLayout,
		Description: "Arrange several already generated elements on screen at once.",
		Modality:    ModalityLayout,
		Schema:      layoutSchema,
		Executor: ExecutorFunc(func(ctx context.Context, raw json.RawMessage) (Result, error) {
			var args LayoutArgs
			if err := decodeArgs(raw, &args); err != nil {
				return Result{}, err
			}
			return a.GenerateLayout(args)
		}),
	})
}

// Register compiles the tool's schema and adds it to the registry.
func (r *Registry) Register(tool *Tool) error {
	if len(tool.Schema) > 0 {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tool.Schema))
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", tool.Name, err)
		}
		tool.compiled = compiled
	}
	if _, exists := r.tools[tool.Name]; !exists {
		r.order = append(r.order, tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

func (r *Registry) mustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// All returns all registered tools in registration order.
func (r *Registry) All() []*Tool {
	result := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.tools[name])
	}
	return result
}

// Definitions returns every tool in gateway wire format.
func (r *Registry) Definitions() []cloud.ToolDefinition {
	defs := make([]cloud.ToolDefinition, 0, len(r.order))
	for _, t := range r.All() {
		defs = append(defs, t.Definition())
	}
	return defs
}

// ForModality returns the tool producing m, or nil.
func (r *Registry) ForModality(m Modality) *Tool {
	for _, t := range r.All() {
		if t.Modality == m {
			return t
		}
	}
	return nil
}
