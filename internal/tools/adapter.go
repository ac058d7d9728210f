// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jeranaias/overlaychat/internal/cloud"
)

// Gateway is the part of the gateway client the tools need.
type Gateway interface {
	ChatOnce(ctx context.Context, req cloud.ChatRequest) (*cloud.ChatResponse, error)
	GenerateImage(ctx context.Context, model, prompt string) (*cloud.ImageResponse, error)
}

// AdapterConfig names the models used by the remote tools.
type AdapterConfig struct {
	DiagramModel string
	ImageModel   string
}

// allowedImageFinish are the finish reasons accepted from an image model.
var allowedImageFinish = map[string]bool{
	"stop":           true,
	"length":         true,
	"content_filter": true,
}

const diagramSystemPrompt = `You write Mermaid diagram source code.
Reply with the Mermaid source only: no explanation, no prose, no code fences.
Prefer flowchart, sequenceDiagram, classDiagram or mindmap. Keep it under 25 nodes.`

// Adapter implements the four tools as typed operations.
type Adapter struct {
	gateway      Gateway
	diagramModel string
	imageModel   string
	logger       zerolog.Logger
}

// NewAdapter creates an adapter backed by gw.
func NewAdapter(gw Gateway, cfg AdapterConfig, logger zerolog.Logger) *Adapter {
	return &Adapter{
		gateway:      gw,
		diagramModel: cfg.DiagramModel,
		imageModel:   cfg.ImageModel,
		logger:       logger.With().Str("component", "tools").Logger(),
	}
}

// GenerateText places text on screen. Pure: equal arguments give equal results.
func (a *Adapter) GenerateText(args TextArgs) Result {
	pos := position(args.PositionX, args.PositionY, DefaultPosition)
	return Result{
		Type:     TypeText,
		Content:  args.Text,
		Position: &pos,
	}
}

// GenerateMermaidDiagram asks the diagram model for Mermaid source with a
// single gateway request.
func (a *Adapter) GenerateMermaidDiagram(ctx context.Context, args DiagramArgs) (Result, error) {
	description := strings.TrimSpace(args.Description)
	if description == "" {
		return Result{}, &ValidationError{Param: "description", Message: "must not be empty"}
	}

	resp, err := a.gateway.ChatOnce(ctx, cloud.ChatRequest{
		Model: a.diagramModel,
		Messages: []cloud.ChatMessage{
			cloud.NewSystemMessage(diagramSystemPrompt),
			cloud.NewUserMessage(description),
		},
	})
	if err != nil {
		return Result{}, &GenerationError{Tool: NameGenerateDiagram, Reason: "gateway request failed", Err: err}
	}

	source := StripCodeFences(resp.GetContent())
	if source == "" {
		return Result{}, &GenerationError{Tool: NameGenerateDiagram, Reason: "empty diagram"}
	}

	pos := position(args.PositionX, args.PositionY, DefaultPosition)
	a.logger.Debug().Int("bytes", len(source)).Msg("diagram generated")
	return Result{
		Type:     TypeMermaid,
		Content:  source,
		Position: &pos,
	}, nil
}

// GenerateImage asks the image model for an image and returns its URL.
// It is not retried.
func (a *Adapter) GenerateImage(ctx context.Context, args ImageArgs) (Result, error) {
	prompt := strings.TrimSpace(args.Prompt)
	if prompt == "" {
		return Result{}, &ValidationError{Param: "prompt", Message: "must not be empty"}
	}

	resp, err := a.gateway.GenerateImage(ctx, a.imageModel, prompt)
	if err != nil {
		return Result{}, &GenerationError{Tool: NameGenerateImage, Reason: "gateway request failed", Err: err}
	}

	switch {
	case resp.FinishReason == "":
		return Result{}, &GenerationError{Tool: NameGenerateImage, Reason: "missing finish reason"}
	case !allowedImageFinish[resp.FinishReason]:
		return Result{}, &GenerationError{Tool: NameGenerateImage, Reason: fmt.Sprintf("unexpected finish reason %q", resp.FinishReason)}
	case len(resp.URLs) == 0 && strings.TrimSpace(resp.Text) != "":
		return Result{}, &GenerationError{Tool: NameGenerateImage, Reason: "model returned text instead of an image"}
	case len(resp.URLs) == 0:
		return Result{}, &GenerationError{Tool: NameGenerateImage, Reason: "no image in response"}
	}

	pos := position(args.PositionX, args.PositionY, DefaultPosition)
	return Result{
		Type:     TypeImage,
		Content:  resp.URLs[0],
		Position: &pos,
	}, nil
}

// GenerateLayout validates and passes through a set of elements.
func (a *Adapter) GenerateLayout(args LayoutArgs) (Result, error) {
	if len(args.Elements) == 0 {
		return Result{}, &ValidationError{Param: "elements", Message: "must not be empty"}
	}

	seen := make(map[string]bool, len(args.Elements))
	elements := make([]Element, 0, len(args.Elements))
	for i, el := range args.Elements {
		field := fmt.Sprintf("elements.%d", i)
		if strings.TrimSpace(el.ID) == "" {
			return Result{}, &ValidationError{Param: field + ".id", Message: "must not be empty"}
		}
		if seen[el.ID] {
			return Result{}, &ValidationError{Param: field + ".id", Message: fmt.Sprintf("duplicate id %q", el.ID)}
		}
		seen[el.ID] = true

		switch el.Type {
		case TypeText, TypeMermaid, TypeImage:
		default:
			return Result{}, &ValidationError{Param: field + ".type", Message: fmt.Sprintf("unsupported type %q", el.Type)}
		}

		el.Position = clampPosition(el.Position)
		elements = append(elements, el)
	}

	return Result{Type: TypeLayout, Elements: elements}, nil
}

// StripCodeFences removes a ```mermaid (or bare ```) fence around diagram source.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}

	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		tag := strings.TrimSpace(rest[:nl])
		if tag == "" || strings.EqualFold(tag, "mermaid") || strings.EqualFold(tag, "mmd") {
			rest = rest[nl+1:]
		}
	} else {
		rest = strings.TrimPrefix(rest, "mermaid")
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
