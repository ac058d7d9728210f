// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import (
	"fmt"

	"github.com/jeranaias/overlaychat/internal/config"
	"github.com/jeranaias/overlaychat/internal/tools"
)

// MinSeparation is the minimum distance, on at least one axis, between any
// two default positions.
const MinSeparation = 20.0

// Policy is the completion rule for a turn.
type Policy struct {
	// Required modalities, in the order corrective invocations run.
	Required []tools.Modality

	// Defaults are the positions used by corrective invocations.
	Defaults map[tools.Modality]tools.Position

	// PromptPrefixRunes bounds the text used to derive diagram and image prompts.
	PromptPrefixRunes int

	// MaxY is the lowest allowed default position.
	MaxY float64

	FallbackTextFormat  string
	DiagramPromptFormat string
	ImagePromptFormat   string

	// Placeholder is the assistant content when no text was produced.
	Placeholder string
}

// DefaultPolicy requires text, diagram and image.
func DefaultPolicy() Policy {
	return Policy{
		Required: []tools.Modality{tools.ModalityText, tools.ModalityDiagram, tools.ModalityImage},
		Defaults: map[tools.Modality]tools.Position{
			tools.ModalityText:    {X: 10, Y: 10},
			tools.ModalityDiagram: {X: 55, Y: 10},
			tools.ModalityImage:   {X: 30, Y: 50},
		},
		PromptPrefixRunes:   400,
		MaxY:                tools.MaxY,
		FallbackTextFormat:  "Response to: %s",
		DiagramPromptFormat: "Create a diagram that illustrates: %s",
		ImagePromptFormat:   "Create an image that illustrates: %s",
		Placeholder:         "[visual response]",
	}
}

// PolicyFromConfig builds a policy from the [policy] config section.
func PolicyFromConfig(pc config.PolicyConfig) (Policy, error) {
	p := DefaultPolicy()

	if len(pc.Required) > 0 {
		p.Required = p.Required[:0:0]
		for _, s := range pc.Required {
			m, err := tools.ParseModality(s)
			if err != nil {
				return Policy{}, err
			}
			p.Required = append(p.Required, m)
		}
	}

	p.Defaults = map[tools.Modality]tools.Position{
		tools.ModalityText:    {X: pc.TextPosition.X, Y: pc.TextPosition.Y},
		tools.ModalityDiagram: {X: pc.DiagramPosition.X, Y: pc.DiagramPosition.Y},
		tools.ModalityImage:   {X: pc.ImagePosition.X, Y: pc.ImagePosition.Y},
	}
	if pc.PromptPrefixRunes > 0 {
		p.PromptPrefixRunes = pc.PromptPrefixRunes
	}
	if pc.MaxY > 0 {
		p.MaxY = pc.MaxY
	}

	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks that every required modality has a default position, that
// positions are on screen, and that they are pairwise separated.
func (p Policy) Validate() error {
	seen := make(map[tools.Modality]bool, len(p.Required))
	for _, m := range p.Required {
		if seen[m] {
			return fmt.Errorf("modality %s required twice", m)
		}
		seen[m] = true

		pos, ok := p.Defaults[m]
		if !ok {
			return fmt.Errorf("no default position for %s", m)
		}
		if pos.X < 0 || pos.X > 100 || pos.Y < 0 || pos.Y > p.MaxY {
			return fmt.Errorf("default position for %s (%v,%v) is off screen", m, pos.X, pos.Y)
		}
	}

	for i, a := range p.Required {
		for _, b := range p.Required[i+1:] {
			if d := p.Defaults[a].Distance(p.Defaults[b]); d < MinSeparation {
				return fmt.Errorf("default positions for %s and %s are %.0f apart, need %.0f", a, b, d, MinSeparation)
			}
		}
	}
	return nil
}
