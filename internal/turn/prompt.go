// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import (
	"fmt"
	"strings"

	"github.com/jeranaias/overlaychat/internal/cloud"
	"github.com/jeranaias/overlaychat/internal/history"
	"github.com/jeranaias/overlaychat/internal/tools"
)

// systemPrompt tells the model which tools exist and what every reply must
// contain. Positions come from the policy and tool names from the registry,
// so the model and the corrective path agree.
func systemPrompt(p Policy, reg *tools.Registry) string {
	var b strings.Builder
	b.WriteString("You answer on a transparent overlay that shows positioned visual elements.\n")
	b.WriteString("Every reply must contain all of the following, each produced exactly once with its tool:\n")
	for _, m := range p.Required {
		tool := reg.ForModality(m)
		if tool == nil {
			continue
		}
		pos := p.Defaults[m]
		fmt.Fprintf(&b, "- %s: call %s at positionX=%.0f, positionY=%.0f\n", m, tool.Name, pos.X, pos.Y)
	}
	fmt.Fprintf(&b, "Coordinates are percentages of the screen; keep positionY at or below %.0f.\n", p.MaxY)
	b.WriteString("Also stream a short plain-text answer. Use generateLayout only to rearrange elements you already produced.")
	return b.String()
}

// buildMessages maps the recent history view to chat messages after the
// system prompt.
func buildMessages(p Policy, reg *tools.Registry, view history.View) []cloud.ChatMessage {
	msgs := make([]cloud.ChatMessage, 0, len(view.Recent)+1)
	msgs = append(msgs, cloud.NewSystemMessage(systemPrompt(p, reg)))
	for _, t := range view.Recent {
		switch t.Role {
		case history.RoleUser:
			msgs = append(msgs, cloud.NewUserMessage(t.Content))
		case history.RoleAssistant:
			msgs = append(msgs, cloud.NewAssistantMessage(t.Content))
		}
	}
	return msgs
}
