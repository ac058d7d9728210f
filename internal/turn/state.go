// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import "github.com/jeranaias/overlaychat/internal/tools"

// CompletionState is the set of modalities produced during one turn.
type CompletionState struct {
	counts map[tools.Modality]int
}

// NewCompletionState returns an empty state.
func NewCompletionState() *CompletionState {
	return &CompletionState{counts: make(map[tools.Modality]int)}
}

// Mark records one result of modality m and reports whether it was the
// first. The first occurrence satisfies the requirement; later ones are
// counted but change nothing.
func (s *CompletionState) Mark(m tools.Modality) bool {
	s.counts[m]++
	return s.counts[m] == 1
}

// Has reports whether m has been produced.
func (s *CompletionState) Has(m tools.Modality) bool {
	return s.counts[m] > 0
}

// Count returns how many results of modality m were produced.
func (s *CompletionState) Count(m tools.Modality) int {
	return s.counts[m]
}

// Missing returns the modalities of required not yet produced, in order.
func (s *CompletionState) Missing(required []tools.Modality) []tools.Modality {
	var out []tools.Modality
	for _, m := range required {
		if !s.Has(m) {
			out = append(out, m)
		}
	}
	return out
}
