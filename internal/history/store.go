// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// TYPES
// =============================================================================

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Source values for user turns.
const (
	SourceChat   = "chat"
	SourceBridge = "bridge"
	SourceCLI    = "cli"
)

// ToolRecord is one tool result produced during an assistant turn.
type ToolRecord struct {
	Tool     string `json:"tool"`
	Modality string `json:"modality"`
	// Result is the positioned result exactly as forwarded to the renderer.
	Result     json.RawMessage `json:"result"`
	Corrective bool            `json:"corrective,omitempty"`
}

// Metadata is attached to assistant turns.
type Metadata struct {
	Model string       `json:"model"`
	Tools []ToolRecord `json:"tools"`
}

// Turn is one entry in the conversation.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// clone returns a deep copy so callers cannot mutate stored turns.
func (t Turn) clone() Turn {
	if t.Metadata != nil {
		md := *t.Metadata
		md.Tools = make([]ToolRecord, len(t.Metadata.Tools))
		for i, rec := range t.Metadata.Tools {
			rec.Result = append(json.RawMessage(nil), rec.Result...)
			md.Tools[i] = rec
		}
		t.Metadata = &md
	}
	return t
}

// EventRecord is a presentation event that was forwarded to the renderer.
type EventRecord struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// View is a read-only snapshot of the store.
type View struct {
	Recent []Turn
	All    []Turn
	Count  int
}

// =============================================================================
// STORE
// =============================================================================

// Config bounds the store.
type Config struct {
	// MaxItems is the maximum number of turns kept (default: 100)
	MaxItems int
	// MaxEvents is the maximum number of event records kept (default: 200, 0 disables recording)
	MaxEvents int
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		MaxItems:  100,
		MaxEvents: 200,
	}
}

// Store is the bounded conversation history of one session.
type Store struct {
	mu sync.Mutex

	turns     []Turn
	events    []EventRecord
	maxItems  int
	maxEvents int

	now func() time.Time
}

// NewStore creates an empty store. A non-positive MaxItems falls back to the default.
func NewStore(cfg Config) *Store {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultConfig().MaxItems
	}
	if cfg.MaxEvents < 0 {
		cfg.MaxEvents = 0
	}
	return &Store{
		turns:     make([]Turn, 0, cfg.MaxItems),
		maxItems:  cfg.MaxItems,
		maxEvents: cfg.MaxEvents,
		now:       time.Now,
	}
}

// MaxItems returns the configured bound.
func (s *Store) MaxItems() int {
	return s.maxItems
}

// AppendUser appends a user turn and returns a copy of it.
func (s *Store) AppendUser(content, source string) Turn {
	return s.append(Turn{
		Role:    RoleUser,
		Content: content,
		Source:  source,
	})
}

// AppendAssistant appends an assistant turn carrying meta and returns a copy of it.
func (s *Store) AppendAssistant(content string, meta Metadata) Turn {
	return s.append(Turn{
		Role:     RoleAssistant,
		Content:  content,
		Metadata: &meta,
	})
}

func (s *Store) append(t Turn) Turn {
	t.ID = uuid.NewString()
	t = t.clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	t.Timestamp = s.now()
	s.turns = append(s.turns, t)
	s.pruneLocked()
	return t.clone()
}

// pruneLocked evicts the oldest turns beyond maxItems. Caller holds s.mu.
func (s *Store) pruneLocked() {
	if over := len(s.turns) - s.maxItems; over > 0 {
		kept := make([]Turn, s.maxItems, s.maxItems)
		copy(kept, s.turns[over:])
		s.turns = kept
	}
}

// RecentView returns the most recent n turns (all turns when n <= 0 or n
// exceeds the count) together with the full sequence and count.
func (s *Store) RecentView(n int) View {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := cloneTurns(s.turns)
	recent := all
	if n > 0 && n < len(all) {
		recent = cloneTurns(all[len(all)-n:])
	}
	return View{Recent: recent, All: all, Count: len(all)}
}

// FullView returns every stored turn, oldest first.
func (s *Store) FullView() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTurns(s.turns)
}

// Count returns the number of stored turns.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Last returns the most recent turn, if any.
func (s *Store) Last() (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.turns) == 0 {
		return Turn{}, false
	}
	return s.turns[len(s.turns)-1].clone(), true
}

// RecordEvent appends a presentation event record, evicting the oldest
// beyond MaxEvents.
func (s *Store) RecordEvent(rec EventRecord) {
	if s.maxEvents == 0 {
		return
	}
	rec.Payload = append(json.RawMessage(nil), rec.Payload...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	s.events = append(s.events, rec)
	if over := len(s.events) - s.maxEvents; over > 0 {
		s.events = append([]EventRecord(nil), s.events[over:]...)
	}
}

// Events returns the recorded presentation events, oldest first.
func (s *Store) Events() []EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventRecord, len(s.events))
	copy(out, s.events)
	return out
}

// Clear drops all turns and all recorded events.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = make([]Turn, 0, s.maxItems)
	s.events = nil
}

func cloneTurns(in []Turn) []Turn {
	out := make([]Turn, len(in))
	for i, t := range in {
		out[i] = t.clone()
	}
	return out
}
