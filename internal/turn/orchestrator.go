// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/overlaychat/internal/cloud"
	"github.com/jeranaias/overlaychat/internal/events"
	"github.com/jeranaias/overlaychat/internal/history"
	"github.com/jeranaias/overlaychat/internal/logging"
	"github.com/jeranaias/overlaychat/internal/tools"
	"github.com/jeranaias/overlaychat/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// MaxInputRunes bounds a single user message.
	MaxInputRunes = 32000

	// DefaultRecentItems is how many history turns are sent with a request.
	DefaultRecentItems = 10
)

// Outcomes reported to the Recorder.
const (
	outcomeSuccess   = "success"
	outcomeFailed    = "failed"
	outcomeInvalid   = "invalid"
	outcomeCancelled = "cancelled"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Gateway streams a chat completion.
type Gateway interface {
	ChatStream(ctx context.Context, req cloud.ChatRequest, callback cloud.StreamCallback) error
}

// Recorder receives turn-level observations.
type Recorder interface {
	ObserveTurn(outcome string, d time.Duration)
	ObserveCorrective(modality string, failed bool)
	SetHistoryTurns(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveTurn(string, time.Duration) {}
func (nopRecorder) ObserveCorrective(string, bool)    {}
func (nopRecorder) SetHistoryTurns(int)               {}

// Config configures an Orchestrator.
type Config struct {
	Model       string
	RecentItems int
	Policy      Policy
}

// Outcome is what the caller of a turn sees. Content is delivered through
// presentation events, not here.
type Outcome struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	TurnID  string `json:"turnId,omitempty"`
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator runs turns against a gateway, a tool executor and a history
// store, forwarding presentation events to a sink.
type Orchestrator struct {
	gateway  Gateway
	adapter  *tools.Adapter
	executor *tools.Executor
	store    *history.Store
	sink     events.Sink
	policy   Policy
	model    string
	recent   int
	logger   zerolog.Logger
	recorder Recorder

	mu     sync.Mutex
	active map[string]context.CancelFunc

	// fwdMu orders turn events against session-cleared.
	fwdMu sync.Mutex
}

// New creates an orchestrator. The executor's registry must be bound to
// adapter.
func New(gw Gateway, adapter *tools.Adapter, executor *tools.Executor, store *history.Store, sink events.Sink, cfg Config, logger zerolog.Logger) *Orchestrator {
	if sink == nil {
		sink = events.Discard
	}
	if cfg.RecentItems <= 0 {
		cfg.RecentItems = DefaultRecentItems
	}
	if cfg.Policy.Required == nil {
		cfg.Policy = DefaultPolicy()
	}
	return &Orchestrator{
		gateway:  gw,
		adapter:  adapter,
		executor: executor,
		store:    store,
		sink:     sink,
		policy:   cfg.Policy,
		model:    cfg.Model,
		recent:   cfg.RecentItems,
		logger:   logging.Component(logger, "turn"),
		recorder: nopRecorder{},
		active:   make(map[string]context.CancelFunc),
	}
}

// WithRecorder sets the metrics recorder.
func (o *Orchestrator) WithRecorder(r Recorder) *Orchestrator {
	if r != nil {
		o.recorder = r
	}
	return o
}

// Policy returns the completion policy.
func (o *Orchestrator) Policy() Policy {
	return o.policy
}

// History returns the store turns are recorded in.
func (o *Orchestrator) History() *history.Store {
	return o.store
}

// RunTurn runs one turn for text typed in the chat.
func (o *Orchestrator) RunTurn(ctx context.Context, userText string) (Outcome, error) {
	return o.RunTurnFrom(ctx, history.SourceChat, userText)
}

// RunTurnFrom runs one turn and tags the user turn with source.
func (o *Orchestrator) RunTurnFrom(ctx context.Context, source, userText string) (Outcome, error) {
	start := time.Now()

	input, err := normalizeInput(userText)
	if err != nil {
		o.recorder.ObserveTurn(outcomeInvalid, time.Since(start))
		return Outcome{Error: err.Error()}, err
	}

	turnID := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.begin(turnID, cancel)
	defer o.end(turnID)

	r := &run{
		o:     o,
		id:    turnID,
		ctx:   ctx,
		input: input,
		model: o.model,
		state: NewCompletionState(),
		log:   o.logger.With().Str("turn_id", turnID).Logger(),
	}

	o.store.AppendUser(input, source)
	o.recorder.SetHistoryTurns(o.store.Count())
	r.log.Info().Str("source", source).Int("input_runes", utf8.RuneCountInString(input)).Msg("turn started")

	req := cloud.ChatRequest{
		Model:      o.model,
		Messages:   buildMessages(o.policy, o.executor.Registry(), o.store.RecentView(o.recent)),
		Tools:      o.executor.Registry().Definitions(),
		ToolChoice: "auto",
	}

	streamErr := o.gateway.ChatStream(ctx, req, r.onDelta)
	if ctx.Err() != nil {
		return o.cancelled(r, start)
	}
	if streamErr != nil {
		if !r.hasContent() {
			err := fmt.Errorf("primary stream: %w", streamErr)
			r.log.Error().Err(err).Msg("turn failed before any content")
			o.recorder.ObserveTurn(outcomeFailed, time.Since(start))
			return Outcome{Error: err.Error(), TurnID: turnID}, err
		}
		r.log.Warn().Err(streamErr).Msg("stream failed after content, finishing turn")
	}

	for _, m := range r.state.Missing(o.policy.Required) {
		if ctx.Err() != nil {
			return o.cancelled(r, start)
		}
		r.corrective(m)
	}
	if ctx.Err() != nil {
		return o.cancelled(r, start)
	}

	content := r.buf.String()
	if strings.TrimSpace(content) == "" {
		content = o.policy.Placeholder
	}
	o.store.AppendAssistant(content, history.Metadata{Model: r.model, Tools: r.records})
	o.recorder.SetHistoryTurns(o.store.Count())

	r.forward(events.StreamComplete{})

	r.log.Info().
		Int("tool_results", len(r.records)).
		Int("partial_failures", len(r.partials)).
		Dur("duration", time.Since(start)).
		Msg("turn complete")
	o.recorder.ObserveTurn(outcomeSuccess, time.Since(start))
	return Outcome{Success: true, TurnID: turnID}, nil
}

func (o *Orchestrator) cancelled(r *run, start time.Time) (Outcome, error) {
	r.log.Info().Msg("turn cancelled")
	o.recorder.ObserveTurn(outcomeCancelled, time.Since(start))
	return Outcome{Error: ErrTurnCancelled.Error(), TurnID: r.id}, ErrTurnCancelled
}

// Clear cancels every in-flight turn, drops history and forwards
// session-cleared. No event of a cancelled turn is forwarded afterwards.
func (o *Orchestrator) Clear(ctx context.Context) error {
	o.fwdMu.Lock()
	defer o.fwdMu.Unlock()

	o.mu.Lock()
	n := len(o.active)
	for _, cancel := range o.active {
		cancel()
	}
	o.mu.Unlock()

	o.store.Clear()
	o.recorder.SetHistoryTurns(0)
	o.logger.Info().Int("cancelled_turns", n).Msg("session cleared")

	return o.sink.Forward(ctx, "", events.SessionCleared{})
}

// ActiveTurns returns how many turns are in flight.
func (o *Orchestrator) ActiveTurns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

func (o *Orchestrator) begin(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[id] = cancel
}

func (o *Orchestrator) end(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, id)
}

// normalizeInput applies NFC and rejects empty or oversized input.
func normalizeInput(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", &ValidationError{Field: "input", Message: "must be valid UTF-8"}
	}
	s = norm.NFC.String(s)
	if strings.TrimSpace(s) == "" {
		return "", &ValidationError{Field: "input", Message: "must not be empty"}
	}
	if n := utf8.RuneCountInString(s); n > MaxInputRunes {
		return "", &ValidationError{Field: "input", Message: fmt.Sprintf("too long: %d runes, max %d", n, MaxInputRunes)}
	}
	return s, nil
}

// =============================================================================
// RUN
// =============================================================================

// run is the state of one turn. It is only touched by the goroutine running
// the turn; the stream callback is synchronous.
type run struct {
	o     *Orchestrator
	id    string
	ctx   context.Context
	input string
	model string
	log   zerolog.Logger

	buf      strings.Builder
	state    *CompletionState
	records  []history.ToolRecord
	partials []error
}

func (r *run) hasContent() bool {
	return r.buf.Len() > 0 || len(r.records) > 0
}

// onDelta converts gateway deltas to stream events. Tool calls are executed
// as soon as they are complete, so the result follows its call.
func (r *run) onDelta(d cloud.StreamDelta) {
	if r.ctx.Err() != nil {
		return
	}
	if d.Model != "" {
		r.model = d.Model
	}

	switch {
	case d.Text != "":
		r.dispatch(TextDelta{Text: d.Text})
	case d.ToolCall != nil:
		call := ToolCallEvent{ID: d.ToolCall.ID, Name: d.ToolCall.Function.Name, Args: rawArgs(d.ToolCall.Function.Arguments)}
		r.dispatch(call)

		result, err := r.o.executor.Execute(r.ctx, tools.ToolCall{ID: call.ID, Name: call.Name, Arguments: call.Args})
		if err != nil {
			r.log.Warn().Err(err).Str("tool", call.Name).Msg("tool call failed")
			return
		}
		r.dispatch(ToolResultEvent{Name: call.Name, Result: result})
	}
}

// dispatch handles one stream event.
func (r *run) dispatch(ev StreamEvent) {
	switch e := ev.(type) {
	case TextDelta:
		r.buf.WriteString(e.Text)
		r.forward(events.StreamChunk{Chunk: e.Text})
	case ToolCallEvent:
		r.forward(events.ToolCall{ToolName: e.Name, Args: e.Args})
	case ToolResultEvent:
		r.accept(e.Name, e.Result, false)
	default:
		r.log.Error().Str("event", fmt.Sprintf("%T", ev)).Msg("unknown stream event")
	}
}

// accept records a tool result, marks its modality and forwards it.
func (r *run) accept(tool string, result tools.Result, corrective bool) {
	m := result.Modality()
	if !r.state.Mark(m) {
		r.log.Debug().Str("modality", string(m)).Str("tool", tool).Msg("duplicate modality recorded")
	}

	payload, err := json.Marshal(result)
	if err != nil {
		r.log.Warn().Err(err).Str("tool", tool).Msg("result not serializable")
	}
	r.records = append(r.records, history.ToolRecord{
		Tool:       tool,
		Modality:   string(m),
		Result:     payload,
		Corrective: corrective,
	})
	r.forward(events.ToolResult{ToolName: tool, Result: result})
}

// forward sends ev to the sink unless the turn was cancelled.
func (r *run) forward(ev events.Event) {
	r.o.fwdMu.Lock()
	defer r.o.fwdMu.Unlock()

	if r.ctx.Err() != nil {
		return
	}
	if err := r.o.sink.Forward(r.ctx, r.id, ev); err != nil {
		r.log.Warn().Err(err).Str("event", string(ev.Type())).Msg("forward failed")
	}
}

// =============================================================================
// CORRECTIVE INVOCATIONS
// =============================================================================

// corrective produces modality m directly through the adapter.
func (r *run) corrective(m tools.Modality) {
	p := r.o.policy
	x, y := tools.At(p.Defaults[m])
	tool := r.o.executor.Registry().ForModality(m)
	if tool == nil {
		r.log.Warn().Str("modality", string(m)).Msg("no corrective tool for modality")
		return
	}
	name := tool.Name

	var (
		args interface{}
		fn   func() (tools.Result, error)
	)
	switch m {
	case tools.ModalityText:
		a := tools.TextArgs{Text: r.fallbackText(), PositionX: x, PositionY: y}
		args = a
		fn = func() (tools.Result, error) { return r.o.adapter.GenerateText(a), nil }
	case tools.ModalityDiagram:
		a := tools.DiagramArgs{Description: fmt.Sprintf(p.DiagramPromptFormat, r.promptPrefix()), PositionX: x, PositionY: y}
		args = a
		fn = func() (tools.Result, error) { return r.o.adapter.GenerateMermaidDiagram(r.ctx, a) }
	case tools.ModalityImage:
		a := tools.ImageArgs{Prompt: fmt.Sprintf(p.ImagePromptFormat, r.promptPrefix()), PositionX: x, PositionY: y}
		args = a
		fn = func() (tools.Result, error) { return r.o.adapter.GenerateImage(r.ctx, a) }
	default:
		r.log.Warn().Str("modality", string(m)).Msg("no corrective tool for modality")
		return
	}

	raw, _ := json.Marshal(args)
	r.forward(events.ToolCall{ToolName: name, Args: raw})

	result, err := r.o.executor.Record(name, json.RawMessage(raw), fn)
	if err != nil {
		perr := &PartialGenerationError{Modality: m, Tool: name, Err: err}
		r.partials = append(r.partials, perr)
		r.o.recorder.ObserveCorrective(string(m), true)
		r.log.Warn().Err(perr).Msg("corrective invocation failed")
		return
	}
	r.o.recorder.ObserveCorrective(string(m), false)
	r.accept(name, result, true)
}

func (r *run) fallbackText() string {
	if text := strings.TrimSpace(r.buf.String()); text != "" {
		return text
	}
	return fmt.Sprintf(r.o.policy.FallbackTextFormat, r.input)
}

func (r *run) promptPrefix() string {
	source := strings.TrimSpace(r.buf.String())
	if source == "" {
		source = r.input
	}
	return util.PromptPrefix(source, r.o.policy.PromptPrefixRunes)
}
