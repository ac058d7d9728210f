// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultToolTimeout is applied when the context has no deadline. Image
// models are slow, so this is generous.
const DefaultToolTimeout = 120 * time.Second

// maxHistorySize bounds the execution history.
const maxHistorySize = 1000

// =============================================================================
// TOOL CALL
// =============================================================================

// ToolCall is one invocation request, typically from the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// =============================================================================
// EXECUTION RECORD
// =============================================================================

// ExecutionRecord tracks the result of a tool execution.
type ExecutionRecord struct {
	ToolName  string
	Arguments json.RawMessage
	Result    Result
	Error     string
	Success   bool
	// Generation is set when the failure was a GenerationError.
	Generation bool
	Timestamp  time.Time
	Duration   time.Duration
}

// Observer receives one observation per tool execution (metrics).
type Observer interface {
	ObserveTool(name string, success bool, d time.Duration)
}

// =============================================================================
// EXECUTOR
// =============================================================================

// Executor validates and dispatches tool calls and keeps an execution history.
type Executor struct {
	registry *Registry
	observer Observer

	mu      sync.Mutex
	history []ExecutionRecord
}

// NewExecutor creates a new tool executor with the given registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{
		registry: registry,
		history:  make([]ExecutionRecord, 0),
	}
}

// WithObserver registers an execution observer.
func (e *Executor) WithObserver(o Observer) *Executor {
	e.observer = o
	return e
}

// Registry returns the tool registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute validates raw arguments against the tool's schema, then runs it.
func (e *Executor) Execute(ctx context.Context, call ToolCall) (Result, error) {
	tool := e.registry.Get(call.Name)
	if tool == nil {
		err := fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
		e.addToHistory(ExecutionRecord{ToolName: call.Name, Arguments: call.Arguments, Error: err.Error(), Timestamp: time.Now()})
		return Result{}, err
	}

	return e.Record(call.Name, call.Arguments, func() (Result, error) {
		if err := tool.Validate(call.Arguments); err != nil {
			return Result{}, fmt.Errorf("parameter validation failed: %w", err)
		}

		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, DefaultToolTimeout)
			defer cancel()
		}
		return tool.Executor.Execute(ctx, call.Arguments)
	})
}

// Record runs fn as an invocation of the named tool and records it the same
// way Execute does. Direct typed calls use it to share history and stats.
func (e *Executor) Record(name string, args interface{}, fn func() (Result, error)) (Result, error) {
	start := time.Now()
	result, err := fn()

	record := ExecutionRecord{
		ToolName:  name,
		Arguments: marshalArgs(args),
		Result:    result,
		Success:   err == nil,
		Timestamp: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		record.Error = err.Error()
		record.Generation = IsGenerationError(err)
	}
	e.addToHistory(record)

	if e.observer != nil {
		e.observer.ObserveTool(name, err == nil, record.Duration)
	}
	return result, err
}

func marshalArgs(args interface{}) json.RawMessage {
	switch v := args.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return append(json.RawMessage(nil), v...)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return b
	}
}

// addToHistory adds an execution record to the bounded history.
func (e *Executor) addToHistory(record ExecutionRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.history) >= maxHistorySize {
		e.history = e.history[len(e.history)-maxHistorySize+1:]
	}
	e.history = append(e.history, record)
}

// History returns a copy of the execution history.
func (e *Executor) History() []ExecutionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := make([]ExecutionRecord, len(e.history))
	copy(result, e.history)
	return result
}

// ClearHistory clears the execution history.
func (e *Executor) ClearHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = make([]ExecutionRecord, 0)
}

// =============================================================================
// EXECUTION STATISTICS
// =============================================================================

// ExecutionStats provides statistics about tool executions.
type ExecutionStats struct {
	TotalExecutions int
	Successful      int
	Failed          int
	// GenerationFailures counts failures caused by unusable gateway output.
	GenerationFailures int
	TotalDuration      time.Duration
	AvgDuration        time.Duration
	ByTool             map[string]int
}

// Stats returns statistics about the execution history.
func (e *Executor) Stats() ExecutionStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := ExecutionStats{ByTool: make(map[string]int)}
	stats.TotalExecutions = len(e.history)

	for _, record := range e.history {
		stats.ByTool[record.ToolName]++
		if record.Success {
			stats.Successful++
		} else {
			stats.Failed++
			if record.Generation {
				stats.GenerationFailures++
			}
		}
		stats.TotalDuration += record.Duration
	}

	if stats.TotalExecutions > 0 {
		stats.AvgDuration = stats.TotalDuration / time.Duration(stats.TotalExecutions)
	}
	return stats
}

// IsGenerationError reports whether err carries a GenerationError.
func IsGenerationError(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge)
}
