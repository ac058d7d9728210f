// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/overlaychat/internal/history"
	"github.com/jeranaias/overlaychat/internal/tools"
)

// =============================================================================
// ENVELOPE
// =============================================================================

func TestEncode_WireShape(t *testing.T) {
	data, err := Encode("turn-1", ToolCall{ToolName: tools.NameGenerateImage, Args: json.RawMessage(`{"prompt":"a cat"}`)})
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.JSONEq(t, `"tool-call"`, string(raw["type"]))
	assert.JSONEq(t, `"turn-1"`, string(raw["turnId"]))
	assert.JSONEq(t, `{"toolName":"generateImage","args":{"prompt":"a cat"}}`, string(raw["payload"]))
}

func TestDecode_AllTypes(t *testing.T) {
	pos := tools.Position{X: 10, Y: 10}
	cases := []Event{
		StreamChunk{Chunk: "Hel"},
		ToolCall{ToolName: tools.NameGenerateText, Args: json.RawMessage(`{"text":"4"}`)},
		ToolResult{ToolName: tools.NameGenerateText, Result: tools.Result{Type: tools.TypeText, Content: "4", Position: &pos}},
		StreamComplete{},
		SessionCleared{},
	}

	for _, want := range cases {
		t.Run(string(want.Type()), func(t *testing.T) {
			data, err := Encode("t", want)
			require.NoError(t, err)

			env, got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, want.Type(), env.Type)
			assert.Equal(t, "t", env.TurnID)
			assert.Equal(t, want, got)
		})
	}
}

func TestDecode_UnknownType(t *testing.T) {
	_, _, err := Decode([]byte(`{"type":"window-moved","payload":{}}`))
	assert.Error(t, err)

	_, _, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

// =============================================================================
// SINKS
// =============================================================================

func TestMulti_StopsAtFirstError(t *testing.T) {
	boom := errors.New("boom")
	var calls []string
	first := SinkFunc(func(context.Context, string, Event) error {
		calls = append(calls, "first")
		return boom
	})
	second := SinkFunc(func(context.Context, string, Event) error {
		calls = append(calls, "second")
		return nil
	})

	err := Multi(first, second).Forward(context.Background(), "", StreamComplete{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"first"}, calls)
}

func TestRecorder_WritesHistoryEventLog(t *testing.T) {
	store := history.NewStore(history.DefaultConfig())
	var forwarded []Type
	next := SinkFunc(func(_ context.Context, _ string, ev Event) error {
		forwarded = append(forwarded, ev.Type())
		return nil
	})

	sink := Recorder(store, next)
	require.NoError(t, sink.Forward(context.Background(), "t", StreamChunk{Chunk: "4"}))
	require.NoError(t, sink.Forward(context.Background(), "t", StreamComplete{}))

	recs := store.Events()
	require.Len(t, recs, 2)
	assert.Equal(t, "stream-chunk", recs[0].Type)
	assert.JSONEq(t, `{"chunk":"4"}`, string(recs[0].Payload))
	assert.Equal(t, []Type{TypeStreamChunk, TypeStreamComplete}, forwarded)
}

// =============================================================================
// BUS
// =============================================================================

type collector struct {
	mu     sync.Mutex
	events []Event
	turns  []string
}

func (c *collector) handle(env Envelope, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	c.turns = append(c.turns, env.TurnID)
	return nil
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) ObserveEvent(eventType string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = make(map[string]int)
	}
	o.counts[eventType]++
}

func TestMemoryBus_PreservesOrder(t *testing.T) {
	bus := NewMemoryBus(zerolog.Nop(), "")
	defer bus.Close()
	assert.Equal(t, DefaultTopic, bus.Topic())

	obs := &countingObserver{}
	bus.WithObserver(obs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &collector{}
	require.NoError(t, bus.Subscribe(ctx, "renderer", c.handle))

	sent := []Event{
		StreamChunk{Chunk: "2+2"},
		StreamChunk{Chunk: " is 4"},
		ToolCall{ToolName: tools.NameGenerateText, Args: json.RawMessage(`{"text":"4"}`)},
		ToolResult{ToolName: tools.NameGenerateText, Result: tools.Result{Type: tools.TypeText, Content: "4"}},
		StreamComplete{},
	}
	for _, ev := range sent {
		require.NoError(t, bus.Forward(ctx, "turn-1", ev))
	}

	// Publishing blocks until the subscriber acks, so every event has been
	// handled by now.
	assert.Equal(t, sent, c.snapshot())
	assert.Equal(t, 2, obs.counts["stream-chunk"])
	assert.Equal(t, 1, obs.counts["stream-complete"])
}

func TestMemoryBus_FanOut(t *testing.T) {
	bus := NewMemoryBus(zerolog.Nop(), "presentation")
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := &collector{}, &collector{}
	require.NoError(t, bus.Subscribe(ctx, "a", a.handle))
	require.NoError(t, bus.Subscribe(ctx, "b", b.handle))

	require.NoError(t, bus.Forward(ctx, "", SessionCleared{}))
	assert.Equal(t, []Event{SessionCleared{}}, a.snapshot())
	assert.Equal(t, []Event{SessionCleared{}}, b.snapshot())
}

func TestMemoryBus_HandlerErrorDoesNotBlock(t *testing.T) {
	bus := NewMemoryBus(zerolog.Nop(), "")
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx, "failing", func(Envelope, Event) error {
		return errors.New("renderer gone")
	}))
	require.NoError(t, bus.Forward(ctx, "", StreamComplete{}))
	require.NoError(t, bus.Forward(ctx, "", StreamComplete{}))
}

func TestBus_ForwardAfterClose(t *testing.T) {
	bus := NewMemoryBus(zerolog.Nop(), "")
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	err := bus.Forward(context.Background(), "", StreamComplete{})
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestNew_Backends(t *testing.T) {
	bus, err := New(zerolog.Nop(), BackendMemory, "", "")
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	_, err = New(zerolog.Nop(), "kafka", "", "")
	assert.Error(t, err)

	_, err = New(zerolog.Nop(), BackendRedis, "", "")
	assert.Error(t, err, "redis backend needs an address")
}
