// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package internal

// Race detection tests. Run with: go test -race ./internal/...

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/overlaychat/internal/events"
	"github.com/jeranaias/overlaychat/internal/history"
	"github.com/jeranaias/overlaychat/internal/tools"
	"github.com/jeranaias/overlaychat/internal/turn"
)

// =============================================================================
// TEST CONFIGURATION
// =============================================================================

const (
	// Number of concurrent goroutines for race tests
	raceConcurrency = 32
	// Number of iterations per goroutine
	raceIterations = 50
	// Timeout for race tests
	raceTimeout = 30 * time.Second
)

// =============================================================================
// HISTORY
// =============================================================================

func TestConcurrency_HistoryStore(t *testing.T) {
	store := history.NewStore(history.Config{MaxItems: 20, MaxEvents: 20})

	var wg sync.WaitGroup
	for i := 0; i < raceConcurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < raceIterations; j++ {
				switch j % 5 {
				case 0:
					store.AppendUser(fmt.Sprintf("u%d-%d", id, j), history.SourceChat)
				case 1:
					store.AppendAssistant("a", history.Metadata{Tools: []history.ToolRecord{{Tool: tools.NameGenerateText, Modality: "text"}}})
				case 2:
					v := store.RecentView(5)
					assert.LessOrEqual(t, len(v.Recent), 5)
				case 3:
					store.RecordEvent(history.EventRecord{Type: "stream-chunk"})
				case 4:
					if id == 0 && j%25 == 4 {
						store.Clear()
					}
					_ = store.FullView()
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, store.Count(), 20)
	assert.LessOrEqual(t, len(store.Events()), 20)
}

// =============================================================================
// EVENT BUS
// =============================================================================

func TestConcurrency_BusForward(t *testing.T) {
	bus := events.NewMemoryBus(zerolog.Nop(), "")
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), raceTimeout)
	defer cancel()

	var received atomic.Int64
	require.NoError(t, bus.Subscribe(ctx, "counter", func(events.Envelope, events.Event) error {
		received.Add(1)
		return nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < raceConcurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			turnID := fmt.Sprintf("turn-%d", id)
			for j := 0; j < raceIterations; j++ {
				assert.NoError(t, bus.Forward(ctx, turnID, events.StreamChunk{Chunk: "x"}))
			}
		}(i)
	}
	wg.Wait()

	// Publishing blocks until the subscriber acks, so every event has arrived.
	assert.EqualValues(t, raceConcurrency*raceIterations, received.Load())
}

// =============================================================================
// TURNS
// =============================================================================

func TestConcurrency_TurnsAndClear(t *testing.T) {
	gw := newFakeGateway(t, gatewayScript{streamText: "ok"})
	s := newStack(t, gw.URL, 50)

	ctx, cancel := context.WithTimeout(context.Background(), raceTimeout)
	defer cancel()

	var ok, cancelled atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 3; j++ {
				out, err := s.turns.RunTurn(ctx, fmt.Sprintf("q%d-%d", id, j))
				switch {
				case err == nil:
					assert.True(t, out.Success)
					ok.Add(1)
				case errors.Is(err, turn.ErrTurnCancelled):
					cancelled.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 5; j++ {
			assert.NoError(t, s.turns.Clear(ctx))
			time.Sleep(time.Millisecond)
		}
	}()
	wg.Wait()

	assert.EqualValues(t, 24, ok.Load()+cancelled.Load())
	assert.Zero(t, s.turns.ActiveTurns())

	require.NoError(t, s.turns.Clear(ctx))
	assert.Zero(t, s.store.Count())

	evs := s.store.Events()
	require.NotEmpty(t, evs)
	assert.Equal(t, string(events.TypeSessionCleared), evs[len(evs)-1].Type)
}

func TestConcurrency_ExecutorHistory(t *testing.T) {
	executor := tools.NewExecutor(tools.NewRegistry(tools.NewAdapter(nil, tools.AdapterConfig{}, zerolog.Nop())))

	var wg sync.WaitGroup
	for i := 0; i < raceConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < raceIterations; j++ {
				_, _ = executor.Record(tools.NameGenerateText, tools.TextArgs{Text: "x"}, func() (tools.Result, error) {
					return tools.Result{Type: tools.TypeText, Content: "x"}, nil
				})
				_ = executor.Stats()
				_ = executor.History()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, executor.Stats().Failed)
}
