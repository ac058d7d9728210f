// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/overlaychat/internal/cloud"
)

// fakeGateway returns canned responses.
type fakeGateway struct {
	chatContent string
	chatErr     error
	image       *cloud.ImageResponse
	imageErr    error

	chatCalls  int
	imageCalls int
	lastChat   cloud.ChatRequest
}

func (f *fakeGateway) ChatOnce(ctx context.Context, req cloud.ChatRequest) (*cloud.ChatResponse, error) {
	f.chatCalls++
	f.lastChat = req
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return &cloud.ChatResponse{Choices: []cloud.Choice{{
		Message:      cloud.NewAssistantMessage(f.chatContent),
		FinishReason: "stop",
	}}}, nil
}

func (f *fakeGateway) GenerateImage(ctx context.Context, model, prompt string) (*cloud.ImageResponse, error) {
	f.imageCalls++
	if f.imageErr != nil {
		return nil, f.imageErr
	}
	return f.image, nil
}

func newTestAdapter(gw *fakeGateway) *Adapter {
	return NewAdapter(gw, AdapterConfig{DiagramModel: "diagram-model", ImageModel: "image-model"}, zerolog.Nop())
}

// =============================================================================
// TEXT
// =============================================================================

func TestGenerateText_DefaultPositionAndIdempotence(t *testing.T) {
	a := newTestAdapter(&fakeGateway{})

	first := a.GenerateText(TextArgs{Text: "4"})
	second := a.GenerateText(TextArgs{Text: "4"})

	assert.Equal(t, first, second)
	assert.Equal(t, TypeText, first.Type)
	assert.Equal(t, "4", first.Content)
	require.NotNil(t, first.Position)
	assert.Equal(t, DefaultPosition, *first.Position)

	b1, _ := json.Marshal(first)
	b2, _ := json.Marshal(second)
	assert.Equal(t, string(b1), string(b2))
}

func TestGenerateText_ClampsY(t *testing.T) {
	x, y := At(Position{X: 10, Y: 90})
	r := newTestAdapter(&fakeGateway{}).GenerateText(TextArgs{Text: "t", PositionX: x, PositionY: y})
	assert.Equal(t, Position{X: 10, Y: MaxY}, *r.Position)
}

// =============================================================================
// DIAGRAM
// =============================================================================

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"bare", "graph TD; A-->B", "graph TD; A-->B"},
		{"mermaid fence", "```mermaid\ngraph TD\nA-->B\n```", "graph TD\nA-->B"},
		{"plain fence", "```\nsequenceDiagram\nA->>B: hi\n```", "sequenceDiagram\nA->>B: hi"},
		{"prose around", "Here it is:\n```mermaid\nflowchart LR\nX-->Y\n```\nEnjoy", "flowchart LR\nX-->Y"},
		{"single line", "```mermaid graph TD; A-->B```", "graph TD; A-->B"},
		{"only fences", "```mermaid\n```", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripCodeFences(tt.in))
		})
	}
}

func TestGenerateMermaidDiagram(t *testing.T) {
	gw := &fakeGateway{chatContent: "```mermaid\ngraph TD\n2-->4\n```"}
	x, y := At(Position{X: 55, Y: 10})

	r, err := newTestAdapter(gw).GenerateMermaidDiagram(context.Background(), DiagramArgs{Description: "2+2", PositionX: x, PositionY: y})
	require.NoError(t, err)
	assert.Equal(t, TypeMermaid, r.Type)
	assert.Equal(t, "graph TD\n2-->4", r.Content)
	assert.Equal(t, Position{X: 55, Y: 10}, *r.Position)

	assert.Equal(t, "diagram-model", gw.lastChat.Model)
	require.Len(t, gw.lastChat.Messages, 2)
	assert.Equal(t, "system", gw.lastChat.Messages[0].Role)
	assert.Equal(t, "2+2", gw.lastChat.Messages[1].Content)
}

func TestGenerateMermaidDiagram_Failures(t *testing.T) {
	transport := &cloud.TransportError{Op: "chat", Status: 502, Err: errors.New("bad gateway")}

	tests := []struct {
		name string
		gw   *fakeGateway
	}{
		{"transport", &fakeGateway{chatErr: transport}},
		{"empty", &fakeGateway{chatContent: "  "}},
		{"empty fence", &fakeGateway{chatContent: "```mermaid\n```"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestAdapter(tt.gw).GenerateMermaidDiagram(context.Background(), DiagramArgs{Description: "x"})
			var ge *GenerationError
			require.True(t, errors.As(err, &ge), "got %v", err)
			assert.Equal(t, NameGenerateDiagram, ge.Tool)
		})
	}

	_, err := newTestAdapter(&fakeGateway{chatErr: transport}).GenerateMermaidDiagram(context.Background(), DiagramArgs{Description: "x"})
	var te *cloud.TransportError
	assert.True(t, errors.As(err, &te), "transport error should stay reachable")
}

// A transient gateway failure fails the diagram outright even when the
// client is configured with retries: one invocation is one request.
func TestGenerateMermaidDiagram_SingleGatewayRequest(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, `{"error":{"message":"upstream"}}`)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"graph TD; A-->B"},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	client := cloud.NewOpenRouterClient("sk-or-v1-0123456789abcdef0123456789abcdef").
		WithBaseURL(server.URL).
		WithMaxRetries(3).
		WithRateLimit(0, 0)
	adapter := NewAdapter(client, AdapterConfig{DiagramModel: "diagram-model"}, zerolog.Nop())

	_, err := adapter.GenerateMermaidDiagram(context.Background(), DiagramArgs{Description: "A to B"})
	var ge *GenerationError
	require.True(t, errors.As(err, &ge), "got %v", err)
	assert.Equal(t, NameGenerateDiagram, ge.Tool)
	assert.EqualValues(t, 1, requests.Load())
}

// =============================================================================
// IMAGE
// =============================================================================

func TestGenerateImage_FinishReasons(t *testing.T) {
	url := "data:image/png;base64,AAAA"
	tests := []struct {
		name    string
		resp    *cloud.ImageResponse
		wantErr string
	}{
		{"stop", &cloud.ImageResponse{URLs: []string{url}, FinishReason: "stop"}, ""},
		{"length", &cloud.ImageResponse{URLs: []string{url}, FinishReason: "length"}, ""},
		{"content filter", &cloud.ImageResponse{URLs: []string{url}, FinishReason: "content_filter"}, ""},
		{"error", &cloud.ImageResponse{URLs: []string{url}, FinishReason: "error"}, "unexpected finish reason"},
		{"missing", &cloud.ImageResponse{URLs: []string{url}}, "missing finish reason"},
		{"text instead", &cloud.ImageResponse{Text: "I cannot draw", FinishReason: "stop"}, "text instead of an image"},
		{"no image", &cloud.ImageResponse{FinishReason: "stop"}, "no image"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{image: tt.resp}
			r, err := newTestAdapter(gw).GenerateImage(context.Background(), ImageArgs{Prompt: "four apples"})
			assert.Equal(t, 1, gw.imageCalls, "image requests are never retried")
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, TypeImage, r.Type)
				assert.Equal(t, url, r.Content)
				assert.Equal(t, DefaultPosition, *r.Position)
				return
			}
			var ge *GenerationError
			require.True(t, errors.As(err, &ge), "got %v", err)
			assert.Contains(t, ge.Error(), tt.wantErr)
		})
	}
}

func TestGenerateImage_EmptyPrompt(t *testing.T) {
	gw := &fakeGateway{}
	_, err := newTestAdapter(gw).GenerateImage(context.Background(), ImageArgs{Prompt: " "})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Zero(t, gw.imageCalls)
}

// =============================================================================
// LAYOUT
// =============================================================================

func TestGenerateLayout(t *testing.T) {
	a := newTestAdapter(&fakeGateway{})

	r, err := a.GenerateLayout(LayoutArgs{Elements: []Element{
		{ID: "t", Type: TypeText, Content: "4", Position: Position{X: 10, Y: 10}},
		{ID: "i", Type: TypeImage, Content: "url", Position: Position{X: 30, Y: 99}},
	}})
	require.NoError(t, err)
	assert.Equal(t, TypeLayout, r.Type)
	require.Len(t, r.Elements, 2)
	assert.Equal(t, MaxY, r.Elements[1].Position.Y)
	assert.Equal(t, ModalityLayout, r.Modality())

	_, err = a.GenerateLayout(LayoutArgs{Elements: []Element{
		{ID: "a", Type: TypeText}, {ID: "a", Type: TypeText},
	}})
	assert.ErrorContains(t, err, "duplicate id")

	_, err = a.GenerateLayout(LayoutArgs{Elements: []Element{{ID: "a", Type: "video"}}})
	assert.ErrorContains(t, err, "unsupported type")

	_, err = a.GenerateLayout(LayoutArgs{})
	assert.Error(t, err)
}

// =============================================================================
// REGISTRY AND EXECUTOR
// =============================================================================

func TestRegistry_Definitions(t *testing.T) {
	r := NewRegistry(newTestAdapter(&fakeGateway{}))
	defs := r.Definitions()
	require.Len(t, defs, 4)

	names := []string{defs[0].Function.Name, defs[1].Function.Name, defs[2].Function.Name, defs[3].Function.Name}
	assert.Equal(t, []string{NameGenerateText, NameGenerateDiagram, NameGenerateImage, NameGenerateLayout}, names)
	for _, d := range defs {
		assert.Equal(t, "function", d.Type)
		assert.True(t, json.Valid(d.Function.Parameters))
	}

	assert.Equal(t, NameGenerateImage, r.ForModality(ModalityImage).Name)
	assert.Nil(t, r.ForModality("video"))
}

func TestExecutor_SchemaValidation(t *testing.T) {
	e := NewExecutor(NewRegistry(newTestAdapter(&fakeGateway{})))

	tests := []struct {
		name string
		call ToolCall
	}{
		{"missing text", ToolCall{Name: NameGenerateText, Arguments: json.RawMessage(`{}`)}},
		{"x out of range", ToolCall{Name: NameGenerateText, Arguments: json.RawMessage(`{"text":"a","positionX":150}`)}},
		{"wrong type", ToolCall{Name: NameGenerateText, Arguments: json.RawMessage(`{"text":5}`)}},
		{"unknown field", ToolCall{Name: NameGenerateImage, Arguments: json.RawMessage(`{"prompt":"a","size":"big"}`)}},
		{"bad json", ToolCall{Name: NameGenerateDiagram, Arguments: json.RawMessage(`{"description":`)}},
		{"bad layout type", ToolCall{Name: NameGenerateLayout, Arguments: json.RawMessage(`{"elements":[{"id":"a","type":"video","content":"","position":{"x":1,"y":1}}]}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Execute(context.Background(), tt.call)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
		})
	}
}

func TestExecutor_ExecuteMatchesDirectCall(t *testing.T) {
	a := newTestAdapter(&fakeGateway{})
	e := NewExecutor(NewRegistry(a))

	viaModel, err := e.Execute(context.Background(), ToolCall{
		Name:      NameGenerateText,
		Arguments: json.RawMessage(`{"text":"4","positionX":10,"positionY":10}`),
	})
	require.NoError(t, err)

	x, y := At(Position{X: 10, Y: 10})
	direct := a.GenerateText(TextArgs{Text: "4", PositionX: x, PositionY: y})

	b1, _ := json.Marshal(viaModel)
	b2, _ := json.Marshal(direct)
	assert.JSONEq(t, string(b2), string(b1))
}

func TestExecutor_UnknownToolAndStats(t *testing.T) {
	gw := &fakeGateway{image: &cloud.ImageResponse{FinishReason: "error"}}
	e := NewExecutor(NewRegistry(newTestAdapter(gw)))

	_, err := e.Execute(context.Background(), ToolCall{Name: "rm -rf"})
	assert.ErrorIs(t, err, ErrUnknownTool)

	_, err = e.Execute(context.Background(), ToolCall{Name: NameGenerateText, Arguments: json.RawMessage(`{"text":"a"}`)})
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), ToolCall{Name: NameGenerateImage, Arguments: json.RawMessage(`{"prompt":"a"}`)})
	assert.True(t, IsGenerationError(err))

	stats := e.Stats()
	assert.Equal(t, 3, stats.TotalExecutions)
	assert.Equal(t, 1, stats.Successful)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 1, stats.GenerationFailures)
	assert.Equal(t, 1, stats.ByTool[NameGenerateImage])

	require.Len(t, e.History(), 3)
	e.ClearHistory()
	assert.Empty(t, e.History())
}

type countingObserver struct{ calls map[string]int }

func (c *countingObserver) ObserveTool(name string, success bool, _ time.Duration) {
	c.calls[name]++
}

func TestExecutor_RecordNotifiesObserver(t *testing.T) {
	obs := &countingObserver{calls: map[string]int{}}
	a := newTestAdapter(&fakeGateway{})
	e := NewExecutor(NewRegistry(a)).WithObserver(obs)

	_, err := e.Record(NameGenerateText, TextArgs{Text: "x"}, func() (Result, error) {
		return a.GenerateText(TextArgs{Text: "x"}), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, obs.calls[NameGenerateText])
	assert.JSONEq(t, `{"text":"x"}`, string(e.History()[0].Arguments))
}
