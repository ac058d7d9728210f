// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/overlaychat/internal/cloud"
	"github.com/jeranaias/overlaychat/internal/config"
	"github.com/jeranaias/overlaychat/internal/history"
	"github.com/jeranaias/overlaychat/internal/render"
)

const testKey = "sk-or-v1-0123456789abcdef0123456789abcdef"

// =============================================================================
// FAKE GATEWAY
// =============================================================================

type fakeGateway struct {
	*httptest.Server
	streams  atomic.Int32
	diagrams atomic.Int32
	images   atomic.Int32
}

// newFakeGateway answers every stream with "4", every plain chat with a
// Mermaid diagram and every image request with a data URL.
func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /chat/completions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+testKey, r.Header.Get("Authorization"))
		var req map[string]json.RawMessage
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		switch {
		case string(req["stream"]) == "true":
			g.streams.Add(1)
			w.Header().Set("Content-Type", "text/event-stream")
			for _, line := range []string{
				`{"model":"chat-model","choices":[{"delta":{"role":"assistant","content":"4"}}]}`,
				`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
				`[DONE]`,
			} {
				fmt.Fprintf(w, "data: %s\n\n", line)
			}
		case req["modalities"] != nil:
			g.images.Add(1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"model":"image-model","choices":[{"message":{"role":"assistant","content":"","images":[{"type":"image_url","image_url":{"url":"data:image/png;base64,AAAA"}}]},"finish_reason":"stop"}]}`)
		default:
			g.diagrams.Add(1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"model":"chat-model","choices":[{"message":{"role":"assistant","content":"graph TD\n  A[2] --> C[4]"},"finish_reason":"stop"}]}`)
		}
	})

	mux.HandleFunc("GET /models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[
			{"id":"openai/gpt-4o-mini","name":"GPT-4o mini","context_length":128000,"architecture":{"output_modalities":["text"]}},
			{"id":"google/gemini-2.5-flash-image-preview","name":"Gemini Flash Image","context_length":32768,"architecture":{"output_modalities":["image","text"]}}
		]}`)
	})

	g.Server = httptest.NewServer(mux)
	t.Cleanup(g.Close)
	return g
}

// clearEnv keeps the developer's environment out of config loading.
func clearEnv(t *testing.T) {
	for _, k := range []string{
		"OPENROUTER_API_KEY", "OVERLAYCHAT_API_KEY", "OVERLAYCHAT_BASE_URL",
		"OVERLAYCHAT_MODEL", "OVERLAYCHAT_DIAGRAM_MODEL", "OVERLAYCHAT_IMAGE_MODEL",
		"OVERLAYCHAT_MAX_HISTORY", "OVERLAYCHAT_RECENT_HISTORY",
		"OVERLAYCHAT_EVENTS_BACKEND", "OVERLAYCHAT_REDIS_ADDR", "OVERLAYCHAT_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.Gateway.APIKey = testKey
	cfg.Gateway.BaseURL = baseURL
	cfg.Gateway.RequestsPerSecond = 0
	cfg.Gateway.MaxRetries = 0
	cfg.Log.Pretty = false
	cfg.Log.Level = "error"
	return cfg
}

// writeConfig saves cfg to a temp file and returns its path.
func writeConfig(t *testing.T, cfg *config.Config) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, config.Save(cfg, path))
	return path
}

// runCLI executes the root command with args and returns stdout and stderr.
func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// =============================================================================
// ASK
// =============================================================================

func TestAsk_PrintsAllThreeModalities(t *testing.T) {
	clearEnv(t)
	gw := newFakeGateway(t)
	path := writeConfig(t, testConfig(gw.URL))

	out, _, err := runCLI(t, "ask", "--config", path, "--plain", "What is 2+2?")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "4\n"), "streamed text first, got %q", out)
	assert.Contains(t, out, "✓ text")
	assert.Contains(t, out, "✓ mermaid @ (55,10)")
	assert.Contains(t, out, "✓ image @ (30,50)")
	assert.EqualValues(t, 1, gw.streams.Load())
	assert.EqualValues(t, 1, gw.diagrams.Load())
	assert.EqualValues(t, 1, gw.images.Load())
}

func TestAsk_JSONOutput(t *testing.T) {
	clearEnv(t)
	gw := newFakeGateway(t)
	path := writeConfig(t, testConfig(gw.URL))

	out, _, err := runCLI(t, "ask", "--config", path, "--json", "What is 2+2?")
	require.NoError(t, err)

	var res struct {
		Outcome struct {
			Success bool   `json:"success"`
			TurnID  string `json:"turnId"`
		} `json:"outcome"`
		Assistant history.Turn `json:"assistant"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Outcome.Success)
	assert.NotEmpty(t, res.Outcome.TurnID)
	assert.Equal(t, "4", res.Assistant.Content)
	require.NotNil(t, res.Assistant.Metadata)
	require.Len(t, res.Assistant.Metadata.Tools, 3)

	mods := map[string]bool{}
	for _, r := range res.Assistant.Metadata.Tools {
		mods[r.Modality] = true
		assert.True(t, r.Corrective)
	}
	assert.Equal(t, map[string]bool{"text": true, "diagram": true, "image": true}, mods)
}

func TestAsk_StdinAndEmptyInput(t *testing.T) {
	clearEnv(t)
	gw := newFakeGateway(t)
	path := writeConfig(t, testConfig(gw.URL))

	_, _, err := runCLI(t, "ask", "--config", path, "--plain", "--stdin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be empty")
	assert.EqualValues(t, 0, gw.streams.Load())
}

func TestAsk_RequiresAPIKey(t *testing.T) {
	clearEnv(t)
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Gateway.APIKey = ""
	path := writeConfig(t, cfg)

	_, _, err := runCLI(t, "ask", "--config", path, "hi")
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

// =============================================================================
// MODELS AND CONFIG
// =============================================================================

func TestModels_FilterImages(t *testing.T) {
	clearEnv(t)
	gw := newFakeGateway(t)
	path := writeConfig(t, testConfig(gw.URL))

	out, _, err := runCLI(t, "models", "--config", path, "--images")
	require.NoError(t, err)
	assert.Contains(t, out, "google/gemini-2.5-flash-image-preview")
	assert.NotContains(t, out, "openai/gpt-4o-mini")
	assert.Contains(t, out, "[image]")

	out, _, err = runCLI(t, "models", "--config", path, "--filter", "GPT", "--json")
	require.NoError(t, err)
	var models []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &models))
	require.Len(t, models, 1)
	assert.Equal(t, "openai/gpt-4o-mini", models[0]["id"])
}

func TestConfig_InitShowPath(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	out, _, err := runCLI(t, "config", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, _, err = runCLI(t, "config", "init", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, _, err = runCLI(t, "config", "init", "--config", path, "--force")
	require.NoError(t, err)

	out, _, err = runCLI(t, "config", "path", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, path+"\n", out)

	t.Setenv("OPENROUTER_API_KEY", testKey)
	out, _, err = runCLI(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "REDACTED")
	assert.NotContains(t, out, testKey)
	assert.Contains(t, out, `backend = "memory"`)
}

// =============================================================================
// CHAT
// =============================================================================

// scriptedInput replays lines, then reports EOF.
type scriptedInput struct {
	lines []string
}

func (s *scriptedInput) Prompt(string) (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func newTestChat(t *testing.T, out io.Writer) *chatSession {
	t.Helper()
	gw := newFakeGateway(t)
	printer := render.New(out, render.Options{ShowTools: true, Width: 80})
	app, err := NewApp(testConfig(gw.URL), zerolog.Nop(), printer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return newChatSession(app, out, false)
}

func TestChat_SessionCommands(t *testing.T) {
	var out bytes.Buffer
	s := newTestChat(t, &out)

	in := &scriptedInput{lines: []string{
		"What is 2+2?",
		"/history",
		"/status",
		"/clear",
		"/history",
		"/bogus",
		"/quit",
		"never read",
	}}
	require.NoError(t, s.loop(context.Background(), in))

	text := out.String()
	assert.Contains(t, text, "overlaychat "+Version)
	assert.Contains(t, text, "[you] What is 2+2?")
	assert.Contains(t, text, "[assistant] 4 (text, diagram, image)")
	assert.Contains(t, text, "Tool executions:   3")
	assert.Contains(t, text, "Model:             openai/gpt-4o-mini")
	assert.Contains(t, text, "API key:           [REDACTED, length=")
	assert.NotContains(t, text, "0123456789abcdef0123")
	assert.Contains(t, text, "session cleared")
	assert.Contains(t, text, "[No conversation history]")
	assert.Contains(t, text, "unknown command: /bogus")
	assert.Contains(t, text, "Session ended: 1 turns")
	assert.Equal(t, []string{"never read"}, in.lines)
	assert.Zero(t, s.app.Store.Count())
}

func TestChat_ValidationErrorIsReported(t *testing.T) {
	var out bytes.Buffer
	s := newTestChat(t, &out)

	err := s.send(context.Background(), "\xff")
	require.Error(t, err)
	assert.Equal(t, 1, s.failures)
	assert.False(t, s.cancelTurn())
}

func TestChat_HelpAndEOF(t *testing.T) {
	var out bytes.Buffer
	s := newTestChat(t, &out)
	s.quiet = true

	require.NoError(t, s.loop(context.Background(), &scriptedInput{lines: []string{"/help", "", "  "}}))
	assert.Contains(t, out.String(), "Available Commands")
	assert.NotContains(t, out.String(), "Session ended")
}

// =============================================================================
// SERVE
// =============================================================================

func TestServe_StopsOnCancel(t *testing.T) {
	gw := newFakeGateway(t)
	app, err := NewApp(testConfig(gw.URL), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, app, "127.0.0.1:0", nil, &serveOptions{}, NewRootCommand())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestFilterModels(t *testing.T) {
	models := []cloud.ModelInfo{
		{ID: "z/image", OutputModalities: []string{"image"}},
		{ID: "a/text", OutputModalities: []string{"text"}},
		{ID: "m/image", OutputModalities: []string{"text", "image"}},
	}

	ids := func(ms []cloud.ModelInfo) []string {
		out := make([]string, 0, len(ms))
		for _, m := range ms {
			out = append(out, m.ID)
		}
		return out
	}

	assert.Equal(t, []string{"a/text", "m/image", "z/image"}, ids(filterModels(models, "", false)))
	assert.Equal(t, []string{"m/image", "z/image"}, ids(filterModels(models, "", true)))
	assert.Equal(t, []string{"z/image"}, ids(filterModels(models, "Z/", true)))
	assert.Empty(t, filterModels(nil, "", false))
}
