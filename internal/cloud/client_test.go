// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "sk-or-test-abcdefghijklmnopqrstuvwxyz0123456789"

func newTestClient(url string) *OpenRouterClient {
	return NewOpenRouterClient(testKey).WithBaseURL(url)
}

const okResponse = `{
	"id": "gen-1",
	"model": "openai/gpt-4o-mini",
	"choices": [{
		"message": {"role": "assistant", "content": "graph TD; A-->B"},
		"finish_reason": "stop"
	}],
	"usage": {"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30}
}`

// =============================================================================
// CHAT
// =============================================================================

func TestChatOnce_SendsBearerAndParsesResponse(t *testing.T) {
	var got ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer "+testKey, r.Header.Get("Authorization"))
		assert.Equal(t, "overlaychat", r.Header.Get("X-Title"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, okResponse)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	resp, err := client.ChatOnce(context.Background(), ChatRequest{
		Model:    "openai/gpt-4o-mini",
		Messages: []ChatMessage{NewSystemMessage("sys"), NewUserMessage("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "graph TD; A-->B", resp.GetContent())
	assert.Equal(t, "stop", resp.GetFinishReason())
	assert.False(t, got.Stream)
	assert.Len(t, got.Messages, 2)
}

func TestChatOnce_DefaultModel(t *testing.T) {
	var model string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		model = req.Model
		fmt.Fprint(w, okResponse)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	client.SetModel("anthropic/claude-3.5-sonnet")
	_, err := client.ChatOnce(context.Background(), ChatRequest{Messages: []ChatMessage{NewUserMessage("x")}})
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-3.5-sonnet", model)
}

func TestChatOnce_NotConfigured(t *testing.T) {
	_, err := NewOpenRouterClient("  ").ChatOnce(context.Background(), ChatRequest{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestChatOnce_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"code":401,"message":"bad key"}}`, ErrAuthFailed},
		{"credits", http.StatusPaymentRequired, `{"error":{"message":"no credits"}}`, ErrInsufficientCredits},
		{"not found", http.StatusNotFound, ``, ErrModelNotFound},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, ErrRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			client := newTestClient(server.URL)
			_, err := client.ChatOnce(context.Background(), ChatRequest{Messages: []ChatMessage{NewUserMessage("x")}})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var te *TransportError
			require.True(t, errors.As(err, &te), "expected TransportError, got %T", err)
			assert.Equal(t, tt.status, te.Status)
		})
	}
}

const modelsResponseBody = `{"data":[{"id":"openai/gpt-4o-mini","name":"GPT-4o mini"}]}`

func TestListModels_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, `{"error":{"message":"upstream"}}`)
			return
		}
		fmt.Fprint(w, modelsResponseBody)
	}))
	defer server.Close()

	models, err := newTestClient(server.URL).WithMaxRetries(3).ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "openai/gpt-4o-mini", models[0].ID)
	assert.EqualValues(t, 2, calls.Load())
}

func TestListModels_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).WithMaxRetries(2).ListModels(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.EqualValues(t, 2, calls.Load())
}

func TestListModels_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).WithMaxRetries(3).ListModels(context.Background())
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestChatOnce_DoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).WithMaxRetries(5).ChatOnce(context.Background(), ChatRequest{Messages: []ChatMessage{NewUserMessage("x")}})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())

	var orErr *OpenRouterError
	require.True(t, errors.As(err, &orErr))
	assert.Equal(t, http.StatusServiceUnavailable, orErr.Status)
}

func TestListModels_ContextCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := newTestClient(server.URL).WithMaxRetries(5).ListModels(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestChatOnce_Concurrent verifies that per-request models do not leak into the
// shared client.
func TestChatOnce_Concurrent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, okResponse)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := client.ChatOnce(context.Background(), ChatRequest{
				Model:    fmt.Sprintf("test-model-%d", i%5),
				Messages: []ChatMessage{NewUserMessage("hello")},
			})
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent ChatOnce error: %v", err)
	}
	assert.Equal(t, "openrouter/auto", client.GetModel())
}

// =============================================================================
// RATE LIMITING
// =============================================================================

func TestWithRateLimit_PacesRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, okResponse)
	}))
	defer server.Close()

	client := newTestClient(server.URL).WithRateLimit(20, 1)
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := client.ChatOnce(context.Background(), ChatRequest{Messages: []ChatMessage{NewUserMessage("x")}})
		require.NoError(t, err)
	}
	// burst of 1 at 20 rps: two waits of ~50ms
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

// =============================================================================
// MODELS
// =============================================================================

func TestListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		fmt.Fprint(w, `{"data":[
			{"id":"openai/gpt-4o-mini","name":"GPT-4o mini","context_length":128000,
			 "pricing":{"prompt":"0.00000015","completion":"0.0000006"},
			 "architecture":{"output_modalities":["text"]}},
			{"id":"google/gemini-2.5-flash-image-preview","name":"Nano Banana",
			 "architecture":{"output_modalities":["image","text"]}}
		]}`)
	}))
	defer server.Close()

	models, err := newTestClient(server.URL).ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, 128000, models[0].ContextSize)
	assert.Equal(t, "0.00000015", models[0].Pricing.Prompt)
	assert.False(t, models[0].SupportsImages())
	assert.True(t, models[1].SupportsImages())
}

// =============================================================================
// KEYS
// =============================================================================

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{testKey, true},
		{"sk-or-short", false},
		{"sk-xx-abcdefghijklmnopqrstuvwxyz0123456789", false},
		{"sk-or-aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidateAPIKey(tt.key), "key %q", tt.key)
	}
}

func TestAPIKeyMasked_NeverLeaksKey(t *testing.T) {
	client := NewOpenRouterClient(testKey)
	masked := client.APIKeyMasked()
	assert.NotContains(t, masked, "abcdefghij")
	assert.Contains(t, masked, client.KeyFingerprint())
	assert.Len(t, client.KeyFingerprint(), 8)
	assert.Equal(t, "[not set]", NewOpenRouterClient("").APIKeyMasked())
}
