// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Configuration constants for the gateway API.
const (
	// DefaultOpenRouterURL is the base URL for OpenRouter API.
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

	// DefaultTimeout is the default timeout for non-streaming API requests.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRetries is the default number of retry attempts for transient errors.
	DefaultMaxRetries = 3

	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay is the maximum delay for exponential backoff.
	retryMaxDelay = 10 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	// SECURITY: Response size limit prevents memory exhaustion. Image
	// responses carry base64 data URLs, so the limit is generous.
	MaxResponseSize = 32 * 1024 * 1024

	userAgent = "overlaychat/0.1.0"
)

// newHTTPClient returns a pooled client. A zero timeout leaves the request
// bounded only by its context (used for streaming).
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// ChatMessage represents a single message in a chat conversation.
type ChatMessage struct {
	Role       string     `json:"role"` // "user", "assistant", "system" or "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`

	// Images is populated on responses from image-capable models.
	Images []ImagePart `json:"images,omitempty"`
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) ChatMessage {
	return ChatMessage{Role: "user", Content: content}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: content}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) ChatMessage {
	return ChatMessage{Role: "system", Content: content}
}

// ImagePart is one generated image in a response message.
type ImagePart struct {
	Type     string `json:"type"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition advertises a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition is the function part of a ToolDefinition.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatRequest represents a request to the chat completions endpoint.
type ChatRequest struct {
	Model       string           `json:"model"`
	Messages    []ChatMessage    `json:"messages"`
	Stream      bool             `json:"stream"`
	Temperature float64          `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
	Modalities  []string         `json:"modalities,omitempty"`
}

// Choice is one completion choice.
type Choice struct {
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatResponse represents a response from the chat completions endpoint.
type ChatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// GetContent returns the content of the first choice, or empty string if none.
func (r *ChatResponse) GetContent() string {
	if len(r.Choices) > 0 {
		return r.Choices[0].Message.Content
	}
	return ""
}

// GetFinishReason returns the finish reason of the first choice.
func (r *ChatResponse) GetFinishReason() string {
	if len(r.Choices) > 0 {
		return r.Choices[0].FinishReason
	}
	return ""
}

// Pricing represents the pricing information for a model.
type Pricing struct {
	Prompt     string `json:"prompt"`     // Cost per token for prompts
	Completion string `json:"completion"` // Cost per token for completions
	Image      string `json:"image,omitempty"`
}

// ModelInfo represents information about an available model.
type ModelInfo struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	ContextSize      int      `json:"context_length"`
	Pricing          Pricing  `json:"pricing"`
	OutputModalities []string `json:"output_modalities,omitempty"`
}

// SupportsImages reports whether the model can produce image output.
func (m ModelInfo) SupportsImages() bool {
	for _, mod := range m.OutputModalities {
		if mod == "image" {
			return true
		}
	}
	return false
}

// modelsResponse is the internal response structure for listing models.
type modelsResponse struct {
	Data []struct {
		ID            string   `json:"id"`
		Name          string   `json:"name"`
		ContextLength int      `json:"context_length"`
		Pricing       *Pricing `json:"pricing"`
		Architecture  *struct {
			OutputModalities []string `json:"output_modalities"`
		} `json:"architecture"`
	} `json:"data"`
}

// apiErrorResponse represents an error response from the API.
type apiErrorResponse struct {
	Error struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// RequestObserver receives one observation per HTTP round trip.
type RequestObserver interface {
	ObserveRequest(op string, status int, d time.Duration)
}

// OpenRouterClient is a client for communicating with the gateway API.
type OpenRouterClient struct {
	apiKey        string
	baseURL       string
	httpClient    *http.Client
	streamClient  *http.Client
	model         string
	maxRetries    int
	timeout       time.Duration
	streamTimeout time.Duration
	siteURL       string
	siteName      string

	limiter  *rate.Limiter
	logger   zerolog.Logger
	observer RequestObserver
}

// NewOpenRouterClient creates a new client with the given API key.
//
// The API key should be in the format "sk-or-..." as provided by OpenRouter.
// If the API key is empty, the client will still be created but requests
// will fail with ErrNotConfigured.
func NewOpenRouterClient(apiKey string) *OpenRouterClient {
	return &OpenRouterClient{
		apiKey:       strings.TrimSpace(apiKey),
		baseURL:      DefaultOpenRouterURL,
		httpClient:   newHTTPClient(DefaultTimeout),
		streamClient: newHTTPClient(0),
		model:        "openrouter/auto",
		maxRetries:   DefaultMaxRetries,
		timeout:      DefaultTimeout,
		siteURL:      "https://overlaychat.local",
		siteName:     "overlaychat",
		limiter:      rate.NewLimiter(rate.Inf, 1),
		logger:       zerolog.Nop(),
	}
}

// WithBaseURL sets a custom base URL for the API.
func (c *OpenRouterClient) WithBaseURL(url string) *OpenRouterClient {
	c.baseURL = strings.TrimSuffix(url, "/")
	return c
}

// WithTimeout sets the non-streaming request timeout.
func (c *OpenRouterClient) WithTimeout(timeout time.Duration) *OpenRouterClient {
	c.timeout = timeout
	c.httpClient.Timeout = timeout
	return c
}

// WithStreamTimeout bounds a whole streamed response (0 disables).
func (c *OpenRouterClient) WithStreamTimeout(timeout time.Duration) *OpenRouterClient {
	c.streamTimeout = timeout
	return c
}

// WithMaxRetries sets the maximum number of attempts for retryable requests.
func (c *OpenRouterClient) WithMaxRetries(maxRetries int) *OpenRouterClient {
	c.maxRetries = maxRetries
	return c
}

// WithSiteURL sets the site URL sent as HTTP-Referer.
func (c *OpenRouterClient) WithSiteURL(url string) *OpenRouterClient {
	c.siteURL = url
	return c
}

// WithSiteName sets the site name sent as X-Title.
func (c *OpenRouterClient) WithSiteName(name string) *OpenRouterClient {
	c.siteName = name
	return c
}

// WithRateLimit paces outgoing requests. rps <= 0 disables pacing.
func (c *OpenRouterClient) WithRateLimit(rps float64, burst int) *OpenRouterClient {
	if rps <= 0 {
		c.limiter = rate.NewLimiter(rate.Inf, 1)
		return c
	}
	if burst < 1 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	return c
}

// WithLogger sets the logger. The API key is never logged.
func (c *OpenRouterClient) WithLogger(l zerolog.Logger) *OpenRouterClient {
	c.logger = l.With().Str("component", "gateway").Str("key", c.keyFingerprint()).Logger()
	return c
}

// WithObserver registers a request observer (metrics).
func (c *OpenRouterClient) WithObserver(o RequestObserver) *OpenRouterClient {
	c.observer = o
	return c
}

// SetModel sets the default model for requests that do not name one.
func (c *OpenRouterClient) SetModel(model string) {
	c.model = model
}

// GetModel returns the default model.
func (c *OpenRouterClient) GetModel() string {
	return c.model
}

// IsConfigured returns true if the client has an API key configured.
func (c *OpenRouterClient) IsConfigured() bool {
	return c.apiKey != ""
}

// APIKeyMasked returns a masked version of the API key for display.
// SECURITY: Never exposes API key fragments - use fingerprint instead.
func (c *OpenRouterClient) APIKeyMasked() string {
	if c.apiKey == "" {
		return "[not set]"
	}
	return fmt.Sprintf("[REDACTED, length=%d, fingerprint=%s]", len(c.apiKey), c.keyFingerprint())
}

// KeyFingerprint returns a secure fingerprint of the API key for logging.
func (c *OpenRouterClient) KeyFingerprint() string {
	return c.keyFingerprint()
}

func (c *OpenRouterClient) keyFingerprint() string {
	if c.apiKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(c.apiKey))
	return hex.EncodeToString(h[:4])
}

// =============================================================================
// REQUEST PLUMBING
// =============================================================================

// setHeaders sets the required headers for gateway requests.
func (c *OpenRouterClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	if c.siteURL != "" {
		req.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.siteName != "" {
		req.Header.Set("X-Title", c.siteName)
	}
}

func (c *OpenRouterClient) observe(op string, status int, start time.Time) {
	d := time.Since(start)
	c.logger.Debug().Str("op", op).Int("status", status).Dur("duration", d).Msg("gateway request")
	if c.observer != nil {
		c.observer.ObserveRequest(op, status, d)
	}
}

// resolveModel fills in the client's default model.
func (c *OpenRouterClient) resolveModel(req *ChatRequest) {
	if req.Model == "" {
		req.Model = c.model
	}
}

// readResponse reads the response body with size limits to prevent memory exhaustion.
func readResponse(resp *http.Response) ([]byte, error) {
	limitedReader := io.LimitReader(resp.Body, MaxResponseSize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("%w: exceeded %d bytes", ErrResponseTooLarge, MaxResponseSize)
	}
	return body, nil
}

// doRequest performs a single non-streaming chat completion round trip.
// SECURITY: Clears Authorization header after request to prevent logging.
func (c *OpenRouterClient) doRequest(ctx context.Context, op string, reqBody ChatRequest) (*ChatResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, transportErr(op, 0, err)
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	req.Header.Del("Authorization")
	if err != nil {
		c.observe(op, 0, start)
		return nil, transportErr(op, 0, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()
	c.observe(op, resp.StatusCode, start)

	body, err := readResponse(resp)
	if err != nil {
		return nil, transportErr(op, resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, transportErr(op, resp.StatusCode, c.handleErrorResponse(resp, body))
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, transportErr(op, resp.StatusCode, fmt.Errorf("failed to parse response: %w", err))
	}
	return &chatResp, nil
}

// handleErrorResponse converts HTTP error responses to appropriate Go errors.
func (c *OpenRouterClient) handleErrorResponse(resp *http.Response, body []byte) error {
	statusCode := resp.StatusCode

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		orErr := &OpenRouterError{
			Code:    strings.Trim(string(apiErr.Error.Code), `"`),
			Message: apiErr.Error.Message,
			Status:  statusCode,
		}

		switch statusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrAuthFailed, orErr.Message)
		case http.StatusPaymentRequired:
			return fmt.Errorf("%w: %s", ErrInsufficientCredits, orErr.Message)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrModelNotFound, orErr.Message)
		case http.StatusTooManyRequests:
			return &RateLimitError{RetryAfter: parseRetryAfter(resp), Message: orErr.Message}
		default:
			return orErr
		}
	}

	// Fallback for unparseable error responses
	switch statusCode {
	case http.StatusUnauthorized:
		return ErrAuthFailed
	case http.StatusPaymentRequired:
		return ErrInsufficientCredits
	case http.StatusNotFound:
		return ErrModelNotFound
	case http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp)}
	default:
		return &OpenRouterError{
			Message: strings.TrimSpace(string(body)),
			Status:  statusCode,
		}
	}
}

// parseRetryAfter reads Retry-After as seconds or an HTTP date.
func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

// isRetryable determines if an error should trigger a retry.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var orErr *OpenRouterError
	if errors.As(err, &orErr) {
		return orErr.Status >= 500 && orErr.Status < 600
	}
	return false
}

// calculateBackoff returns the delay to wait before the next retry.
func calculateBackoff(attempt int) time.Duration {
	delay := retryBaseDelay * time.Duration(1<<uint(attempt))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// =============================================================================
// PUBLIC OPERATIONS
// =============================================================================

// ChatOnce performs a single non-streaming chat completion. It is never
// retried: one call is one gateway request.
func (c *OpenRouterClient) ChatOnce(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	c.resolveModel(&req)
	req.Stream = false
	return c.doRequest(ctx, "chat", req)
}

// withRetry runs fn until it succeeds, fails with a non-retryable error or
// the attempt budget is spent. Rate limiting and server errors back off
// exponentially, honoring Retry-After when it is longer.
func (c *OpenRouterClient) withRetry(ctx context.Context, op string, fn func() error) error {
	attempts := c.maxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(attempt)
			var rl *RateLimitError
			if errors.As(lastErr, &rl) && rl.RetryAfter > delay && rl.RetryAfter <= retryMaxDelay {
				delay = rl.RetryAfter
			}
			c.logger.Warn().Err(lastErr).Str("op", op).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying gateway request")
			select {
			case <-ctx.Done():
				return transportErr(op, 0, ctx.Err())
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}

	return transportErr(op, 0, fmt.Errorf("max retries exceeded: %w", lastErr))
}

// ListModels retrieves the list of available models from the gateway.
// The listing is idempotent, so transient failures are retried.
func (c *OpenRouterClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var models []ModelInfo
	err := c.withRetry(ctx, "models", func() error {
		var err error
		models, err = c.listModelsOnce(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return models, nil
}

func (c *OpenRouterClient) listModelsOnce(ctx context.Context) ([]ModelInfo, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, transportErr("models", 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	// Models endpoint doesn't require auth
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe("models", 0, start)
		return nil, transportErr("models", 0, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()
	c.observe("models", resp.StatusCode, start)

	body, err := readResponse(resp)
	if err != nil {
		return nil, transportErr("models", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, transportErr("models", resp.StatusCode, &OpenRouterError{
			Message: fmt.Sprintf("failed to list models: %s", strings.TrimSpace(string(body))),
			Status:  resp.StatusCode,
		})
	}

	var modelsResp modelsResponse
	if err := json.Unmarshal(body, &modelsResp); err != nil {
		return nil, transportErr("models", resp.StatusCode, fmt.Errorf("failed to parse models response: %w", err))
	}

	models := make([]ModelInfo, 0, len(modelsResp.Data))
	for _, m := range modelsResp.Data {
		info := ModelInfo{
			ID:          m.ID,
			Name:        m.Name,
			ContextSize: m.ContextLength,
		}
		if m.Pricing != nil {
			info.Pricing = *m.Pricing
		}
		if m.Architecture != nil {
			info.OutputModalities = m.Architecture.OutputModalities
		}
		models = append(models, info)
	}
	return models, nil
}

// ValidateAPIKey checks if the API key format appears valid.
// Note: This doesn't verify the key with the gateway, just checks the format.
func ValidateAPIKey(apiKey string) bool {
	apiKey = strings.TrimSpace(apiKey)

	// OpenRouter keys start with "sk-or-"
	if !strings.HasPrefix(apiKey, "sk-or-") {
		return false
	}

	// sk-or- prefix + at least 32 chars
	if len(apiKey) < 38 {
		return false
	}

	// Detect obvious test keys like "sk-or-aaaaaaaaaa"
	uniqueChars := make(map[rune]bool)
	for _, char := range apiKey[6:] {
		uniqueChars[char] = true
	}
	return len(uniqueChars) >= 10
}
