// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/overlaychat/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete overlaychat configuration.
type Config struct {
	Gateway GatewayConfig `toml:"gateway"`
	History HistoryConfig `toml:"history"`
	Policy  PolicyConfig  `toml:"policy"`
	Events  EventsConfig  `toml:"events"`
	Bridge  BridgeConfig  `toml:"bridge"`
	Log     LogConfig     `toml:"log"`
}

// GatewayConfig contains the AI gateway (OpenRouter-compatible) settings.
type GatewayConfig struct {
	// APIKey is the bearer token for the gateway
	APIKey string `toml:"api_key"`
	// BaseURL is the API root, e.g. https://openrouter.ai/api/v1
	BaseURL string `toml:"base_url"`
	// ChatModel drives the streamed turn and tool calling
	ChatModel string `toml:"chat_model"`
	// DiagramModel produces Mermaid source for generateMermaidDiagram
	DiagramModel string `toml:"diagram_model"`
	// ImageModel must be image-capable
	ImageModel string `toml:"image_model"`
	// TimeoutSecs bounds non-streaming requests
	TimeoutSecs int `toml:"timeout_secs"`
	// StreamTimeoutSecs bounds a streamed turn at the transport level (0 = none)
	StreamTimeoutSecs int `toml:"stream_timeout_secs"`
	// MaxRetries applies to model listing only; chat, stream and image
	// requests are single attempts
	MaxRetries int `toml:"max_retries"`
	// RequestsPerSecond paces outgoing requests (0 = unlimited)
	RequestsPerSecond float64 `toml:"requests_per_second"`
	// Burst is the limiter bucket size
	Burst int `toml:"burst"`
	// SiteURL and SiteName are sent as HTTP-Referer / X-Title
	SiteURL  string `toml:"site_url"`
	SiteName string `toml:"site_name"`
}

// HistoryConfig bounds the in-memory conversation history.
type HistoryConfig struct {
	// MaxItems is the FIFO bound on stored turns
	MaxItems int `toml:"max_items"`
	// RecentItems is how many recent turns are sent as context
	RecentItems int `toml:"recent_items"`
	// MaxEvents bounds the recorded presentation events
	MaxEvents int `toml:"max_events"`
}

// PositionConfig is a percentage coordinate on screen.
type PositionConfig struct {
	X float64 `toml:"x"`
	Y float64 `toml:"y"`
}

// PolicyConfig describes the turn completion policy.
type PolicyConfig struct {
	// Required lists the modalities every turn must produce: text, diagram, image
	Required []string `toml:"required"`
	// Default positions for corrective invocations
	TextPosition    PositionConfig `toml:"text_position"`
	DiagramPosition PositionConfig `toml:"diagram_position"`
	ImagePosition   PositionConfig `toml:"image_position"`
	// PromptPrefixRunes bounds the streamed text used to derive corrective prompts
	PromptPrefixRunes int `toml:"prompt_prefix_runes"`
	// MaxY keeps elements from being placed off screen
	MaxY float64 `toml:"max_y"`
}

// EventsConfig selects the presentation event bus backend.
type EventsConfig struct {
	// Backend is "memory" (in-process) or "redis" (Redis Streams)
	Backend string `toml:"backend"`
	// Topic is the watermill topic / Redis stream name
	Topic string `toml:"topic"`
	// RedisAddr is used when Backend is "redis"
	RedisAddr string `toml:"redis_addr"`
}

// BridgeConfig configures the renderer WebSocket bridge.
type BridgeConfig struct {
	Addr           string   `toml:"addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error
	Level string `toml:"level"`
	// Pretty enables human-readable console output
	Pretty bool `toml:"pretty"`
}

// Timeout returns the non-streaming request timeout.
func (g GatewayConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSecs) * time.Second
}

// StreamTimeout returns the transport timeout applied to streamed turns.
func (g GatewayConfig) StreamTimeout() time.Duration {
	return time.Duration(g.StreamTimeoutSecs) * time.Second
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			BaseURL:           "https://openrouter.ai/api/v1",
			ChatModel:         "openai/gpt-4o-mini",
			DiagramModel:      "openai/gpt-4o-mini",
			ImageModel:        "google/gemini-2.5-flash-image-preview",
			TimeoutSecs:       60,
			StreamTimeoutSecs: 180,
			MaxRetries:        3,
			RequestsPerSecond: 5,
			Burst:             5,
			SiteURL:           "https://overlaychat.local",
			SiteName:          "overlaychat",
		},
		History: HistoryConfig{
			MaxItems:    100,
			RecentItems: 10,
			MaxEvents:   200,
		},
		Policy: PolicyConfig{
			Required:          []string{"text", "diagram", "image"},
			TextPosition:      PositionConfig{X: 10, Y: 10},
			DiagramPosition:   PositionConfig{X: 55, Y: 10},
			ImagePosition:     PositionConfig{X: 30, Y: 50},
			PromptPrefixRunes: 400,
			MaxY:              65,
		},
		Events: EventsConfig{
			Backend:   "memory",
			Topic:     "presentation",
			RedisAddr: "127.0.0.1:6379",
		},
		Bridge: BridgeConfig{
			Addr:           "127.0.0.1:7878",
			AllowedOrigins: []string{"localhost", "127.0.0.1"},
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the overlaychat configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".overlaychat"), nil
}

// ConfigPath returns the path to the default TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from path, or from the default location when path
// is empty. A missing file yields the defaults. Environment overrides are
// applied last, then the result is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		defaultPath, err := ConfigPath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}

	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file over cfg and fills missing values with defaults.
func LoadTOML(cfg *Config, path string) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	fillDefaults(cfg)
	return nil
}

// fillDefaults fills in zero values with defaults.
func fillDefaults(cfg *Config) {
	d := Default()

	if cfg.Gateway.BaseURL == "" {
		cfg.Gateway.BaseURL = d.Gateway.BaseURL
	}
	if cfg.Gateway.ChatModel == "" {
		cfg.Gateway.ChatModel = d.Gateway.ChatModel
	}
	if cfg.Gateway.DiagramModel == "" {
		cfg.Gateway.DiagramModel = cfg.Gateway.ChatModel
	}
	if cfg.Gateway.ImageModel == "" {
		cfg.Gateway.ImageModel = d.Gateway.ImageModel
	}
	if cfg.Gateway.TimeoutSecs == 0 {
		cfg.Gateway.TimeoutSecs = d.Gateway.TimeoutSecs
	}
	if cfg.Gateway.Burst == 0 {
		cfg.Gateway.Burst = d.Gateway.Burst
	}

	if cfg.History.MaxItems == 0 {
		cfg.History.MaxItems = d.History.MaxItems
	}
	if cfg.History.RecentItems == 0 {
		cfg.History.RecentItems = d.History.RecentItems
	}
	if cfg.History.MaxEvents == 0 {
		cfg.History.MaxEvents = d.History.MaxEvents
	}

	if len(cfg.Policy.Required) == 0 {
		cfg.Policy.Required = d.Policy.Required
	}
	if cfg.Policy.PromptPrefixRunes == 0 {
		cfg.Policy.PromptPrefixRunes = d.Policy.PromptPrefixRunes
	}
	if cfg.Policy.MaxY == 0 {
		cfg.Policy.MaxY = d.Policy.MaxY
	}

	if cfg.Events.Backend == "" {
		cfg.Events.Backend = d.Events.Backend
	}
	if cfg.Events.Topic == "" {
		cfg.Events.Topic = d.Events.Topic
	}
	if cfg.Events.RedisAddr == "" {
		cfg.Events.RedisAddr = d.Events.RedisAddr
	}

	if cfg.Bridge.Addr == "" {
		cfg.Bridge.Addr = d.Bridge.Addr
	}
	if len(cfg.Bridge.AllowedOrigins) == 0 {
		cfg.Bridge.AllowedOrigins = d.Bridge.AllowedOrigins
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to path as TOML with 0600 permissions.
// SECURITY: the file holds the gateway API key.
func Save(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# overlaychat configuration file\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies OPENROUTER_API_KEY and OVERLAYCHAT_* variables.
func (c *Config) ApplyEnvOverrides() {
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		c.Gateway.APIKey = key
	}
	if key := os.Getenv("OVERLAYCHAT_API_KEY"); key != "" {
		c.Gateway.APIKey = key
	}
	if baseURL := os.Getenv("OVERLAYCHAT_BASE_URL"); baseURL != "" {
		c.Gateway.BaseURL = baseURL
	}
	if model := os.Getenv("OVERLAYCHAT_MODEL"); model != "" {
		c.Gateway.ChatModel = model
	}
	if model := os.Getenv("OVERLAYCHAT_DIAGRAM_MODEL"); model != "" {
		c.Gateway.DiagramModel = model
	}
	if model := os.Getenv("OVERLAYCHAT_IMAGE_MODEL"); model != "" {
		c.Gateway.ImageModel = model
	}
	if maxItems := os.Getenv("OVERLAYCHAT_MAX_HISTORY"); maxItems != "" {
		if n, err := strconv.Atoi(maxItems); err == nil {
			c.History.MaxItems = n
		}
	}
	if recent := os.Getenv("OVERLAYCHAT_RECENT_HISTORY"); recent != "" {
		if n, err := strconv.Atoi(recent); err == nil {
			c.History.RecentItems = n
		}
	}
	if backend := os.Getenv("OVERLAYCHAT_EVENTS_BACKEND"); backend != "" {
		c.Events.Backend = backend
	}
	if addr := os.Getenv("OVERLAYCHAT_REDIS_ADDR"); addr != "" {
		c.Events.RedisAddr = addr
	}
	if level := os.Getenv("OVERLAYCHAT_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

var (
	validModalities = map[string]bool{"text": true, "diagram": true, "image": true}
	validBackends   = map[string]bool{"memory": true, "redis": true}
	validLogLevels  = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "disabled": true}
)

// Validate checks the configuration and returns ValidateErrors if anything is off.
// The API key is not required here: commands that talk to the gateway check it.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Gateway
	if u, err := url.Parse(c.Gateway.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("gateway.base_url", "invalid URL %q", c.Gateway.BaseURL)
	}
	if strings.TrimSpace(c.Gateway.ChatModel) == "" {
		add("gateway.chat_model", "must not be empty")
	}
	if strings.TrimSpace(c.Gateway.ImageModel) == "" {
		add("gateway.image_model", "must not be empty")
	}
	if c.Gateway.TimeoutSecs < 1 || c.Gateway.TimeoutSecs > 600 {
		add("gateway.timeout_secs", "must be 1-600, got %d", c.Gateway.TimeoutSecs)
	}
	if c.Gateway.StreamTimeoutSecs < 0 {
		add("gateway.stream_timeout_secs", "cannot be negative")
	}
	if c.Gateway.MaxRetries < 0 || c.Gateway.MaxRetries > 10 {
		add("gateway.max_retries", "must be 0-10, got %d", c.Gateway.MaxRetries)
	}
	if c.Gateway.RequestsPerSecond < 0 {
		add("gateway.requests_per_second", "cannot be negative")
	}
	if c.Gateway.Burst < 1 {
		add("gateway.burst", "must be at least 1, got %d", c.Gateway.Burst)
	}

	// History
	if c.History.MaxItems < 1 {
		add("history.max_items", "must be at least 1, got %d", c.History.MaxItems)
	}
	if c.History.RecentItems < 1 || c.History.RecentItems > c.History.MaxItems {
		add("history.recent_items", "must be 1-%d, got %d", c.History.MaxItems, c.History.RecentItems)
	}
	if c.History.MaxEvents < 0 {
		add("history.max_events", "cannot be negative")
	}

	// Policy
	seen := make(map[string]bool)
	for _, m := range c.Policy.Required {
		if !validModalities[m] {
			add("policy.required", "unknown modality %q, must be text, diagram or image", m)
		}
		if seen[m] {
			add("policy.required", "duplicate modality %q", m)
		}
		seen[m] = true
	}
	if c.Policy.MaxY <= 0 || c.Policy.MaxY > 100 {
		add("policy.max_y", "must be in (0,100], got %v", c.Policy.MaxY)
	}
	for field, p := range map[string]PositionConfig{
		"policy.text_position":    c.Policy.TextPosition,
		"policy.diagram_position": c.Policy.DiagramPosition,
		"policy.image_position":   c.Policy.ImagePosition,
	} {
		if p.X < 0 || p.X > 100 || p.Y < 0 || p.Y > c.Policy.MaxY {
			add(field, "(%v,%v) outside x in [0,100], y in [0,%v]", p.X, p.Y, c.Policy.MaxY)
		}
	}
	if c.Policy.PromptPrefixRunes < 16 {
		add("policy.prompt_prefix_runes", "must be at least 16, got %d", c.Policy.PromptPrefixRunes)
	}

	// Events
	if !validBackends[c.Events.Backend] {
		add("events.backend", "must be memory or redis, got %q", c.Events.Backend)
	}
	if strings.TrimSpace(c.Events.Topic) == "" {
		add("events.topic", "must not be empty")
	}

	// Log
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		add("log.level", "invalid level %q", c.Log.Level)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// DISPLAY
// =============================================================================

// String renders the configuration as TOML with the API key masked.
// SECURITY: never print any part of the key.
func (c *Config) String() string {
	masked := *c
	masked.Gateway.APIKey = MaskKey(c.Gateway.APIKey)

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(masked); err != nil {
		return fmt.Sprintf("config encode error: %v", err)
	}
	return buf.String()
}

// MaskKey returns a display form of an API key that reveals only its length
// and a short SHA-256 fingerprint.
func MaskKey(key string) string {
	if key == "" {
		return "[not set]"
	}
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("[REDACTED, length=%d, fingerprint=%s]", len(key), hex.EncodeToString(h[:4]))
}
