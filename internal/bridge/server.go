// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeranaias/overlaychat/internal/events"
	"github.com/jeranaias/overlaychat/internal/history"
	"github.com/jeranaias/overlaychat/internal/logging"
	"github.com/jeranaias/overlaychat/internal/metrics"
	"github.com/jeranaias/overlaychat/internal/turn"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr binds to localhost only.
	DefaultAddr = "127.0.0.1:7878"

	// Version is reported by /healthz.
	Version = "0.1.0"

	// MaxFrameBytes bounds one inbound WebSocket message.
	MaxFrameBytes = 64 * 1024

	defaultSendQueue    = 256
	defaultWriteTimeout = 5 * time.Second

	// subscriberName is the bus subscription used for broadcasting.
	subscriberName = "bridge"
)

// Command and reply types on /ws.
const (
	TypeRunTurn    = "run-turn"
	TypeClear      = "clear"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeTurnResult = "turn-result"
	TypeError      = "error"
)

// ============================================================================
// COLLABORATORS
// ============================================================================

// Runner runs and clears turns.
type Runner interface {
	RunTurnFrom(ctx context.Context, source, userText string) (turn.Outcome, error)
	Clear(ctx context.Context) error
}

// Subscriber delivers presentation events.
type Subscriber interface {
	Subscribe(ctx context.Context, name string, handler events.Handler) error
}

// Config configures the bridge server.
type Config struct {
	Addr           string
	AllowedOrigins []string
	SendQueue      int
	WriteTimeout   time.Duration
}

// Command is an inbound message.
type Command struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Reply is an outbound message that is not a presentation event.
type Reply struct {
	Type    string `json:"type"`
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	TurnID  string `json:"turnId,omitempty"`
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Clients       int    `json:"clients"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the bridge HTTP server.
type Server struct {
	cfg     Config
	runner  Runner
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mux     *http.ServeMux
	server  *http.Server
	started time.Time

	mu      sync.RWMutex
	clients map[string]*client
}

// New creates a bridge server. Routes are registered immediately.
func New(cfg Config, runner Runner, logger zerolog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.AllowedOrigins == nil {
		cfg.AllowedOrigins = DefaultAllowedOrigins
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	s := &Server{
		cfg:     cfg,
		runner:  runner,
		logger:  logging.Component(logger, "bridge"),
		mux:     http.NewServeMux(),
		started: time.Now(),
		clients: make(map[string]*client),
	}
	s.setupRoutes()
	return s
}

// WithMetrics exposes m on /metrics and tracks connected clients.
func (s *Server) WithMetrics(m *metrics.Metrics) *Server {
	s.metrics = m
	if m != nil {
		s.mux.Handle("GET /metrics", m.Handler())
	}
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return Chain(
		RecoveryMiddleware(s.logger),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(s.logger),
	)(s.mux)
}

// Attach subscribes to bus and pushes every event to connected clients
// until ctx is done.
func (s *Server) Attach(ctx context.Context, bus Subscriber) error {
	return bus.Subscribe(ctx, subscriberName, func(env events.Envelope, _ events.Event) error {
		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("marshal envelope: %w", err)
		}
		s.Broadcast(data)
		return nil
	})
}

// Broadcast queues data for every client. Slow clients drop messages
// instead of stalling the bus.
func (s *Server) Broadcast(data []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, c := range s.clients {
		if !c.enqueue(data) {
			s.logger.Warn().Str("client", id).Msg("send queue full, dropping event")
		}
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Str("version", Version).Msg("bridge listening")
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops accepting connections and closes every client.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info().Int("clients", s.Clients()).Msg("bridge shutting down")

	s.mu.RLock()
	for _, c := range s.clients {
		c.close()
	}
	s.mu.RUnlock()

	return s.server.Shutdown(ctx)
}

// ============================================================================
// HANDLERS
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Version:       Version,
		Clients:       s.Clients(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if err := checkOrigin(r, s.cfg.AllowedOrigins); err != nil {
		s.logger.Info().Err(err).Str("remote", r.RemoteAddr).Msg("rejected origin")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	conn.SetReadLimit(MaxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newClient(uuid.NewString()[:8], conn, s.cfg.SendQueue)
	log := s.logger.With().Str("client", c.id).Logger()
	s.register(c)
	defer s.unregister(c)
	log.Info().Str("remote", r.RemoteAddr).Msg("client connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := c.writeLoop(ctx, s.cfg.WriteTimeout); err != nil {
			log.Debug().Err(err).Msg("write loop ended")
		}
		cancel()
	}()

	var turns sync.WaitGroup
	s.readLoop(ctx, c, &turns, log)

	cancel()
	turns.Wait()
	c.close()
	<-writerDone
	log.Info().Msg("client disconnected")
}

// readLoop dispatches commands until the connection ends.
func (s *Server) readLoop(ctx context.Context, c *client, turns *sync.WaitGroup, log zerolog.Logger) {
	for {
		mt, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		if mt != websocket.MessageText {
			s.reply(c, Reply{Type: TypeError, Error: "text frames only"})
			continue
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.reply(c, Reply{Type: TypeError, Error: "invalid JSON"})
			continue
		}

		switch cmd.Type {
		case TypeRunTurn:
			turns.Add(1)
			go func(text string) {
				defer turns.Done()
				out, err := s.runner.RunTurnFrom(ctx, history.SourceBridge, text)
				if err != nil {
					log.Debug().Err(err).Msg("turn did not succeed")
				}
				s.reply(c, Reply{Type: TypeTurnResult, Success: out.Success, Error: out.Error, TurnID: out.TurnID})
			}(cmd.Text)

		case TypeClear:
			if err := s.runner.Clear(ctx); err != nil {
				s.reply(c, Reply{Type: TypeError, Error: err.Error()})
			}

		case TypePing:
			s.reply(c, Reply{Type: TypePong})

		default:
			s.reply(c, Reply{Type: TypeError, Error: fmt.Sprintf("unsupported type: %q", cmd.Type)})
		}
	}
}

func (s *Server) reply(c *client, r Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if !c.enqueue(data) {
		s.logger.Warn().Str("client", c.id).Str("type", r.Type).Msg("send queue full, dropping reply")
	}
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ClientConnected()
	}
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ClientDisconnected()
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("encode response")
	}
}
