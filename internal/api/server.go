// Package api hosts KenoBot's synchronous HTTP surface: a signed
// webhook and a bearer-authenticated REST API on one listener. Both
// talk to the agent the way every other channel does, by firing
// INCOMING_MESSAGE on the bus and parking the handler in a pending
// table until the matching OUTGOING_MESSAGE arrives.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kenobot/kenobot/internal/agent"
	"github.com/kenobot/kenobot/internal/bus"
	"github.com/kenobot/kenobot/internal/memory"
	"github.com/kenobot/kenobot/internal/scheduler"
	"github.com/kenobot/kenobot/internal/sleep"
	"github.com/kenobot/kenobot/internal/usage"
	"github.com/kenobot/kenobot/internal/watchdog"
)

// Error codes carried in REST error envelopes.
const (
	codeUnauthorized   = "UNAUTHORIZED"
	codeNotFound       = "NOT_FOUND"
	codeRateLimited    = "RATE_LIMITED"
	codeBudgetExceeded = "BUDGET_EXCEEDED"
	codeGatewayTimeout = "GATEWAY_TIMEOUT"
	codeConflict       = "CONFLICT"
	codeMissingField   = "MISSING_FIELD"
	codeInvalidBody    = "INVALID_BODY"
	codeInvalidCron    = "INVALID_CRON"
	codeInternalError  = "INTERNAL_ERROR"
)

// Config tunes the HTTP surface.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string
	// WebhookSecret signs webhook bodies. Empty rejects every webhook
	// call with 401.
	WebhookSecret string
	// APIKey is the REST bearer token. Empty rejects every protected
	// route with 401.
	APIKey string
	// RateLimit is requests per client per RateWindow across all
	// /api/v1 routes. Zero or negative disables limiting.
	RateLimit  int
	RateWindow time.Duration
	// WebhookTimeout bounds how long a webhook call waits for the
	// agent before answering 408.
	WebhookTimeout time.Duration
	// APITimeout bounds the send-message wait before 504.
	APITimeout time.Duration
}

// Deps are the server's collaborators. Bus and Conversations are
// required; handlers whose optional subsystem is missing answer 500 so
// a partly wired daemon fails loudly instead of lying.
type Deps struct {
	Logger        *slog.Logger
	Bus           *bus.Bus
	Conversations *memory.ConversationStore
	LongTerm      *memory.LongTermStore
	Usage         *usage.Store
	Budget        *usage.Budget
	Scheduler     *scheduler.Scheduler
	Sleep         *sleep.Supervisor
	Watchdog      *watchdog.Watchdog
	Tasks         *agent.Registry
}

// Server owns the HTTP listener, the pending-request table, and the
// OUTGOING_MESSAGE subscription that feeds it.
type Server struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	pending *pendingTable
	limiter *rateLimiter
	handler http.Handler
	server  *http.Server
	started time.Time

	mu          sync.Mutex
	unsubscribe func()
}

func New(cfg Config, deps Deps) *Server {
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 30 * time.Second
	}
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = 60 * time.Second
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		pending: newPendingTable(),
		limiter: newRateLimiter(cfg.RateLimit, cfg.RateWindow),
		started: time.Now(),
	}

	// The write timeout must outlive the longest parked handler.
	writeTimeout := cfg.APITimeout
	if cfg.WebhookTimeout > writeTimeout {
		writeTimeout = cfg.WebhookTimeout
	}
	s.handler = s.routes()
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout + 30*time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhook", s.handleWebhook)

	mux.HandleFunc("GET /api/v1/{$}", s.handleIndex)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/stats", s.protect(s.handleStats))

	mux.HandleFunc("GET /api/v1/conversations", s.protect(s.handleConversationList))
	mux.HandleFunc("POST /api/v1/conversations", s.protect(s.handleConversationCreate))
	mux.HandleFunc("GET /api/v1/conversations/{id}", s.protect(s.handleConversationGet))
	mux.HandleFunc("DELETE /api/v1/conversations/{id}", s.protect(s.handleConversationDelete))
	mux.HandleFunc("GET /api/v1/conversations/{id}/messages", s.protect(s.handleMessageList))
	mux.HandleFunc("POST /api/v1/conversations/{id}/messages", s.protect(s.handleSendMessage))

	mux.HandleFunc("GET /api/v1/memory", s.protect(s.handleMemoryOverview))
	mux.HandleFunc("GET /api/v1/memory/recent", s.protect(s.handleMemoryRecent))
	mux.HandleFunc("GET /api/v1/memory/working/{sessionId}", s.protect(s.handleMemoryWorking))
	mux.HandleFunc("GET /api/v1/memory/patterns", s.protect(s.handleMemoryPatterns))

	mux.HandleFunc("GET /api/v1/scheduler", s.protect(s.handleSchedulerList))
	mux.HandleFunc("POST /api/v1/scheduler", s.protect(s.handleSchedulerAdd))
	mux.HandleFunc("DELETE /api/v1/scheduler/{id}", s.protect(s.handleSchedulerRemove))

	mux.HandleFunc("GET /api/v1/sleep-cycle", s.protect(s.handleSleepStatus))
	mux.HandleFunc("POST /api/v1/sleep-cycle/run", s.protect(s.handleSleepRun))

	mux.HandleFunc("GET /api/v1/tasks/active", s.protect(s.handleTasksActive))
	mux.HandleFunc("GET /api/v1/tasks/{id}/events", s.protect(s.handleTaskEvents))

	return s.withLogging(s.withCORS(s.withRateLimit(mux)))
}

// Handler exposes the full middleware-wrapped route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start subscribes to the bus and serves until Shutdown. It blocks.
func (s *Server) Start() error {
	s.Subscribe()
	s.logger.Info("api server starting",
		"addr", s.server.Addr,
		"webhook_timeout", s.cfg.WebhookTimeout,
		"api_timeout", s.cfg.APITimeout)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve is Start on a caller-owned listener. The daemon binds the
// socket itself so address errors surface before startup continues.
func (s *Server) Serve(ln net.Listener) error {
	s.Subscribe()
	s.logger.Info("api server starting",
		"addr", ln.Addr().String(),
		"webhook_timeout", s.cfg.WebhookTimeout,
		"api_timeout", s.cfg.APITimeout)
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Subscribe attaches the OUTGOING_MESSAGE listener without starting
// the listener socket. Start calls it; tests that drive the handler
// directly call it themselves.
func (s *Server) Subscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe == nil {
		s.unsubscribe = s.deps.Bus.On(bus.TypeOutgoingMessage, s.handleOutgoing)
	}
}

// Shutdown drops the bus subscription, releases every parked handler
// with a shutdown error, and closes the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}

	if n := s.pending.drain(); n > 0 {
		s.logger.Info("pending requests rejected on shutdown", "count", n)
	}
	return s.server.Shutdown(ctx)
}

// handleOutgoing feeds agent replies back to parked HTTP handlers.
// Replies for other channels, and replies whose waiter already timed
// out, are dropped here without error.
func (s *Server) handleOutgoing(sig bus.Signal) {
	channel := sig.Str("channel")
	if channel != "api" && channel != "webhook" {
		return
	}
	if !s.pending.resolve(sig.Str("chatId"), channel, sig.Str("text")) {
		s.logger.Debug("late reply dropped",
			"chat_id", sig.Str("chatId"),
			"channel", channel)
	}
}

// meta is attached to every REST response envelope.
type meta struct {
	RequestID string `json:"requestId"`
	Timestamp int64  `json:"timestamp"`
}

func newMeta() meta {
	return meta{RequestID: uuid.NewString(), Timestamp: time.Now().UnixMilli()}
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Hint      string `json:"hint,omitempty"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

// writeData writes a success envelope: {"data": ..., "meta": ...}.
func (s *Server) writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]any{"data": data, "meta": newMeta()}, s.logger)
}

// writeError writes an error envelope: {"error": {...}, "meta": ...}.
func (s *Server) writeError(w http.ResponseWriter, status int, code, message, hint string, retryable bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := errorBody{Code: code, Message: message, Hint: hint, Retryable: retryable}
	writeJSON(w, map[string]any{"error": body, "meta": newMeta()}, s.logger)
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.logger.Error(what, "error", err)
	s.writeError(w, http.StatusInternalServerError, codeInternalError, what, "", false)
}

// requireDep fails the request when an optional subsystem is not
// wired. It returns whether the handler may proceed.
func (s *Server) requireDep(w http.ResponseWriter, name string, present bool) bool {
	if present {
		return true
	}
	s.writeError(w, http.StatusInternalServerError, codeInternalError, name+" not configured", "", false)
	return false
}

// protect wraps a handler with the bearer-token check.
func (s *Server) protect(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			s.writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid bearer token", "", false)
			return
		}
		next(w, r)
	}
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

// withCORS stamps CORS headers on every response and short-circuits
// preflight requests before they reach the mux.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit applies the sliding window to /api/v1 routes. It runs
// before auth so unauthenticated probing burns the same budget, and it
// skips the webhook, which is paced by its signature check and the
// single-flight rule instead.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/v1/") {
			next.ServeHTTP(w, r)
			return
		}
		retryAfter, ok := s.limiter.allow(clientIP(r))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			s.writeError(w, http.StatusTooManyRequests, codeRateLimited,
				"rate limit exceeded", "retry after "+strconv.Itoa(retryAfter)+"s", true)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
