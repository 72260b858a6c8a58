// Package server exposes the HTTP control API: operator auth, agent and
// autopilot management, inbound message webhooks, status projection, and a
// Server-Sent Events stream of action lifecycle changes.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/nagare-ai/nagare/internal/auth"
	"github.com/nagare-ai/nagare/internal/config"
	"github.com/nagare-ai/nagare/internal/engine"
	"github.com/nagare-ai/nagare/internal/model"
	"github.com/nagare-ai/nagare/internal/status"
	"github.com/nagare-ai/nagare/internal/storage"
)

// Server is the control-API HTTP server.
type Server struct {
	cfg    config.Config
	engine *engine.Engine
	status *status.Service
	db     *storage.DB
	jwtMgr *auth.JWTManager
	broker *Broker
	mcpSrv *mcpserver.MCPServer
	logger *slog.Logger

	httpServer *http.Server
}

// New assembles the server. broker may be nil when LISTEN/NOTIFY is not
// configured; the events endpoint then returns 503. mcpSrv may be nil to
// disable the MCP transport.
func New(cfg config.Config, eng *engine.Engine, statusSvc *status.Service, db *storage.DB, jwtMgr *auth.JWTManager, broker *Broker, mcpSrv *mcpserver.MCPServer, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		engine: eng,
		status: statusSvc,
		db:     db,
		jwtMgr: jwtMgr,
		broker: broker,
		mcpSrv: mcpSrv,
		logger: logger,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler builds the full route table wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/auth/token", s.handleAuthToken)

	// Agent templates.
	mux.HandleFunc("POST /v1/agents", requireRole(model.RoleOperator, s.handleCreateAgent))
	mux.HandleFunc("GET /v1/agents", requireRole(model.RoleViewer, s.handleListAgents))
	mux.HandleFunc("GET /v1/agents/{agentID}", requireRole(model.RoleViewer, s.handleGetAgent))
	mux.HandleFunc("PUT /v1/agents/{agentID}", requireRole(model.RoleOperator, s.handleUpdateAgent))
	mux.HandleFunc("DELETE /v1/agents/{agentID}", requireRole(model.RoleAdmin, s.handleDeleteAgent))

	// Per-chat autopilot lifecycle.
	mux.HandleFunc("POST /v1/chats/{chatID}/autopilot", requireRole(model.RoleOperator, s.handleEnableAutopilot))
	mux.HandleFunc("PATCH /v1/chats/{chatID}/autopilot", requireRole(model.RoleOperator, s.handleUpdateAutopilot))
	mux.HandleFunc("DELETE /v1/chats/{chatID}/autopilot", requireRole(model.RoleOperator, s.handleDisableAutopilot))
	mux.HandleFunc("POST /v1/chats/{chatID}/pause", requireRole(model.RoleOperator, s.handlePause))
	mux.HandleFunc("POST /v1/chats/{chatID}/resume", requireRole(model.RoleOperator, s.handleResume))

	// Message flow.
	mux.HandleFunc("POST /v1/chats/{chatID}/messages", requireRole(model.RoleOperator, s.handleInboundMessage))
	mux.HandleFunc("POST /v1/chats/{chatID}/proactive", requireRole(model.RoleOperator, s.handleProactive))
	mux.HandleFunc("POST /v1/chats/{chatID}/approve", requireRole(model.RoleOperator, s.handleApprove))
	mux.HandleFunc("POST /v1/messages/{messageID}/regenerate", requireRole(model.RoleOperator, s.handleRegenerate))

	// Read side.
	mux.HandleFunc("GET /v1/chats", requireRole(model.RoleViewer, s.handleListChats))
	mux.HandleFunc("GET /v1/chats/{chatID}/status", requireRole(model.RoleViewer, s.handleChatStatus))
	mux.HandleFunc("GET /v1/chats/{chatID}/actions", requireRole(model.RoleViewer, s.handleListActions))
	mux.HandleFunc("GET /v1/chats/{chatID}/activity", requireRole(model.RoleViewer, s.handleListActivity))
	mux.HandleFunc("GET /v1/chats/{chatID}/handoffs", requireRole(model.RoleViewer, s.handleListHandoffs))

	// Operators.
	mux.HandleFunc("POST /v1/operators", requireRole(model.RoleAdmin, s.handleCreateOperator))
	mux.HandleFunc("GET /v1/operators", requireRole(model.RoleAdmin, s.handleListOperators))

	// Event stream.
	mux.HandleFunc("GET /v1/events", requireRole(model.RoleViewer, s.handleEvents))

	// MCP StreamableHTTP transport (auth required, viewer+).
	if s.mcpSrv != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(s.mcpSrv)
		mux.Handle("/mcp", requireRole(model.RoleViewer, mcpHTTP.ServeHTTP))
	}

	var handler http.Handler = mux
	handler = s.limitBody(handler)
	handler = authMiddleware(s.jwtMgr, handler)
	handler = recoverMiddleware(s.logger, handler)
	handler = tracingMiddleware(handler)
	handler = loggingMiddleware(s.logger, handler)
	handler = requestIDMiddleware(handler)
	return handler
}

// limitBody caps request body size before any handler reads it.
func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins serving. Blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleEvents streams action lifecycle notifications as Server-Sent Events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal, "event stream not configured")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broker.Subscribe()
	defer s.broker.Unsubscribe(ch)

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
