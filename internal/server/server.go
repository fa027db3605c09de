package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kanshi/internal/auth"
	"github.com/ashita-ai/kanshi/internal/ratelimit"
	"github.com/ashita-ai/kanshi/internal/service/guard"
)

// Server is the Kanshi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): JWTMgr and Keyring (nil disables auth),
// Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Guard  *guard.Service
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	JWTMgr    *auth.JWTManager
	Keyring   *auth.Keyring
	Limiter   *ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	TokenRateLimit      int // token exchanges per IP per minute
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Guard:               cfg.Guard,
		JWTMgr:              cfg.JWTMgr,
		Keyring:             cfg.Keyring,
		Logger:              cfg.Logger,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	tokenLimit := cfg.TokenRateLimit
	if tokenLimit <= 0 {
		tokenLimit = 20
	}
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Rule{
		Prefix: "auth", Limit: tokenLimit, Window: time.Minute,
	}, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Token exchange (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Permission guard.
	mux.HandleFunc("POST /v1/evaluate", h.HandleEvaluate)
	mux.HandleFunc("GET /v1/endpoints", h.HandleListEndpoints)
	mux.HandleFunc("GET /v1/agents/{agent_id}/permissions", h.HandleAgentPermissions)
	mux.HandleFunc("GET /v1/logs", h.HandleLogs)
	mux.HandleFunc("POST /v1/catalog/reload", h.HandleReloadCatalog)

	// Dispatch and conversation history.
	mux.HandleFunc("POST /v1/dispatch", h.HandleDispatch)
	mux.HandleFunc("GET /v1/conversations/{agent_id}/messages", h.HandleConversation)

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
