package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/jobs"
	"github.com/ashita-ai/kansoku/internal/ratelimit"
	"github.com/ashita-ai/kansoku/internal/service/alerts"
	"github.com/ashita-ai/kansoku/internal/service/cost"
	"github.com/ashita-ai/kansoku/internal/service/health"
	"github.com/ashita-ai/kansoku/internal/service/ingest"
	"github.com/ashita-ai/kansoku/internal/service/risk"
	"github.com/ashita-ai/kansoku/internal/service/runs"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/tier"
)

// Server is the kansoku HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Broker, Jobs, MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	DB     *storage.DB
	JWTMgr *auth.JWTManager
	Tiers  *tier.Registry
	Costs  *cost.Engine
	Ingest *ingest.Service
	Runs   *runs.Service
	Health *health.Service
	Alerts *alerts.Service
	Risk   *risk.Service
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	Broker    *Broker
	Jobs      *jobs.Runner
	MCPServer *mcpserver.MCPServer

	// InternalSecret guards /internal routes. Empty disables them.
	InternalSecret string

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Embedded OpenAPI YAML.
	OpenAPISpec []byte

	// ExtraRoutes register additional routes behind the auth middleware.
	ExtraRoutes []func(*http.ServeMux)

	// Middlewares wrap the whole chain. The first entry is outermost.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Tiers:               cfg.Tiers,
		Costs:               cfg.Costs,
		Ingest:              cfg.Ingest,
		Runs:                cfg.Runs,
		Health:              cfg.Health,
		Alerts:              cfg.Alerts,
		Risk:                cfg.Risk,
		Jobs:                cfg.Jobs,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	mux := http.NewServeMux()

	// Public.
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)

	// Ingestion and runs.
	mux.HandleFunc("POST /v1/events", h.HandleIngestEvents)
	mux.HandleFunc("GET /v1/events", h.HandleQueryEvents)
	mux.HandleFunc("POST /v1/runs", h.HandleStartRun)
	mux.HandleFunc("GET /v1/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/finish", h.HandleFinishRun)

	// Dashboards.
	mux.HandleFunc("GET /v1/overview", h.HandleOverview)
	mux.HandleFunc("GET /v1/agents", h.HandleListAgents)
	mux.HandleFunc("GET /v1/agents/{agent_id}", h.HandleGetAgent)
	mux.HandleFunc("GET /v1/agents/{agent_id}/metrics", h.HandleAgentMetrics)
	mux.HandleFunc("GET /v1/agents/{agent_id}/health", h.HandleAgentHealthHistory)
	mux.HandleFunc("GET /v1/agents/{agent_id}/health/{date}", h.HandleAgentHealthDay)

	// Alerts.
	mux.HandleFunc("POST /v1/alerts/rules", h.HandleCreateAlertRule)
	mux.HandleFunc("GET /v1/alerts/rules", h.HandleListAlertRules)
	mux.HandleFunc("GET /v1/alerts/rules/{id}", h.HandleGetAlertRule)
	mux.HandleFunc("PATCH /v1/alerts/rules/{id}", h.HandleUpdateAlertRule)
	mux.HandleFunc("DELETE /v1/alerts/rules/{id}", h.HandleDeleteAlertRule)
	mux.HandleFunc("GET /v1/alerts/events", h.HandleListAlertEvents)
	mux.HandleFunc("POST /v1/alerts/events/{id}/ack", h.HandleAckAlertEvent)

	// Risk.
	mux.HandleFunc("GET /v1/risk/policies", h.HandleListRiskPolicies)
	mux.HandleFunc("GET /v1/risk/events", h.HandleListRiskEvents)
	mux.HandleFunc("GET /v1/risk/audit", h.HandleListRiskAudit)
	mux.HandleFunc("POST /v1/risk/audit/{id}/revert", h.HandleRevertAudit)

	// Keys.
	mux.HandleFunc("POST /v1/keys", h.HandleCreateKey)
	mux.HandleFunc("GET /v1/keys", h.HandleListKeys)
	mux.HandleFunc("DELETE /v1/keys/{id}", h.HandleRevokeKey)

	// Long-lived SSE stream.
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)

	// Scheduler and operator routes.
	internal := func(fn http.HandlerFunc) http.Handler { return internalOnly(cfg.InternalSecret, fn) }
	mux.Handle("POST /internal/jobs/{name}", internal(h.HandleRunJob))
	mux.Handle("POST /internal/admin/workspaces", internal(h.HandleCreateWorkspace))
	mux.Handle("PUT /internal/admin/workspaces/{id}/tier", internal(h.HandleSetTier))
	mux.Handle("PUT /internal/admin/pricing", internal(h.HandleUpsertPricing))

	// MCP StreamableHTTP transport. Tools read the workspace from the
	// principal set by authMiddleware.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → auth → rate limit → handler.
	var handler http.Handler = mux
	handler = ratelimit.Middleware(cfg.Limiter, rateLimitKey, denyRateLimited, cfg.Logger)(handler)
	handler = authMiddleware(h.authn, handler)
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
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
