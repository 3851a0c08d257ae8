// Package mcp implements the Model Context Protocol server for kansoku.
//
// Everything exposed here is read-only and scoped to the workspace of the
// authenticated caller: the HTTP auth middleware puts the principal on the
// request context and mcp-go passes that context to every handler.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kansoku/internal/ctxutil"
	"github.com/ashita-ai/kansoku/internal/service/alerts"
	"github.com/ashita-ai/kansoku/internal/service/health"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/tier"
)

var errNoWorkspace = errors.New("mcp: no authenticated workspace")

// Server wraps the MCP server with kansoku's read paths.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	tiers     *tier.Registry
	healthSvc *health.Service
	alertSvc  *alerts.Service
	logger    *slog.Logger
	now       func() time.Time
}

// New creates and configures an MCP server with all resources, prompts and
// tools.
func New(db *storage.DB, tiers *tier.Registry, healthSvc *health.Service, alertSvc *alerts.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:        db,
		tiers:     tiers,
		healthSvc: healthSvc,
		alertSvc:  alertSvc,
		logger:    logger,
		now:       time.Now,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kansoku",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerPrompts()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `kansoku observes AI agents: their events, runs, costs, health and the risk interventions applied to them.
All data is scoped to the workspace of your API key.

Start with kansoku_overview for today's totals and the trailing window. Drill into one agent with
kansoku_agent_metrics and kansoku_health_history. Use kansoku_alert_events to see what fired and whether
anyone acknowledged it. These tools are read-only; they never pause, throttle or reconfigure agents.`

func workspaceFrom(ctx context.Context) (uuid.UUID, error) {
	p, ok := ctxutil.PrincipalFromContext(ctx)
	if !ok || p.WorkspaceID == uuid.Nil {
		return uuid.Nil, errNoWorkspace
	}
	return p.WorkspaceID, nil
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
