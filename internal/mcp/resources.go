package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kansoku/internal/model"
)

func (s *Server) registerResources() {
	// kansoku://agents: every agent in the workspace with its control state.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kansoku://agents",
			"Agents",
			mcplib.WithResourceDescription("Agents in this workspace with their control state (active, paused, throttled, model)"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAgents,
	)

	// kansoku://agent/{id}/health: today's health for one agent.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"kansoku://agent/{id}/health",
			"Agent Health",
			mcplib.WithTemplateDescription("Latest daily health score for a specific agent"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAgentHealth,
	)
}

func (s *Server) handleAgents(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	ws, err := workspaceFrom(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := s.db.ListAgents(ctx, ws)
	if err != nil {
		return nil, fmt.Errorf("mcp: list agents: %w", err)
	}
	now := s.now()
	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		out = append(out, map[string]any{
			"agent_id":     a.AgentID,
			"is_active":    a.IsActive,
			"throttled":    a.Throttled(now),
			"model":        a.Model,
			"last_seen_at": a.LastSeenAt,
		})
	}
	return textResource(request.Params.URI, out)
}

// agentFromHealthURI extracts the id from kansoku://agent/{id}/health.
func agentFromHealthURI(uri string) (string, error) {
	rest, ok := strings.CutPrefix(uri, "kansoku://agent/")
	if !ok {
		return "", fmt.Errorf("mcp: invalid agent health URI: %s", uri)
	}
	id, ok := strings.CutSuffix(rest, "/health")
	if !ok {
		return "", fmt.Errorf("mcp: invalid agent health URI: %s", uri)
	}
	if err := model.ValidateAgentID(id); err != nil {
		return "", fmt.Errorf("mcp: %w", err)
	}
	return id, nil
}

func (s *Server) handleAgentHealth(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	ws, err := workspaceFrom(ctx)
	if err != nil {
		return nil, err
	}
	agentID, err := agentFromHealthURI(request.Params.URI)
	if err != nil {
		return nil, err
	}
	// Today is scored tomorrow; yesterday is the newest complete day.
	day := model.UTCDay(s.now()).AddDate(0, 0, -1)
	score, err := s.healthSvc.Get(ctx, model.AgentDay{WorkspaceID: ws, AgentID: agentID, Date: day})
	if err != nil {
		return nil, fmt.Errorf("mcp: agent health: %w", err)
	}
	return textResource(request.Params.URI, score)
}

func textResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal resource: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
