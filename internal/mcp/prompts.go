package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kansoku/internal/model"
)

func (s *Server) registerPrompts() {
	// investigate-agent: walks through diagnosing one agent.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("investigate-agent",
			mcplib.WithPromptDescription("Diagnose why an agent's health, cost or error rate changed"),
			mcplib.WithArgument("agent_id",
				mcplib.ArgumentDescription("The agent to investigate"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleInvestigateAgentPrompt,
	)

	// daily-report: a short workspace status summary.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("daily-report",
			mcplib.WithPromptDescription("Summarise workspace cost, errors and alerts for the last day"),
		),
		s.handleDailyReportPrompt,
	)
}

func (s *Server) handleInvestigateAgentPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	agentID := request.Params.Arguments["agent_id"]
	if err := model.ValidateAgentID(agentID); err != nil {
		return nil, fmt.Errorf("mcp: %w", err)
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Investigate agent %s", agentID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Investigate the agent %q.

1. CALL kansoku_health_history with agent_id=%q. Find the first day the overall score dropped and
   which component (error rate, latency, cost, activity) moved.

2. CALL kansoku_agent_metrics with agent_id=%q for the same days. Compare error_rate, latency_p95_ms,
   total_cost_usd and models_used before and after the drop.

3. CALL kansoku_alert_events with agent_id=%q to see which alerts fired and whether they were acknowledged.

4. REPORT: what changed, when, the most likely cause, and whether it is still happening.
   Quote the numbers you relied on. Do not guess beyond the data.`, agentID, agentID, agentID, agentID),
				},
			},
		},
	}, nil
}

func (s *Server) handleDailyReportPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Workspace daily report",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `Write a short status report for this workspace.

1. CALL kansoku_overview with days=1 for yesterday's totals and today's live counters.
2. CALL kansoku_alert_events with acknowledged="false" for anything still open.
3. For any agent named in an open alert, CALL kansoku_health_history for the last few days.

Keep the report under 15 lines: spend, error rate, open alerts, and the agents that need attention.`,
				},
			},
		},
	}, nil
}
