package mcp

import (
	"context"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/aggregate"
	"github.com/ashita-ai/kansoku/internal/tier"
)

// defaultHistoryDays is the lookback used by per-agent tools when the
// caller gives no range.
const defaultHistoryDays = 7

func (s *Server) registerTools() {
	// kansoku_overview: workspace KPIs.
	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_overview",
			mcplib.WithDescription(`Workspace-wide KPIs: today's live counters plus totals over a trailing window.

WHAT YOU GET BACK:
- today: events, error events, runs started, tokens and cost so far (UTC day)
- window: totals from the daily rollups for the last N days, ending yesterday
- active_agents, paused_agents, open_alerts`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("days",
				mcplib.Description("Trailing window in days. Clamped to the workspace retention."),
				mcplib.Min(1),
				mcplib.DefaultNumber(aggregate.DefaultOverviewDays),
			),
		),
		s.handleOverview,
	)

	// kansoku_agent_metrics: daily rollups for one agent.
	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_agent_metrics",
			mcplib.WithDescription(`Daily metrics for one agent: runs, events, error rate, tokens, cost, latency p50/p95 and models used.
Days without activity are absent. Dates are UTC, YYYY-MM-DD.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("Agent identifier"),
				mcplib.Required(),
			),
			mcplib.WithString("from", mcplib.Description("First day, YYYY-MM-DD. Defaults to 7 days ago.")),
			mcplib.WithString("to", mcplib.Description("Last day, YYYY-MM-DD. Defaults to today.")),
		),
		s.handleAgentMetrics,
	)

	// kansoku_health_history: daily health scores for one agent.
	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_health_history",
			mcplib.WithDescription(`Daily health scores (0-100) for one agent with the component scores behind each: error rate,
latency, cost and activity. A day with no data is omitted rather than scored low.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("Agent identifier"),
				mcplib.Required(),
			),
			mcplib.WithString("from", mcplib.Description("First day, YYYY-MM-DD. Defaults to 7 days ago.")),
			mcplib.WithString("to", mcplib.Description("Last day, YYYY-MM-DD. Defaults to today.")),
		),
		s.handleHealthHistory,
	)

	// kansoku_alert_events: alert history.
	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_alert_events",
			mcplib.WithDescription("Alerts that fired in this workspace, newest first, with the measured value and threshold."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id", mcplib.Description("Only alerts about this agent")),
			mcplib.WithString("acknowledged",
				mcplib.Description("Filter on acknowledgement"),
				mcplib.Enum("true", "false"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of alerts to return"),
				mcplib.Min(1),
				mcplib.Max(200),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleAlertEvents,
	)
}

func (s *Server) handleOverview(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ws, err := workspaceFrom(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	ov, err := aggregate.OverviewFor(ctx, s.db, s.tiers, ws, request.GetInt("days", aggregate.DefaultOverviewDays), s.now())
	if err != nil {
		return errorResult(fmt.Sprintf("overview failed: %v", err)), nil
	}
	return jsonResult(ov), nil
}

func (s *Server) handleAgentMetrics(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	q, errRes := s.agentRange(ctx, request)
	if errRes != nil {
		return errRes, nil
	}
	metrics, err := s.db.ListDailyMetrics(ctx, q.workspace.WorkspaceID, q.agentID, q.from, q.to)
	if err != nil {
		return errorResult(fmt.Sprintf("metrics query failed: %v", err)), nil
	}
	out := make([]map[string]any, 0, len(metrics))
	for _, m := range metrics {
		out = append(out, compactMetric(m))
	}
	return jsonResult(map[string]any{
		"agent_id": q.agentID,
		"from":     q.from.Format(model.DateLayout),
		"to":       q.to.Format(model.DateLayout),
		"days":     out,
	}), nil
}

func (s *Server) handleHealthHistory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	q, errRes := s.agentRange(ctx, request)
	if errRes != nil {
		return errRes, nil
	}
	scores, err := s.db.ListHealthScores(ctx, q.workspace.WorkspaceID, q.agentID, q.from, q.to)
	if err != nil {
		return errorResult(fmt.Sprintf("health query failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"agent_id": q.agentID,
		"from":     q.from.Format(model.DateLayout),
		"to":       q.to.Format(model.DateLayout),
		"scores":   scores,
	}), nil
}

func (s *Server) handleAlertEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ws, err := workspaceFrom(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	f := model.AlertEventFilters{
		AgentID: request.GetString("agent_id", ""),
		Limit:   min(max(request.GetInt("limit", 20), 1), 200),
	}
	if v := request.GetString("acknowledged", ""); v != "" {
		acked := v == "true"
		f.Acknowledged = &acked
	}
	events, total, err := s.alertSvc.Events(ctx, ws, f)
	if err != nil {
		return errorResult(fmt.Sprintf("alert query failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"alerts": events,
		"total":  total,
	}), nil
}

type agentQuery struct {
	workspace model.WorkspaceTier
	agentID   string
	from, to  time.Time
}

// agentRange resolves the agent and date range shared by the per-agent
// tools. The range is clamped into the retention window.
func (s *Server) agentRange(ctx context.Context, request mcplib.CallToolRequest) (agentQuery, *mcplib.CallToolResult) {
	ws, err := workspaceFrom(ctx)
	if err != nil {
		return agentQuery{}, errorResult(err.Error())
	}
	agentID := request.GetString("agent_id", "")
	if err := model.ValidateAgentID(agentID); err != nil {
		return agentQuery{}, errorResult(err.Error())
	}
	t, err := s.tiers.Get(ctx, ws)
	if err != nil {
		return agentQuery{}, errorResult(fmt.Sprintf("failed to resolve tier: %v", err))
	}

	now := s.now().UTC()
	from := model.UTCDay(now).AddDate(0, 0, -defaultHistoryDays)
	to := now
	if v := request.GetString("from", ""); v != "" {
		if from, err = model.ParseDate(v); err != nil {
			return agentQuery{}, errorResult("from must be YYYY-MM-DD")
		}
	}
	if v := request.GetString("to", ""); v != "" {
		day, err := model.ParseDate(v)
		if err != nil {
			return agentQuery{}, errorResult("to must be YYYY-MM-DD")
		}
		to = day.AddDate(0, 0, 1)
	}
	from, to = tier.ClampRange(t, from, to, now)
	return agentQuery{workspace: t, agentID: agentID, from: model.UTCDay(from), to: model.LastDay(to)}, nil
}

// compactMetric drops bookkeeping fields agents do not act on.
func compactMetric(m model.DailyMetric) map[string]any {
	out := map[string]any{
		"date":           m.Date.Format(model.DateLayout),
		"runs":           m.TotalRuns,
		"failed_runs":    m.FailedRuns,
		"events":         m.TotalEvents,
		"error_rate":     m.ErrorRate,
		"tokens_in":      m.TokensIn,
		"tokens_out":     m.TokensOut,
		"total_cost_usd": m.TotalCostUSD.String(),
		"latency_p50_ms": m.LatencyP50MS,
		"latency_p95_ms": m.LatencyP95MS,
	}
	if len(m.ModelsUsed) > 0 {
		out["models_used"] = m.ModelsUsed
	}
	return out
}
