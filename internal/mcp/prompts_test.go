package mcp

import (
	"context"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promptText(t *testing.T, result *mcplib.GetPromptResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Messages, "expected at least one message")
	msg := result.Messages[0]
	assert.Equal(t, mcplib.RoleUser, msg.Role)
	tc, ok := msg.Content.(mcplib.TextContent)
	require.True(t, ok, "message content should be TextContent")
	return tc.Text
}

func TestInvestigateAgentPrompt(t *testing.T) {
	result, err := testServer.handleInvestigateAgentPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{
			Name:      "investigate-agent",
			Arguments: map[string]string{"agent_id": "billing-bot"},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, result.Description, "billing-bot")

	text := promptText(t, result)
	assert.Contains(t, text, "billing-bot")
	for _, tool := range []string{"kansoku_health_history", "kansoku_agent_metrics", "kansoku_alert_events"} {
		assert.Contains(t, text, tool, "prompt should instruct the agent to call %s", tool)
	}
}

func TestInvestigateAgentPrompt_InvalidAgentID(t *testing.T) {
	for name, args := range map[string]map[string]string{
		"missing":    {},
		"empty":      {"agent_id": ""},
		"whitespace": {"agent_id": "has space"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := testServer.handleInvestigateAgentPrompt(context.Background(), mcplib.GetPromptRequest{
				Params: mcplib.GetPromptParams{Name: "investigate-agent", Arguments: args},
			})
			assert.Error(t, err)
		})
	}
}

func TestDailyReportPrompt(t *testing.T) {
	result, err := testServer.handleDailyReportPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: "daily-report"},
	})
	require.NoError(t, err)

	text := promptText(t, result)
	assert.Contains(t, text, "kansoku_overview")
	assert.Contains(t, text, "kansoku_alert_events")
}
