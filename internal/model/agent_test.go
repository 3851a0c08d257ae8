package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
)

func TestValidateAgentID_Valid(t *testing.T) {
	valid := []string{
		"agent",
		"agent-7",
		"agent.v2",
		"Agent_01",
		"user@example",
		"a",
		strings.Repeat("a", model.MaxAgentIDLen),
	}
	for _, id := range valid {
		require.NoError(t, model.ValidateAgentID(id), "expected valid: %q", id)
	}
}

func TestValidateAgentID_Invalid(t *testing.T) {
	invalid := []string{"", "has space", "semi;colon", "slash/agent", strings.Repeat("a", model.MaxAgentIDLen+1)}
	for _, id := range invalid {
		assert.Error(t, model.ValidateAgentID(id), "expected invalid: %q", id)
	}
}

func TestAgentThrottled(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)
	earlier := now.Add(-time.Minute)

	assert.False(t, model.Agent{}.Throttled(now))
	assert.True(t, model.Agent{ThrottledUntil: &later}.Throttled(now))
	assert.False(t, model.Agent{ThrottledUntil: &earlier}.Throttled(now))
}

func TestAlertRuleCooldown(t *testing.T) {
	fired := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	rule := model.AlertRule{CooldownMinutes: 60, LastTriggeredAt: &fired}

	assert.True(t, rule.InCooldown(fired.Add(30*time.Minute)))
	assert.False(t, rule.InCooldown(fired.Add(61*time.Minute)))
	assert.False(t, model.AlertRule{CooldownMinutes: 60}.InCooldown(fired))
}

func TestCreateAlertRuleRequest_ToRule(t *testing.T) {
	ws := uuid.New()

	rule, err := model.CreateAlertRuleRequest{
		RuleType:  model.RuleCostPerDay,
		Threshold: decimal.RequireFromString("5.00"),
	}.ToRule(ws)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultWindowMinutes, rule.WindowMinutes)
	assert.Equal(t, model.DefaultCooldownMinutes, rule.CooldownMinutes)
	assert.True(t, rule.Enabled)

	tests := []struct {
		name string
		req  model.CreateAlertRuleRequest
	}{
		{"unknown type", model.CreateAlertRuleRequest{RuleType: "latency", Threshold: decimal.NewFromInt(1)}},
		{"negative threshold", model.CreateAlertRuleRequest{RuleType: model.RuleCostPerDay, Threshold: decimal.NewFromInt(-1)}},
		{"error rate above one", model.CreateAlertRuleRequest{RuleType: model.RuleErrorRate, Threshold: decimal.RequireFromString("1.5")}},
		{"zero window", model.CreateAlertRuleRequest{RuleType: model.RuleErrorRate, Threshold: decimal.RequireFromString("0.1"), WindowMinutes: ptr(0)}},
		{"bad webhook", model.CreateAlertRuleRequest{RuleType: model.RuleNoHeartbeat, Threshold: decimal.NewFromInt(10), WebhookURL: ptr("ftp://x")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.req.ToRule(ws)
			assert.Error(t, err)
		})
	}
}

func TestUTCDay(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	// 2026-01-02 03:00 in UTC+9 is 2026-01-01 18:00 UTC.
	local := time.Date(2026, 1, 2, 3, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), model.UTCDay(local))

	d, err := model.ParseDate("2026-01-01")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, d.Location())
}

func TestRevertControl(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(time.Hour)
	gpt4o, mini := "gpt-4o", "gpt-4o-mini"

	t.Run("restores only the changed field", func(t *testing.T) {
		before := model.AgentControl{IsActive: true, Model: &gpt4o}
		after := model.AgentControl{IsActive: true, Model: &gpt4o, ThrottledUntil: &until}
		current := model.AgentControl{IsActive: false, Model: &gpt4o, ThrottledUntil: &until}

		got, ok := model.RevertControl(before, after, current)
		require.True(t, ok)
		assert.Nil(t, got.ThrottledUntil)
		assert.False(t, got.IsActive, "a later pause survives")
		assert.Equal(t, &gpt4o, got.Model)
	})

	t.Run("superseded field is left alone", func(t *testing.T) {
		later := until.Add(time.Hour)
		before := model.AgentControl{IsActive: true}
		after := model.AgentControl{IsActive: true, ThrottledUntil: &until}
		current := model.AgentControl{IsActive: true, ThrottledUntil: &later}

		got, ok := model.RevertControl(before, after, current)
		assert.False(t, ok)
		assert.Equal(t, current, got)
	})

	t.Run("database rounding still matches", func(t *testing.T) {
		precise := until.Add(400 * time.Nanosecond)
		stored := until
		before := model.AgentControl{IsActive: true}
		after := model.AgentControl{IsActive: true, ThrottledUntil: &precise}
		current := model.AgentControl{IsActive: true, ThrottledUntil: &stored}

		got, ok := model.RevertControl(before, after, current)
		require.True(t, ok)
		assert.Nil(t, got.ThrottledUntil)
	})

	t.Run("failed attempt has nothing to revert", func(t *testing.T) {
		state := model.AgentControl{IsActive: true}
		_, ok := model.RevertControl(state, state, state)
		assert.False(t, ok)
	})

	t.Run("model downgrade", func(t *testing.T) {
		before := model.AgentControl{IsActive: true, Model: &gpt4o}
		after := model.AgentControl{IsActive: true, Model: &mini}

		got, ok := model.RevertControl(before, after, after)
		require.True(t, ok)
		assert.Equal(t, "gpt-4o", *got.Model)
	})
}
