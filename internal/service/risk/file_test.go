package risk_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/risk"
)

const samplePolicies = `
policies:
  - agent_id: support-bot
    policy_type: spend_cap
    threshold: "5.00"
    action_type: pause_agent
  - policy_type: error_rate_cap
    threshold: "0.25"
    action_type: throttle
    throttle_minutes: 15
    window_minutes: 30
    cooldown_minutes: 0
    enabled: false
`

func TestParsePolicies(t *testing.T) {
	ws := uuid.New()
	policies, err := risk.ParsePolicies([]byte(samplePolicies), ws)
	require.NoError(t, err)
	require.Len(t, policies, 2)

	spend := policies[0]
	assert.Equal(t, ws, spend.WorkspaceID)
	require.NotNil(t, spend.AgentID)
	assert.Equal(t, "support-bot", *spend.AgentID)
	assert.Equal(t, model.PolicySpendCap, spend.PolicyType)
	assert.Equal(t, "5", spend.Threshold.String())
	assert.Equal(t, model.DefaultWindowMinutes, spend.WindowMinutes)
	assert.Equal(t, model.DefaultCooldownMinutes, spend.CooldownMinutes)
	assert.True(t, spend.Enabled)

	errRate := policies[1]
	assert.Nil(t, errRate.AgentID, "workspace-wide policy")
	assert.Equal(t, 15, errRate.ActionParams.ThrottleMinutes)
	assert.Equal(t, 30, errRate.WindowMinutes)
	assert.Equal(t, 0, errRate.CooldownMinutes)
	assert.False(t, errRate.Enabled)
}

func TestParsePolicies_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"bad threshold", `policies: [{policy_type: spend_cap, threshold: "lots", action_type: pause_agent}]`, "threshold"},
		{"unknown policy", `policies: [{policy_type: vibes_cap, threshold: "1", action_type: pause_agent}]`, "unknown policy_type"},
		{"revert is not a policy action", `policies: [{policy_type: spend_cap, threshold: "1", action_type: revert}]`, "unknown action_type"},
		{"error rate above one", `policies: [{policy_type: error_rate_cap, threshold: "1.5", action_type: alert_only}]`, "at most 1"},
		{"negative threshold", `policies: [{policy_type: spend_cap, threshold: "-1", action_type: alert_only}]`, "at least 0"},
		{"window too large", `policies: [{policy_type: spend_cap, threshold: "1", action_type: alert_only, window_minutes: 20000}]`, "window_minutes"},
		{"bad agent id", `policies: [{agent_id: "has space", policy_type: spend_cap, threshold: "1", action_type: alert_only}]`, "agent_id"},
		{"not yaml", "policies: [", "parse policies"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := risk.ParsePolicies([]byte(tt.doc), uuid.New())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicies), 0o600))

	policies, err := risk.LoadPolicyFile(path, uuid.New())
	require.NoError(t, err)
	assert.Len(t, policies, 2)

	_, err = risk.LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml"), uuid.New())
	assert.ErrorIs(t, err, os.ErrNotExist)
}
