package risk

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kansoku/internal/model"
)

type policyFile struct {
	Policies []policyEntry `yaml:"policies"`
}

// Thresholds are read as strings so spend caps never pass through float64.
type policyEntry struct {
	AgentID         *string `yaml:"agent_id"`
	PolicyType      string  `yaml:"policy_type"`
	Threshold       string  `yaml:"threshold"`
	ActionType      string  `yaml:"action_type"`
	ThrottleMinutes int     `yaml:"throttle_minutes"`
	DowngradeModel  string  `yaml:"downgrade_model"`
	WindowMinutes   *int    `yaml:"window_minutes"`
	CooldownMinutes *int    `yaml:"cooldown_minutes"`
	Enabled         *bool   `yaml:"enabled"`
}

// LoadPolicyFile reads a YAML policy file for one workspace.
func LoadPolicyFile(path string, workspaceID uuid.UUID) ([]model.RiskPolicy, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("risk: read policy file: %w", err)
	}
	return ParsePolicies(data, workspaceID)
}

// ParsePolicies decodes a YAML policy document. Omitted windows and
// cooldowns default to 60 minutes and omitted enabled flags to true.
func ParsePolicies(data []byte, workspaceID uuid.UUID) ([]model.RiskPolicy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("risk: parse policies: %w", err)
	}
	out := make([]model.RiskPolicy, 0, len(f.Policies))
	for i, e := range f.Policies {
		threshold, err := decimal.NewFromString(e.Threshold)
		if err != nil {
			return nil, fmt.Errorf("risk: policy %d: threshold: %w", i, err)
		}
		p := model.RiskPolicy{
			WorkspaceID: workspaceID,
			AgentID:     e.AgentID,
			PolicyType:  model.PolicyType(e.PolicyType),
			Threshold:   threshold,
			ActionType:  model.ActionType(e.ActionType),
			ActionParams: model.ActionParams{
				ThrottleMinutes: e.ThrottleMinutes,
				DowngradeModel:  e.DowngradeModel,
			},
			WindowMinutes:   model.DefaultWindowMinutes,
			CooldownMinutes: model.DefaultCooldownMinutes,
			Enabled:         true,
		}
		if e.WindowMinutes != nil {
			p.WindowMinutes = *e.WindowMinutes
		}
		if e.CooldownMinutes != nil {
			p.CooldownMinutes = *e.CooldownMinutes
		}
		if e.Enabled != nil {
			p.Enabled = *e.Enabled
		}
		if err := ValidatePolicy(p); err != nil {
			return nil, fmt.Errorf("risk: policy %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// ValidatePolicy checks a policy before it is stored.
func ValidatePolicy(p model.RiskPolicy) error {
	switch p.PolicyType {
	case model.PolicySpendCap, model.PolicyTokenRateCap:
	case model.PolicyErrorRateCap:
		if p.Threshold.GreaterThan(decimal.NewFromInt(1)) {
			return errors.New("error_rate_cap threshold must be at most 1")
		}
	default:
		return fmt.Errorf("unknown policy_type %q", p.PolicyType)
	}
	switch p.ActionType {
	case model.ActionAlertOnly, model.ActionThrottle, model.ActionModelDowngrade, model.ActionPauseAgent:
	default:
		return fmt.Errorf("unknown action_type %q", p.ActionType)
	}
	if p.Threshold.IsNegative() {
		return errors.New("threshold must be at least 0")
	}
	if p.ActionParams.ThrottleMinutes < 0 {
		return errors.New("throttle_minutes must not be negative")
	}
	if p.AgentID != nil {
		if err := model.ValidateAgentID(*p.AgentID); err != nil {
			return err
		}
	}
	if p.WindowMinutes < 1 || p.WindowMinutes > model.MaxWindowMinutes {
		return fmt.Errorf("window_minutes must be between 1 and %d", model.MaxWindowMinutes)
	}
	if p.CooldownMinutes < 0 || p.CooldownMinutes > model.MaxWindowMinutes {
		return fmt.Errorf("cooldown_minutes must be between 0 and %d", model.MaxWindowMinutes)
	}
	return nil
}
