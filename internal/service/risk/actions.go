package risk

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
)

// ErrNoDowngrade is recorded on the audit row when a model_downgrade policy
// has no explicit target and the agent's model has no known cheaper tier.
var ErrNoDowngrade = errors.New("risk: no downgrade target")

// downgrades maps a model family to the next cheaper one. Keys are matched
// by prefix, longest first, so dated variants downgrade like their family.
var downgrades = map[string]string{
	"gpt-4o":         "gpt-4o-mini",
	"gpt-4.1":        "gpt-4.1-mini",
	"gpt-4-turbo":    "gpt-4o-mini",
	"claude-opus":    "claude-sonnet",
	"claude-sonnet":  "claude-haiku",
	"gemini-1.5-pro": "gemini-1.5-flash",
}

// DowngradeFor returns the cheaper model for current. A model that is
// already the cheap variant of its family (gpt-4o-mini) has no target.
func DowngradeFor(current string) (string, bool) {
	best := ""
	for prefix := range downgrades {
		if strings.HasPrefix(current, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return "", false
	}
	target := downgrades[best]
	if strings.HasPrefix(current, target) {
		return "", false
	}
	return target, true
}

// Mutation returns the control-state change a policy's action applies, or
// nil for alert_only.
func Mutation(p model.RiskPolicy, now time.Time) (storage.MutateFunc, error) {
	switch p.ActionType {
	case model.ActionAlertOnly:
		return nil, nil

	case model.ActionThrottle:
		minutes := p.ActionParams.ThrottleMinutes
		if minutes <= 0 {
			minutes = model.DefaultThrottleMinutes
		}
		until := now.Add(time.Duration(minutes) * time.Minute).UTC()
		return func(before model.AgentControl) (model.AgentControl, error) {
			after := before
			after.ThrottledUntil = &until
			return after, nil
		}, nil

	case model.ActionModelDowngrade:
		explicit := p.ActionParams.DowngradeModel
		return func(before model.AgentControl) (model.AgentControl, error) {
			target := explicit
			if target == "" {
				if before.Model == nil {
					return before, fmt.Errorf("%w: agent has no model recorded", ErrNoDowngrade)
				}
				var ok bool
				if target, ok = DowngradeFor(*before.Model); !ok {
					return before, fmt.Errorf("%w for %s", ErrNoDowngrade, *before.Model)
				}
			}
			after := before
			after.Model = &target
			return after, nil
		}, nil

	case model.ActionPauseAgent:
		return func(before model.AgentControl) (model.AgentControl, error) {
			after := before
			after.IsActive = false
			return after, nil
		}, nil
	}
	return nil, fmt.Errorf("risk: unknown action type %q", p.ActionType)
}
