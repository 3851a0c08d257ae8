package model

import (
	"time"

	"github.com/google/uuid"
)

// Tier names.
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// HardMaxBatchSize caps batch ingestion regardless of tier.
const HardMaxBatchSize = 1000

// WorkspaceTier is the quota bundle governing one workspace.
type WorkspaceTier struct {
	WorkspaceID             uuid.UUID `json:"workspace_id"`
	TierName                string    `json:"tier_name"`
	RetentionDays           int       `json:"retention_days"`
	MaxAgents               int       `json:"max_agents"`
	MaxAlertRules           int       `json:"max_alert_rules"`
	MaxAPIKeys              int       `json:"max_api_keys"`
	MaxBatchSize            int       `json:"max_batch_size"`
	AnomalyDetectionEnabled bool      `json:"anomaly_detection_enabled"`
	SlackEnabled            bool      `json:"slack_enabled"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// tierBundles are the built-in quota bundles keyed by tier name.
var tierBundles = map[string]WorkspaceTier{
	TierFree: {
		TierName:      TierFree,
		RetentionDays: 7,
		MaxAgents:     3,
		MaxAlertRules: 5,
		MaxAPIKeys:    2,
		MaxBatchSize:  100,
	},
	TierPro: {
		TierName:                TierPro,
		RetentionDays:           30,
		MaxAgents:               25,
		MaxAlertRules:           50,
		MaxAPIKeys:              10,
		MaxBatchSize:            500,
		AnomalyDetectionEnabled: true,
		SlackEnabled:            true,
	},
	TierEnterprise: {
		TierName:                TierEnterprise,
		RetentionDays:           365,
		MaxAgents:               1000,
		MaxAlertRules:           500,
		MaxAPIKeys:              100,
		MaxBatchSize:            HardMaxBatchSize,
		AnomalyDetectionEnabled: true,
		SlackEnabled:            true,
	},
}

// TierBundle returns the built-in bundle for name, bound to workspaceID.
func TierBundle(name string, workspaceID uuid.UUID) (WorkspaceTier, bool) {
	t, ok := tierBundles[name]
	if !ok {
		return WorkspaceTier{}, false
	}
	t.WorkspaceID = workspaceID
	return t, true
}

// DefaultTier is the lowest tier, used when a workspace has no explicit record.
func DefaultTier(workspaceID uuid.UUID) WorkspaceTier {
	t, _ := TierBundle(TierFree, workspaceID)
	return t
}

// Workspace is the isolation boundary.
type Workspace struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	SlackWebhookURL *string   `json:"slack_webhook_url,omitempty"`
	AlertWebhookURL *string   `json:"alert_webhook_url,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// CreateWorkspaceRequest is the body for POST /internal/admin/workspaces.
type CreateWorkspaceRequest struct {
	Name            string  `json:"name"`
	Tier            string  `json:"tier,omitempty"`
	SlackWebhookURL *string `json:"slack_webhook_url,omitempty"`
	AlertWebhookURL *string `json:"alert_webhook_url,omitempty"`
}

// CreateWorkspaceResponse carries the new workspace and its first key.
type CreateWorkspaceResponse struct {
	Workspace Workspace        `json:"workspace"`
	Tier      WorkspaceTier    `json:"tier"`
	Key       APIKeyWithRawKey `json:"key"`
}

// SetTierRequest is the body for PUT /internal/admin/workspaces/{id}/tier.
type SetTierRequest struct {
	Tier string `json:"tier"`
}
