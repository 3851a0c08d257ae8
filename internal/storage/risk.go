package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/ashita-ai/kansoku/internal/model"
)

const riskPolicyColumns = `id, workspace_id, agent_id, policy_type, threshold, action_type, action_params,
	window_minutes, cooldown_minutes, enabled, last_triggered_at, created_at`

func scanRiskPolicy(row pgx.Row) (model.RiskPolicy, error) {
	var p model.RiskPolicy
	err := row.Scan(&p.ID, &p.WorkspaceID, &p.AgentID, &p.PolicyType, &p.Threshold, &p.ActionType,
		&p.ActionParams, &p.WindowMinutes, &p.CooldownMinutes, &p.Enabled, &p.LastTriggeredAt, &p.CreatedAt)
	return p, err
}

// InsertRiskPolicy stores a policy. Policies are provisioned from outside
// the API (the seed command and tests); the service only reads them.
func (db *DB) InsertRiskPolicy(ctx context.Context, p model.RiskPolicy) (model.RiskPolicy, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	created, err := scanRiskPolicy(db.pool.QueryRow(ctx,
		`INSERT INTO risk_policies (id, workspace_id, agent_id, policy_type, threshold, action_type,
		     action_params, window_minutes, cooldown_minutes, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+riskPolicyColumns,
		p.ID, p.WorkspaceID, p.AgentID, string(p.PolicyType), p.Threshold, string(p.ActionType),
		p.ActionParams, p.WindowMinutes, p.CooldownMinutes, p.Enabled))
	if err != nil {
		return model.RiskPolicy{}, fmt.Errorf("storage: insert risk policy: %w", err)
	}
	return created, nil
}

// ListRiskPolicies returns a workspace's policies.
func (db *DB) ListRiskPolicies(ctx context.Context, workspaceID uuid.UUID) ([]model.RiskPolicy, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+riskPolicyColumns+` FROM risk_policies WHERE workspace_id = $1 ORDER BY created_at, id`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("storage: list risk policies: %w", err)
	}
	return collectRiskPolicies(rows)
}

// ListEnabledRiskPolicies returns every enabled policy across workspaces,
// least recently triggered first.
func (db *DB) ListEnabledRiskPolicies(ctx context.Context) ([]model.RiskPolicy, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+riskPolicyColumns+` FROM risk_policies WHERE enabled
		 ORDER BY last_triggered_at NULLS FIRST, id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list enabled risk policies: %w", err)
	}
	return collectRiskPolicies(rows)
}

func collectRiskPolicies(rows pgx.Rows) ([]model.RiskPolicy, error) {
	defer rows.Close()
	var out []model.RiskPolicy
	for rows.Next() {
		p, err := scanRiskPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan risk policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MutateFunc derives the agent's new control state from its current one.
type MutateFunc func(before model.AgentControl) (model.AgentControl, error)

// ExecuteIntervention records a breach of policy and applies its action to
// agentID in a single transaction:
//
//  1. claim the policy cooldown (nothing is written if it is not claimable)
//  2. insert the risk event
//  3. apply mutate inside a savepoint
//  4. append the audit row with before and after state
//
// A failing mutation only rolls back its savepoint; the audit row then
// records success=false with after equal to before. A nil mutate records
// the breach without touching the agent.
func (db *DB) ExecuteIntervention(ctx context.Context, policy model.RiskPolicy, agentID string, breach decimal.Decimal, now time.Time, mutate MutateFunc) (model.Intervention, bool, error) {
	var out model.Intervention
	fired := false
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		fired = false
		claimed, err := claimCooldownTx(ctx, tx, "risk_policies", policy.ID, policy.CooldownMinutes, now)
		if err != nil || !claimed {
			return err
		}

		ev := model.RiskEvent{
			PolicyID:    policy.ID,
			WorkspaceID: policy.WorkspaceID,
			AgentID:     &agentID,
			BreachValue: breach,
			Threshold:   policy.Threshold,
			DetectedAt:  now,
		}
		if err := tx.QueryRow(ctx,
			`INSERT INTO risk_events (policy_id, workspace_id, agent_id, breach_value, threshold, detected_at)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			ev.PolicyID, ev.WorkspaceID, ev.AgentID, ev.BreachValue, ev.Threshold, ev.DetectedAt,
		).Scan(&ev.ID); err != nil {
			return fmt.Errorf("insert risk event: %w", err)
		}

		agent, err := lockAgentTx(ctx, tx, policy.WorkspaceID, agentID)
		if err != nil {
			return err
		}
		before := agent.Control()
		after := before
		var mutErr error
		if mutate != nil {
			after, mutErr = applyControlTx(ctx, tx, policy.WorkspaceID, agentID, before, mutate, now)
		}

		policyID := policy.ID
		audit, err := insertAuditTx(ctx, tx, auditRecord{
			PolicyID:    &policyID,
			WorkspaceID: policy.WorkspaceID,
			AgentID:     agentID,
			Action:      policy.ActionType,
			Before:      before,
			After:       after,
			Err:         mutErr,
			At:          now,
		})
		if err != nil {
			return err
		}

		policy.LastTriggeredAt = &now
		out = model.Intervention{Policy: policy, Event: ev, Audit: audit, AgentID: agentID}
		fired = true
		return nil
	})
	if err != nil {
		return model.Intervention{}, false, fmt.Errorf("storage: execute intervention: %w", err)
	}
	return out, fired, nil
}

// applyControlTx runs mutate and writes its result inside a savepoint. On
// any failure the savepoint is rolled back and before is returned with the
// error.
func applyControlTx(ctx context.Context, tx pgx.Tx, workspaceID uuid.UUID, agentID string, before model.AgentControl, mutate MutateFunc, now time.Time) (model.AgentControl, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return before, fmt.Errorf("savepoint: %w", err)
	}
	after, err := mutate(before)
	if err == nil {
		err = setAgentControlTx(ctx, sp, workspaceID, agentID, after, now)
	}
	if err != nil {
		_ = sp.Rollback(ctx)
		return before, err
	}
	if err := sp.Commit(ctx); err != nil {
		return before, fmt.Errorf("release savepoint: %w", err)
	}
	return after, nil
}

type auditRecord struct {
	PolicyID    *uuid.UUID
	WorkspaceID uuid.UUID
	AgentID     string
	Action      model.ActionType
	Before      model.AgentControl
	After       model.AgentControl
	Err         error
	RevertsID   *uuid.UUID
	At          time.Time
}

func insertAuditTx(ctx context.Context, tx pgx.Tx, rec auditRecord) (model.RiskAuditEntry, error) {
	before, err := json.Marshal(rec.Before)
	if err != nil {
		return model.RiskAuditEntry{}, fmt.Errorf("marshal before state: %w", err)
	}
	after, err := json.Marshal(rec.After)
	if err != nil {
		return model.RiskAuditEntry{}, fmt.Errorf("marshal after state: %w", err)
	}
	entry := model.RiskAuditEntry{
		PolicyID:    rec.PolicyID,
		WorkspaceID: rec.WorkspaceID,
		AgentID:     rec.AgentID,
		ActionTaken: rec.Action,
		Success:     rec.Err == nil,
		BeforeState: before,
		AfterState:  after,
		RevertsID:   rec.RevertsID,
		CreatedAt:   rec.At,
	}
	if rec.Err != nil {
		msg := rec.Err.Error()
		entry.Error = &msg
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO risk_audit_log (policy_id, workspace_id, agent_id, action_taken, success, error,
		     before_state, after_state, reverts_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		entry.PolicyID, entry.WorkspaceID, entry.AgentID, string(entry.ActionTaken), entry.Success, entry.Error,
		before, after, entry.RevertsID, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return model.RiskAuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	return entry, nil
}

const auditColumns = `id, policy_id, workspace_id, agent_id, action_taken, success, error, before_state,
	after_state, reverts_id, created_at`

func scanAudit(row pgx.Row) (model.RiskAuditEntry, error) {
	var e model.RiskAuditEntry
	var before, after []byte
	err := row.Scan(&e.ID, &e.PolicyID, &e.WorkspaceID, &e.AgentID, &e.ActionTaken, &e.Success, &e.Error,
		&before, &after, &e.RevertsID, &e.CreatedAt)
	e.BeforeState = before
	e.AfterState = after
	return e, err
}

// GetAuditEntry returns one audit row scoped to the workspace.
func (db *DB) GetAuditEntry(ctx context.Context, workspaceID, id uuid.UUID) (model.RiskAuditEntry, error) {
	e, err := scanAudit(db.pool.QueryRow(ctx,
		`SELECT `+auditColumns+` FROM risk_audit_log WHERE id = $1 AND workspace_id = $2`, id, workspaceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RiskAuditEntry{}, fmt.Errorf("storage: audit entry %s: %w", id, ErrNotFound)
		}
		return model.RiskAuditEntry{}, fmt.Errorf("storage: get audit entry: %w", err)
	}
	return e, nil
}

// ListAudit returns audit rows newest first and the total matching count.
func (db *DB) ListAudit(ctx context.Context, workspaceID uuid.UUID, f model.AuditFilters) ([]model.RiskAuditEntry, int, error) {
	conditions := []string{"workspace_id = $1"}
	args := []any{workspaceID}
	add := func(cond string, v any) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if f.Action != "" {
		add("action_taken = $%d", string(f.Action))
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}
	where := " WHERE " + strings.Join(conditions, " AND ")

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM risk_audit_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count audit: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	rows, err := db.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM risk_audit_log`+where+
			fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list audit: %w", err)
	}
	defer rows.Close()

	var out []model.RiskAuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// ListRiskEvents returns breach records newest first.
func (db *DB) ListRiskEvents(ctx context.Context, workspaceID uuid.UUID, agentID string, limit, offset int) ([]model.RiskEvent, int, error) {
	if limit <= 0 {
		limit = 50
	}
	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM risk_events WHERE workspace_id = $1 AND ($2 = '' OR agent_id = $2)`,
		workspaceID, agentID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count risk events: %w", err)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, policy_id, workspace_id, agent_id, breach_value, threshold, detected_at
		 FROM risk_events WHERE workspace_id = $1 AND ($2 = '' OR agent_id = $2)
		 ORDER BY detected_at DESC, id LIMIT $3 OFFSET $4`,
		workspaceID, agentID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list risk events: %w", err)
	}
	defer rows.Close()

	var out []model.RiskEvent
	for rows.Next() {
		var ev model.RiskEvent
		if err := rows.Scan(&ev.ID, &ev.PolicyID, &ev.WorkspaceID, &ev.AgentID, &ev.BreachValue,
			&ev.Threshold, &ev.DetectedAt); err != nil {
			return nil, 0, fmt.Errorf("storage: scan risk event: %w", err)
		}
		out = append(out, ev)
	}
	return out, total, rows.Err()
}

// RevertAudit undoes the change recorded by an audit row and appends a
// revert row pointing at it. Only the fields that row changed are restored,
// and only where the agent still carries the value it set, so a revert
// never undoes a later intervention. ErrNothingToRevert is returned when
// no field qualifies.
func (db *DB) RevertAudit(ctx context.Context, workspaceID, auditID uuid.UUID, now time.Time) (model.RiskAuditEntry, error) {
	var out model.RiskAuditEntry
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		orig, err := scanAudit(tx.QueryRow(ctx,
			`SELECT `+auditColumns+` FROM risk_audit_log WHERE id = $1 AND workspace_id = $2`, auditID, workspaceID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("audit entry %s: %w", auditID, ErrNotFound)
			}
			return fmt.Errorf("load audit entry: %w", err)
		}
		var origBefore, origAfter model.AgentControl
		if err := json.Unmarshal(orig.BeforeState, &origBefore); err != nil {
			return fmt.Errorf("decode before state: %w", err)
		}
		if err := json.Unmarshal(orig.AfterState, &origAfter); err != nil {
			return fmt.Errorf("decode after state: %w", err)
		}

		agent, err := lockAgentTx(ctx, tx, workspaceID, orig.AgentID)
		if err != nil {
			return err
		}
		before := agent.Control()
		target, ok := model.RevertControl(origBefore, origAfter, before)
		if !ok {
			return fmt.Errorf("audit entry %s: %w", auditID, ErrNothingToRevert)
		}
		if err := setAgentControlTx(ctx, tx, workspaceID, orig.AgentID, target, now); err != nil {
			return err
		}
		out, err = insertAuditTx(ctx, tx, auditRecord{
			PolicyID:    orig.PolicyID,
			WorkspaceID: workspaceID,
			AgentID:     orig.AgentID,
			Action:      model.ActionRevert,
			Before:      before,
			After:       target,
			RevertsID:   &orig.ID,
			At:          now,
		})
		return err
	})
	if err != nil {
		return model.RiskAuditEntry{}, fmt.Errorf("storage: revert audit: %w", err)
	}
	return out, nil
}
