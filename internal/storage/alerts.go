package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/ashita-ai/kansoku/internal/model"
)

const alertRuleColumns = `id, workspace_id, agent_id, rule_type, threshold, window_minutes, cooldown_minutes,
	enabled, webhook_url, last_triggered_at, last_evaluated_at, created_at, updated_at`

func scanAlertRule(row pgx.Row) (model.AlertRule, error) {
	var r model.AlertRule
	err := row.Scan(&r.ID, &r.WorkspaceID, &r.AgentID, &r.RuleType, &r.Threshold, &r.WindowMinutes,
		&r.CooldownMinutes, &r.Enabled, &r.WebhookURL, &r.LastTriggeredAt, &r.LastEvaluatedAt,
		&r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// CreateAlertRule inserts a rule if the workspace is below maxRules.
// The count and insert are serialized on the workspace row.
func (db *DB) CreateAlertRule(ctx context.Context, r model.AlertRule, maxRules int) (model.AlertRule, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	var created model.AlertRule
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockWorkspaceTx(ctx, tx, r.WorkspaceID); err != nil {
			return err
		}
		var count int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM alert_rules WHERE workspace_id = $1`, r.WorkspaceID).Scan(&count); err != nil {
			return fmt.Errorf("count alert rules: %w", err)
		}
		if count >= maxRules {
			return fmt.Errorf("%d of %d rules: %w", count, maxRules, ErrAlertRuleLimitExceeded)
		}
		var err error
		created, err = scanAlertRule(tx.QueryRow(ctx,
			`INSERT INTO alert_rules (id, workspace_id, agent_id, rule_type, threshold, window_minutes,
			     cooldown_minutes, enabled, webhook_url)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING `+alertRuleColumns,
			r.ID, r.WorkspaceID, r.AgentID, string(r.RuleType), r.Threshold, r.WindowMinutes,
			r.CooldownMinutes, r.Enabled, r.WebhookURL))
		if err != nil {
			return fmt.Errorf("insert alert rule: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.AlertRule{}, fmt.Errorf("storage: create alert rule: %w", err)
	}
	return created, nil
}

// GetAlertRule returns one rule scoped to the workspace.
func (db *DB) GetAlertRule(ctx context.Context, workspaceID, id uuid.UUID) (model.AlertRule, error) {
	r, err := scanAlertRule(db.pool.QueryRow(ctx,
		`SELECT `+alertRuleColumns+` FROM alert_rules WHERE id = $1 AND workspace_id = $2`, id, workspaceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AlertRule{}, fmt.Errorf("storage: alert rule %s: %w", id, ErrNotFound)
		}
		return model.AlertRule{}, fmt.Errorf("storage: get alert rule: %w", err)
	}
	return r, nil
}

// ListAlertRules returns a workspace's rules, oldest first.
func (db *DB) ListAlertRules(ctx context.Context, workspaceID uuid.UUID) ([]model.AlertRule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+alertRuleColumns+` FROM alert_rules WHERE workspace_id = $1 ORDER BY created_at, id`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("storage: list alert rules: %w", err)
	}
	return collectAlertRules(rows)
}

// ListEnabledAlertRules returns every enabled rule, least recently evaluated
// first, so a truncated evaluation resumes where it stopped.
func (db *DB) ListEnabledAlertRules(ctx context.Context) ([]model.AlertRule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+alertRuleColumns+` FROM alert_rules WHERE enabled
		 ORDER BY last_evaluated_at NULLS FIRST, id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list enabled alert rules: %w", err)
	}
	return collectAlertRules(rows)
}

func collectAlertRules(rows pgx.Rows) ([]model.AlertRule, error) {
	defer rows.Close()
	var out []model.AlertRule
	for rows.Next() {
		r, err := scanAlertRule(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan alert rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateAlertRule writes the mutable fields of a rule.
func (db *DB) UpdateAlertRule(ctx context.Context, r model.AlertRule) (model.AlertRule, error) {
	updated, err := scanAlertRule(db.pool.QueryRow(ctx,
		`UPDATE alert_rules SET threshold = $3, window_minutes = $4, cooldown_minutes = $5,
		     enabled = $6, webhook_url = $7, updated_at = now()
		 WHERE id = $1 AND workspace_id = $2
		 RETURNING `+alertRuleColumns,
		r.ID, r.WorkspaceID, r.Threshold, r.WindowMinutes, r.CooldownMinutes, r.Enabled, r.WebhookURL))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AlertRule{}, fmt.Errorf("storage: alert rule %s: %w", r.ID, ErrNotFound)
		}
		return model.AlertRule{}, fmt.Errorf("storage: update alert rule: %w", err)
	}
	return updated, nil
}

// DeleteAlertRule removes a rule. Its firings are kept with rule_id
// cleared.
func (db *DB) DeleteAlertRule(ctx context.Context, workspaceID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM alert_rules WHERE id = $1 AND workspace_id = $2`, id, workspaceID)
	if err != nil {
		return fmt.Errorf("storage: delete alert rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: alert rule %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkAlertRuleEvaluated records that the rule was looked at.
func (db *DB) MarkAlertRuleEvaluated(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := db.pool.Exec(ctx, `UPDATE alert_rules SET last_evaluated_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("storage: mark alert rule evaluated: %w", err)
	}
	return nil
}

// FireAlert claims the rule's cooldown and records a firing in one
// transaction. fired is false when another evaluation already fired the
// rule inside its cooldown; nothing is written in that case.
func (db *DB) FireAlert(ctx context.Context, rule model.AlertRule, value decimal.Decimal, message string, now time.Time) (model.AlertEvent, bool, error) {
	var ev model.AlertEvent
	fired := false
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		fired = false
		claimed, err := claimCooldownTx(ctx, tx, "alert_rules", rule.ID, rule.CooldownMinutes, now)
		if err != nil || !claimed {
			return err
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO alert_events (rule_id, workspace_id, agent_id, rule_type, metric_value, threshold,
			     message, triggered_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING id, rule_id, workspace_id, agent_id, rule_type, metric_value, threshold, message,
			     triggered_at, acknowledged, acknowledged_at`,
			rule.ID, rule.WorkspaceID, rule.AgentID, string(rule.RuleType), value, rule.Threshold, message, now,
		).Scan(&ev.ID, &ev.RuleID, &ev.WorkspaceID, &ev.AgentID, &ev.RuleType, &ev.MetricValue, &ev.Threshold,
			&ev.Message, &ev.TriggeredAt, &ev.Acknowledged, &ev.AcknowledgedAt)
		if err != nil {
			return fmt.Errorf("insert alert event: %w", err)
		}
		fired = true
		return nil
	})
	if err != nil {
		return model.AlertEvent{}, false, fmt.Errorf("storage: fire alert: %w", err)
	}
	return ev, fired, nil
}

// claimCooldownTx sets last_triggered_at = now on the row if its cooldown
// has elapsed, and reports whether it did. Two evaluations racing on the
// same row serialize on the row lock; the loser sees the winner's timestamp
// and claims nothing.
func claimCooldownTx(ctx context.Context, tx pgx.Tx, table string, id uuid.UUID, cooldownMinutes int, now time.Time) (bool, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE `+table+` SET last_triggered_at = $2
		 WHERE id = $1
		   AND (last_triggered_at IS NULL OR last_triggered_at <= $2 - make_interval(mins => $3))`,
		id, now, cooldownMinutes)
	if err != nil {
		return false, fmt.Errorf("claim cooldown: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const alertEventColumns = `id, rule_id, workspace_id, agent_id, rule_type, metric_value, threshold, message,
	triggered_at, acknowledged, acknowledged_at`

// ListAlertEvents returns firings newest first and the total matching count.
func (db *DB) ListAlertEvents(ctx context.Context, workspaceID uuid.UUID, f model.AlertEventFilters) ([]model.AlertEvent, int, error) {
	conditions := []string{"workspace_id = $1"}
	args := []any{workspaceID}
	add := func(cond string, v any) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if f.RuleID != nil {
		add("rule_id = $%d", *f.RuleID)
	}
	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if f.Acknowledged != nil {
		add("acknowledged = $%d", *f.Acknowledged)
	}
	if !f.From.IsZero() {
		add("triggered_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("triggered_at < $%d", f.To)
	}
	where := " WHERE " + strings.Join(conditions, " AND ")

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM alert_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count alert events: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	rows, err := db.pool.Query(ctx,
		`SELECT `+alertEventColumns+` FROM alert_events`+where+
			fmt.Sprintf(` ORDER BY triggered_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list alert events: %w", err)
	}
	defer rows.Close()

	var out []model.AlertEvent
	for rows.Next() {
		var ev model.AlertEvent
		if err := rows.Scan(&ev.ID, &ev.RuleID, &ev.WorkspaceID, &ev.AgentID, &ev.RuleType, &ev.MetricValue,
			&ev.Threshold, &ev.Message, &ev.TriggeredAt, &ev.Acknowledged, &ev.AcknowledgedAt); err != nil {
			return nil, 0, fmt.Errorf("storage: scan alert event: %w", err)
		}
		out = append(out, ev)
	}
	return out, total, rows.Err()
}

// AckAlertEvent marks a firing acknowledged. Acknowledging twice keeps the
// first acknowledgement time.
func (db *DB) AckAlertEvent(ctx context.Context, workspaceID, id uuid.UUID, at time.Time) (model.AlertEvent, error) {
	var ev model.AlertEvent
	err := db.pool.QueryRow(ctx,
		`UPDATE alert_events SET acknowledged = true, acknowledged_at = COALESCE(acknowledged_at, $3)
		 WHERE id = $1 AND workspace_id = $2
		 RETURNING `+alertEventColumns,
		id, workspaceID, at,
	).Scan(&ev.ID, &ev.RuleID, &ev.WorkspaceID, &ev.AgentID, &ev.RuleType, &ev.MetricValue,
		&ev.Threshold, &ev.Message, &ev.TriggeredAt, &ev.Acknowledged, &ev.AcknowledgedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AlertEvent{}, fmt.Errorf("storage: alert event %s: %w", id, ErrNotFound)
		}
		return model.AlertEvent{}, fmt.Errorf("storage: ack alert event: %w", err)
	}
	return ev, nil
}

// CountOpenAlerts counts unacknowledged firings in a workspace.
func (db *DB) CountOpenAlerts(ctx context.Context, workspaceID uuid.UUID) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM alert_events WHERE workspace_id = $1 AND NOT acknowledged`, workspaceID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count open alerts: %w", err)
	}
	return n, nil
}
