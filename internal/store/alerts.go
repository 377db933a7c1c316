package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
)

// ListEnabledAlertRules loads the rules the alert engine evaluates each tick.
func (s *Store) ListEnabledAlertRules(ctx context.Context) ([]models.AlertRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, expression, severity, enabled, cooldown_seconds, auto_resolve
		FROM alert_rules WHERE enabled ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list alert rules: %w", err)
	}
	defer rows.Close()

	var rules []models.AlertRule
	for rows.Next() {
		var r models.AlertRule
		if err := rows.Scan(&r.ID, &r.Name, &r.Expression, &r.Severity,
			&r.Enabled, &r.CooldownSeconds, &r.AutoResolve); err != nil {
			return nil, fmt.Errorf("store: scan alert rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// OpenAlert creates a new alert-history row unless one is already open for
// the same (device, rule_name). The partial unique index makes replays and
// racing workers collapse into a single open row. Returns whether a row was
// actually created.
func (s *Store) OpenAlert(ctx context.Context, a models.AlertHistory) (bool, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Context == nil {
		a.Context = map[string]string{}
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO alert_history (id, rule_id, rule_name, device_id, severity, triggered_at, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (device_id, rule_name) WHERE resolved_at IS NULL DO NOTHING`,
		a.ID, a.RuleID, a.RuleName, a.DeviceID, a.Severity, a.TriggeredAt.UTC(), a.Context)
	if err != nil {
		return false, fmt.Errorf("store: open alert %q for %s: %w", a.RuleName, a.DeviceID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResolveAlert closes the open alert for (device, rule_name), if any. Matching
// by denormalized rule name means a deleted-and-recreated rule resolves the
// original row.
func (s *Store) ResolveAlert(ctx context.Context, deviceID uuid.UUID, ruleName string, at time.Time, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alert_history
		SET resolved_at = $3,
		    context = context || jsonb_build_object('resolve_reason', $4::text)
		WHERE device_id = $1 AND rule_name = $2 AND resolved_at IS NULL`,
		deviceID, ruleName, at.UTC(), reason)
	if err != nil {
		return false, fmt.Errorf("store: resolve alert %q for %s: %w", ruleName, deviceID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResolveNonFlappingAlerts closes every open alert for a device except the
// flapping one. Used when the flapping overlay supersedes individual alerts.
func (s *Store) ResolveNonFlappingAlerts(ctx context.Context, deviceID uuid.UUID, keepRuleName string, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alert_history
		SET resolved_at = $3,
		    context = context || jsonb_build_object('resolve_reason', 'superseded-by-flapping'::text)
		WHERE device_id = $1 AND rule_name <> $2 AND resolved_at IS NULL`,
		deviceID, keepRuleName, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("store: resolve non-flapping alerts for %s: %w", deviceID, err)
	}
	return tag.RowsAffected(), nil
}

// OpenAlerts returns every unresolved alert row.
func (s *Store) OpenAlerts(ctx context.Context) ([]models.AlertHistory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, rule_id, rule_name, device_id, severity, triggered_at, resolved_at, context
		FROM alert_history WHERE resolved_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("store: open alerts: %w", err)
	}
	return scanAlerts(rows)
}

func scanAlerts(rows pgx.Rows) ([]models.AlertHistory, error) {
	defer rows.Close()
	var alerts []models.AlertHistory
	for rows.Next() {
		var a models.AlertHistory
		if err := rows.Scan(&a.ID, &a.RuleID, &a.RuleName, &a.DeviceID, &a.Severity,
			&a.TriggeredAt, &a.ResolvedAt, &a.Context); err != nil {
			return nil, fmt.Errorf("store: scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// LastResolvedAt returns when an alert for (device, rule_name) last resolved,
// for cooldown enforcement. Nil means it never fired or never resolved.
func (s *Store) LastResolvedAt(ctx context.Context, deviceID uuid.UUID, ruleName string) (*time.Time, error) {
	var t *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT max(resolved_at) FROM alert_history
		WHERE device_id = $1 AND rule_name = $2`, deviceID, ruleName).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("store: last resolved at: %w", err)
	}
	return t, nil
}
