package store

import (
	"context"
	"fmt"

	"github.com/bc9123/telemetry-project/pkg/model"
)

const ruleColumns = `id, project_id, name, metric, operator, threshold,
	window_n, required_k, cooldown_seconds, enabled, scope, tag`

func scanRule(row interface{ Scan(...any) error }) (*model.Rule, error) {
	var r model.Rule
	err := row.Scan(&r.ID, &r.ProjectID, &r.Name, &r.Metric, &r.Operator, &r.Threshold,
		&r.WindowN, &r.RequiredK, &r.CooldownSeconds, &r.Enabled, &r.Scope, &r.Tag)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRule persists a validated rule and returns it with its id.
func (s *Store) CreateRule(ctx context.Context, r *model.Rule) (*model.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO rules (project_id, name, metric, operator, threshold,
			window_n, required_k, cooldown_seconds, enabled, scope, tag)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+ruleColumns,
		r.ProjectID, r.Name, r.Metric, r.Operator, r.Threshold,
		r.WindowN, r.RequiredK, r.CooldownSeconds, r.Enabled, r.Scope, r.Tag)
	created, err := scanRule(row)
	if err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	return created, nil
}

// GetRule fetches a rule by id.
func (s *Store) GetRule(ctx context.Context, id int64) (*model.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if err != nil {
		return nil, wrapNotFound(err, "get rule")
	}
	return r, nil
}

// ListRules returns all rules of a project, newest first.
func (s *Store) ListRules(ctx context.Context, projectID int64) ([]*model.Rule, error) {
	return s.queryRules(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE project_id = $1 ORDER BY id DESC`, projectID)
}

// ListEnabledRules returns the enabled rules of a project.
func (s *Store) ListEnabledRules(ctx context.Context, projectID int64) ([]*model.Rule, error) {
	return s.queryRules(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE project_id = $1 AND enabled`, projectID)
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]*model.Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	rules := []*model.Rule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("list rules: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// UpdateRule overwrites the mutable fields of a rule.
func (s *Store) UpdateRule(ctx context.Context, r *model.Rule) (*model.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE rules SET name = $2, metric = $3, operator = $4, threshold = $5,
			window_n = $6, required_k = $7, cooldown_seconds = $8,
			enabled = $9, scope = $10, tag = $11
		 WHERE id = $1
		 RETURNING `+ruleColumns,
		r.ID, r.Name, r.Metric, r.Operator, r.Threshold,
		r.WindowN, r.RequiredK, r.CooldownSeconds, r.Enabled, r.Scope, r.Tag)
	updated, err := scanRule(row)
	if err != nil {
		return nil, wrapNotFound(err, "update rule")
	}
	return updated, nil
}

// DeleteRule removes a rule. Returns ErrNotFound when no row matched.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceRuleDevices swaps the explicit device bindings of a rule in one
// transaction.
func (s *Store) ReplaceRuleDevices(ctx context.Context, ruleID int64, deviceIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace rule devices: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rule_devices WHERE rule_id = $1`, ruleID); err != nil {
		return fmt.Errorf("replace rule devices: %w", err)
	}
	for _, did := range deviceIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rule_devices (rule_id, device_id) VALUES ($1, $2)
			 ON CONFLICT (rule_id, device_id) DO NOTHING`,
			ruleID, did); err != nil {
			return fmt.Errorf("replace rule devices: %w", err)
		}
	}
	return tx.Commit()
}

// ExplicitRuleIDsForDevice returns the rule ids bound to a device via
// EXPLICIT scope.
func (s *Store) ExplicitRuleIDsForDevice(ctx context.Context, deviceID int64) (map[int64]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rule_id FROM rule_devices WHERE device_id = $1`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("explicit rule ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("explicit rule ids: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}
