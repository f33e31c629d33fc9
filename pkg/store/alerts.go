package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bc9123/telemetry-project/pkg/model"
)

// CreateAlertInCooldown inserts an alert for (deviceID, rule) unless a
// previous alert for the pair is still inside the rule's cooldown.
//
// The whole check-then-insert runs in one transaction under a two-key
// advisory lock on (device_id, rule_id), so concurrent evaluations of the
// same pair cannot both observe an empty cooldown. The lock is released at
// commit/rollback. Returns (0, false, nil) when suppressed by cooldown.
func (s *Store) CreateAlertInCooldown(ctx context.Context, deviceID int64, rule *model.Rule, details model.AlertDetails, now time.Time) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("create alert: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Advisory lock keys are int4; ids are truncated the same way on every
	// participant, which is all the serialization needs.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock($1, $2)`,
		int32(deviceID), int32(rule.ID)); err != nil {
		return 0, false, fmt.Errorf("create alert: advisory lock: %w", err)
	}

	var last time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT triggered_at FROM alerts
		 WHERE device_id = $1 AND rule_id = $2
		 ORDER BY triggered_at DESC LIMIT 1`,
		deviceID, rule.ID,
	).Scan(&last)
	switch {
	case err == nil:
		if now.Sub(last) < time.Duration(rule.CooldownSeconds)*time.Second {
			return 0, false, nil
		}
	case errors.Is(err, sql.ErrNoRows):
		// no prior alert, cooldown vacuously satisfied
	default:
		return 0, false, fmt.Errorf("create alert: read cooldown: %w", err)
	}

	rawDetails, err := jsonValue(details)
	if err != nil {
		return 0, false, err
	}

	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO alerts (device_id, rule_id, triggered_at, details)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		deviceID, rule.ID, now, rawDetails,
	).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("create alert: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("create alert: commit: %w", err)
	}
	return id, true, nil
}

func scanAlert(row interface{ Scan(...any) error }) (*model.Alert, error) {
	var a model.Alert
	var rawDetails []byte
	if err := row.Scan(&a.ID, &a.DeviceID, &a.RuleID, &a.TriggeredAt, &rawDetails); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rawDetails, &a.Details); err != nil {
		return nil, fmt.Errorf("decode alert details: %w", err)
	}
	return &a, nil
}

// GetAlert fetches an alert by id.
func (s *Store) GetAlert(ctx context.Context, id int64) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, rule_id, triggered_at, details FROM alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if err != nil {
		return nil, wrapNotFound(err, "get alert")
	}
	return a, nil
}

// ListAlertsForDevice returns recent alerts, newest first.
func (s *Store) ListAlertsForDevice(ctx context.Context, deviceID int64, limit int) ([]*model.Alert, error) {
	return s.queryAlerts(ctx,
		`SELECT id, device_id, rule_id, triggered_at, details FROM alerts
		 WHERE device_id = $1 ORDER BY triggered_at DESC LIMIT $2`,
		deviceID, limit)
}

// ListAlertsForProject returns recent alerts across all devices of a
// project, newest first.
func (s *Store) ListAlertsForProject(ctx context.Context, projectID int64, limit int) ([]*model.Alert, error) {
	return s.queryAlerts(ctx,
		`SELECT a.id, a.device_id, a.rule_id, a.triggered_at, a.details
		 FROM alerts a JOIN devices d ON d.id = a.device_id
		 WHERE d.project_id = $1 ORDER BY a.triggered_at DESC LIMIT $2`,
		projectID, limit)
}

func (s *Store) queryAlerts(ctx context.Context, query string, args ...any) ([]*model.Alert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	alerts := []*model.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("list alerts: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
