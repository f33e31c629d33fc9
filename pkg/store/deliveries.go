package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bc9123/telemetry-project/pkg/model"
)

// sendingStaleAfter is how long a 'sending' claim holds before another
// worker may steal it (self-recovery after a crashed attempt).
const sendingStaleAfter = 120 * time.Second

const deliveryColumns = `id, project_id, alert_id, webhook_id, status, attempts,
	last_status_code, last_error, created_at, updated_at, delivered_at`

func scanDelivery(row interface{ Scan(...any) error }) (*model.WebhookDelivery, error) {
	var d model.WebhookDelivery
	err := row.Scan(&d.ID, &d.ProjectID, &d.AlertID, &d.WebhookID, &d.Status, &d.Attempts,
		&d.LastStatusCode, &d.LastError, &d.CreatedAt, &d.UpdatedAt, &d.DeliveredAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// EnsureDelivery idempotently creates the delivery row for
// (alertID, webhookID) and returns its id whether or not it already
// existed. The conflict arm is a no-op update so RETURNING always yields
// the row.
func (s *Store) EnsureDelivery(ctx context.Context, projectID, alertID, webhookID int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO webhook_deliveries (project_id, alert_id, webhook_id, status, attempts)
		 VALUES ($1, $2, $3, 'pending', 0)
		 ON CONFLICT (alert_id, webhook_id)
		 DO UPDATE SET updated_at = webhook_deliveries.updated_at
		 RETURNING id`,
		projectID, alertID, webhookID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure delivery: %w", err)
	}
	return id, nil
}

// GetDelivery fetches a delivery by id.
func (s *Store) GetDelivery(ctx context.Context, id int64) (*model.WebhookDelivery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if err != nil {
		return nil, wrapNotFound(err, "get delivery")
	}
	return d, nil
}

// TryMarkSending attempts to claim a delivery for one attempt. The claim
// succeeds when the row is pending or retrying, or sending but stale. On
// success the attempt counter is bumped and the last error/status cleared.
// Returns false when another worker holds the row or it is terminal.
func (s *Store) TryMarkSending(ctx context.Context, id int64, now time.Time) (bool, error) {
	var claimed int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE webhook_deliveries
		 SET status = 'sending', attempts = attempts + 1, updated_at = $2,
		     last_error = NULL, last_status_code = NULL
		 WHERE id = $1 AND (
		     status IN ('pending', 'retrying')
		     OR (status = 'sending' AND updated_at < $3)
		 )
		 RETURNING id`,
		id, now, now.Add(-sendingStaleAfter),
	).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark sending: %w", err)
	}
	return true, nil
}

// MarkSuccess finalizes a sending delivery as delivered.
func (s *Store) MarkSuccess(ctx context.Context, id int64, statusCode int, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_deliveries
		 SET status = 'success', last_status_code = $2, delivered_at = $3, updated_at = $3
		 WHERE id = $1 AND status = 'sending'`,
		id, statusCode, now)
	if err != nil {
		return fmt.Errorf("mark success: %w", err)
	}
	return nil
}

// MarkFailed finalizes a sending delivery as terminally failed.
func (s *Store) MarkFailed(ctx context.Context, id int64, statusCode *int, lastError string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_deliveries
		 SET status = 'failed', last_status_code = $2, last_error = $3, updated_at = $4
		 WHERE id = $1 AND status = 'sending'`,
		id, statusCode, lastError, now)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// MarkRetrying parks a sending delivery until its scheduled retry.
func (s *Store) MarkRetrying(ctx context.Context, id int64, statusCode *int, lastError string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_deliveries
		 SET status = 'retrying', last_status_code = $2, last_error = $3, updated_at = $4
		 WHERE id = $1 AND status = 'sending'`,
		id, statusCode, lastError, now)
	if err != nil {
		return fmt.Errorf("mark retrying: %w", err)
	}
	return nil
}

// ListDeliveries returns a project's deliveries, newest first, optionally
// filtered by status.
func (s *Store) ListDeliveries(ctx context.Context, projectID int64, status string, limit int) ([]*model.WebhookDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE project_id = $1`
	args := []any{projectID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	deliveries := []*model.WebhookDelivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("list deliveries: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}
