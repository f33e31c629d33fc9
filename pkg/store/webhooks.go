package store

import (
	"context"
	"fmt"

	"github.com/bc9123/telemetry-project/pkg/model"
)

const webhookColumns = `id, project_id, url, COALESCE(secret, ''), enabled, created_at`

func scanWebhook(row interface{ Scan(...any) error }) (*model.WebhookSubscription, error) {
	var w model.WebhookSubscription
	if err := row.Scan(&w.ID, &w.ProjectID, &w.URL, &w.Secret, &w.Enabled, &w.CreatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWebhook registers an enabled subscription for a project.
func (s *Store) CreateWebhook(ctx context.Context, projectID int64, url, secret string) (*model.WebhookSubscription, error) {
	var secretArg any
	if secret != "" {
		secretArg = secret
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO webhook_subscriptions (project_id, url, secret, enabled)
		 VALUES ($1, $2, $3, TRUE)
		 RETURNING `+webhookColumns,
		projectID, url, secretArg)
	w, err := scanWebhook(row)
	if err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	return w, nil
}

// GetWebhook fetches a subscription by id.
func (s *Store) GetWebhook(ctx context.Context, id int64) (*model.WebhookSubscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_subscriptions WHERE id = $1`, id)
	w, err := scanWebhook(row)
	if err != nil {
		return nil, wrapNotFound(err, "get webhook")
	}
	return w, nil
}

// ListWebhooks returns a project's subscriptions, optionally only enabled
// ones.
func (s *Store) ListWebhooks(ctx context.Context, projectID int64, enabledOnly bool) ([]*model.WebhookSubscription, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_subscriptions WHERE project_id = $1`
	if enabledOnly {
		query += ` AND enabled`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hooks := []*model.WebhookSubscription{}
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("list webhooks: %w", err)
		}
		hooks = append(hooks, w)
	}
	return hooks, rows.Err()
}

// DisableWebhook flips enabled off. In-flight deliveries observe the flag
// on their next attempt and terminate as failed.
func (s *Store) DisableWebhook(ctx context.Context, id int64) (*model.WebhookSubscription, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE webhook_subscriptions SET enabled = FALSE WHERE id = $1
		 RETURNING `+webhookColumns, id)
	w, err := scanWebhook(row)
	if err != nil {
		return nil, wrapNotFound(err, "disable webhook")
	}
	return w, nil
}
