package store

import (
	"context"
	"fmt"
	"time"

	"github.com/bc9123/telemetry-project/pkg/model"
)

// CreateAPIKey persists a new key for a project. Only the bcrypt hash of
// the secret is stored; the caller holds the raw key.
func (s *Store) CreateAPIKey(ctx context.Context, projectID int64, prefix, hashedSecret string) (*model.APIKey, error) {
	var key model.APIKey
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO api_keys (project_id, prefix, hashed_secret)
		 VALUES ($1, $2, $3)
		 RETURNING id, project_id, prefix, hashed_secret, created_at`,
		projectID, prefix, hashedSecret,
	).Scan(&key.ID, &key.ProjectID, &key.Prefix, &key.HashedSecret, &key.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("create api key: %w", err)
	}
	return &key, nil
}

// GetAPIKeyByPrefix resolves a non-revoked key by its public prefix.
func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*model.APIKey, error) {
	var key model.APIKey
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, prefix, hashed_secret, created_at, revoked_at, last_used_at
		 FROM api_keys
		 WHERE prefix = $1 AND revoked_at IS NULL`,
		prefix,
	).Scan(&key.ID, &key.ProjectID, &key.Prefix, &key.HashedSecret,
		&key.CreatedAt, &key.RevokedAt, &key.LastUsedAt)
	if err != nil {
		return nil, wrapNotFound(err, "get api key")
	}
	return &key, nil
}

// TouchAPIKey records a successful use. Best effort; auth does not depend
// on it.
func (s *Store) TouchAPIKey(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}
