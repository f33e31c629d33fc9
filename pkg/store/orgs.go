package store

import (
	"context"
	"fmt"

	"github.com/bc9123/telemetry-project/pkg/model"
)

// CreateOrg inserts a new organization. Returns ErrDuplicate when the name
// is taken.
func (s *Store) CreateOrg(ctx context.Context, name string) (*model.Org, error) {
	var org model.Org
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO orgs (name) VALUES ($1) RETURNING id, name, created_at`,
		name,
	).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("create org: %w", err)
	}
	return &org, nil
}

// GetOrg fetches an organization by id.
func (s *Store) GetOrg(ctx context.Context, id int64) (*model.Org, error) {
	var org model.Org
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM orgs WHERE id = $1`, id,
	).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "get org")
	}
	return &org, nil
}

// CreateProject inserts a project under an org.
func (s *Store) CreateProject(ctx context.Context, orgID int64, name string) (*model.Project, error) {
	var p model.Project
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO projects (org_id, name) VALUES ($1, $2)
		 RETURNING id, org_id, name, created_at`,
		orgID, name,
	).Scan(&p.ID, &p.OrgID, &p.Name, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return &p, nil
}

// GetProject fetches a project by id.
func (s *Store) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	var p model.Project
	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, created_at FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.OrgID, &p.Name, &p.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "get project")
	}
	return &p, nil
}
