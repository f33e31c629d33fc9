package store

import (
	"context"
	"fmt"

	"github.com/bc9123/telemetry-project/pkg/model"
)

const deviceColumns = `id, project_id, external_id, name, tags, created_at`

func scanDevice(row interface{ Scan(...any) error }) (*model.Device, error) {
	var d model.Device
	var rawTags []byte
	if err := row.Scan(&d.ID, &d.ProjectID, &d.ExternalID, &d.Name, &rawTags, &d.CreatedAt); err != nil {
		return nil, err
	}
	tags, err := scanTags(rawTags)
	if err != nil {
		return nil, err
	}
	d.Tags = tags
	return &d, nil
}

// CreateDevice registers a device. Returns ErrDuplicate when external_id is
// already taken within the project.
func (s *Store) CreateDevice(ctx context.Context, projectID int64, externalID, name string, tags []string) (*model.Device, error) {
	rawTags, err := jsonValue(model.NormalizeTags(tags))
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO devices (project_id, external_id, name, tags)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+deviceColumns,
		projectID, externalID, name, rawTags)
	d, err := scanDevice(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("create device: %w", err)
	}
	return d, nil
}

// GetDevice fetches a device by id.
func (s *Store) GetDevice(ctx context.Context, id int64) (*model.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	d, err := scanDevice(row)
	if err != nil {
		return nil, wrapNotFound(err, "get device")
	}
	return d, nil
}

// GetDeviceByExternalID resolves a device within a project.
func (s *Store) GetDeviceByExternalID(ctx context.Context, projectID int64, externalID string) (*model.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE project_id = $1 AND external_id = $2`,
		projectID, externalID)
	d, err := scanDevice(row)
	if err != nil {
		return nil, wrapNotFound(err, "get device by external id")
	}
	return d, nil
}

// ListDevices returns all devices of a project.
func (s *Store) ListDevices(ctx context.Context, projectID int64) ([]*model.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE project_id = $1 ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	devices := []*model.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// DeleteDevice removes a device. Returns ErrNotFound when no row matched.
func (s *Store) DeleteDevice(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDeviceTags replaces the tag set.
func (s *Store) SetDeviceTags(ctx context.Context, id int64, tags []string) (*model.Device, error) {
	return s.updateTags(ctx, id, model.NormalizeTags(tags))
}

// AddDeviceTags unions new tags into the existing set.
func (s *Store) AddDeviceTags(ctx context.Context, id int64, tags []string) (*model.Device, error) {
	d, err := s.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.updateTags(ctx, id, model.MergeTags(d.Tags, tags))
}

// RemoveDeviceTags drops the given tags, returning the sorted remainder.
func (s *Store) RemoveDeviceTags(ctx context.Context, id int64, tags []string) (*model.Device, error) {
	d, err := s.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.updateTags(ctx, id, model.RemoveTags(d.Tags, tags))
}

func (s *Store) updateTags(ctx context.Context, id int64, tags []string) (*model.Device, error) {
	rawTags, err := jsonValue(tags)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`UPDATE devices SET tags = $2 WHERE id = $1 RETURNING `+deviceColumns,
		id, rawTags)
	d, err := scanDevice(row)
	if err != nil {
		return nil, wrapNotFound(err, "update device tags")
	}
	return d, nil
}
