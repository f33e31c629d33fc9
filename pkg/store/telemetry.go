package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bc9123/telemetry-project/pkg/model"
)

// EventInsert is one parsed event ready for persistence.
type EventInsert struct {
	TS      time.Time
	Payload map[string]any
}

// InsertEvents bulk-inserts events for a device in a single transaction.
func (s *Store) InsertEvents(ctx context.Context, deviceID int64, events []EventInsert) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var sb strings.Builder
	sb.WriteString(`INSERT INTO telemetry_events (device_id, ts, payload) VALUES `)
	args := make([]any, 0, len(events)*3)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d)", i*3+1, i*3+2, i*3+3)
		payload, err := jsonValue(e.Payload)
		if err != nil {
			return err
		}
		args = append(args, deviceID, e.TS, payload)
	}

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return tx.Commit()
}

func scanEvent(row interface{ Scan(...any) error }) (*model.TelemetryEvent, error) {
	var e model.TelemetryEvent
	var rawPayload []byte
	if err := row.Scan(&e.ID, &e.DeviceID, &e.TS, &rawPayload); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rawPayload, &e.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &e, nil
}

// LatestEvents returns the newest limit events for a device ordered by
// (ts DESC, id DESC). The evaluation engine reads its window through this.
func (s *Store) LatestEvents(ctx context.Context, deviceID int64, limit int) ([]*model.TelemetryEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, ts, payload FROM telemetry_events
		 WHERE device_id = $1 ORDER BY ts DESC, id DESC LIMIT $2`,
		deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("latest events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []*model.TelemetryEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("latest events: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestEvent returns the single newest event for a device.
func (s *Store) LatestEvent(ctx context.Context, deviceID int64) (*model.TelemetryEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, ts, payload FROM telemetry_events
		 WHERE device_id = $1 ORDER BY ts DESC, id DESC LIMIT 1`,
		deviceID)
	e, err := scanEvent(row)
	if err != nil {
		return nil, wrapNotFound(err, "latest event")
	}
	return e, nil
}

// EventsSince returns events at or after the given instant, newest first.
func (s *Store) EventsSince(ctx context.Context, deviceID int64, since time.Time) ([]*model.TelemetryEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, ts, payload FROM telemetry_events
		 WHERE device_id = $1 AND ts >= $2 ORDER BY ts DESC, id DESC`,
		deviceID, since)
	if err != nil {
		return nil, fmt.Errorf("events since: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []*model.TelemetryEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("events since: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
