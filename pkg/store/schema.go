package store

import (
	"context"
	"fmt"
)

// schemaDDL bootstraps the database. Statements are idempotent; production
// schema evolution happens outside this process.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS orgs (
		id          BIGSERIAL PRIMARY KEY,
		name        VARCHAR(200) NOT NULL UNIQUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS projects (
		id          BIGSERIAL PRIMARY KEY,
		org_id      BIGINT NOT NULL REFERENCES orgs(id) ON DELETE CASCADE,
		name        VARCHAR(200) NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id             BIGSERIAL PRIMARY KEY,
		project_id     BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		prefix         VARCHAR(20) NOT NULL UNIQUE,
		hashed_secret  VARCHAR(200) NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		revoked_at     TIMESTAMPTZ,
		last_used_at   TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id           BIGSERIAL PRIMARY KEY,
		project_id   BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		external_id  VARCHAR(200) NOT NULL,
		name         VARCHAR(200) NOT NULL,
		tags         JSONB NOT NULL DEFAULT '[]',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT uq_device_project_external UNIQUE (project_id, external_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_devices_project_id ON devices (project_id)`,
	`CREATE TABLE IF NOT EXISTS telemetry_events (
		id          BIGSERIAL PRIMARY KEY,
		device_id   BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		ts          TIMESTAMPTZ NOT NULL,
		payload     JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_telemetry_device_ts ON telemetry_events (device_id, ts)`,
	`CREATE TABLE IF NOT EXISTS rules (
		id                BIGSERIAL PRIMARY KEY,
		project_id        BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		name              VARCHAR(200) NOT NULL,
		metric            VARCHAR(64) NOT NULL,
		operator          VARCHAR(4) NOT NULL DEFAULT '>',
		threshold         DOUBLE PRECISION NOT NULL,
		window_n          INTEGER NOT NULL DEFAULT 1,
		required_k        INTEGER NOT NULL DEFAULT 1,
		cooldown_seconds  INTEGER NOT NULL DEFAULT 300,
		enabled           BOOLEAN NOT NULL DEFAULT TRUE,
		scope             VARCHAR(16) NOT NULL DEFAULT 'ALL',
		tag               VARCHAR(64)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_rules_project_enabled ON rules (project_id, enabled)`,
	`CREATE TABLE IF NOT EXISTS rule_devices (
		id         BIGSERIAL PRIMARY KEY,
		rule_id    BIGINT NOT NULL REFERENCES rules(id) ON DELETE CASCADE,
		device_id  BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		CONSTRAINT uq_rule_device UNIQUE (rule_id, device_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_rule_devices_device_id ON rule_devices (device_id)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id            BIGSERIAL PRIMARY KEY,
		device_id     BIGINT NOT NULL REFERENCES devices(id),
		rule_id       BIGINT NOT NULL REFERENCES rules(id),
		triggered_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		details       JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_alerts_device_triggered_at ON alerts (device_id, triggered_at)`,
	`CREATE INDEX IF NOT EXISTS ix_alerts_rule_triggered_at ON alerts (rule_id, triggered_at)`,
	`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
		id          BIGSERIAL PRIMARY KEY,
		project_id  BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		url         VARCHAR(500) NOT NULL,
		secret      VARCHAR(200),
		enabled     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_webhooks_project_enabled ON webhook_subscriptions (project_id, enabled)`,
	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id                BIGSERIAL PRIMARY KEY,
		project_id        BIGINT NOT NULL REFERENCES projects(id),
		alert_id          BIGINT NOT NULL REFERENCES alerts(id),
		webhook_id        BIGINT NOT NULL REFERENCES webhook_subscriptions(id),
		status            VARCHAR(16) NOT NULL DEFAULT 'pending',
		attempts          INTEGER NOT NULL DEFAULT 0,
		last_status_code  INTEGER,
		last_error        TEXT,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		delivered_at      TIMESTAMPTZ,
		CONSTRAINT uq_delivery_alert_webhook UNIQUE (alert_id, webhook_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_delivery_project_status ON webhook_deliveries (project_id, status)`,
	`CREATE INDEX IF NOT EXISTS ix_delivery_project_created ON webhook_deliveries (project_id, created_at)`,
}

// Migrate applies the bootstrap DDL.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaDDL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
