package store

import "context"

// Schema statements are idempotent so `telemetryd migrate` can be re-run
// against an existing database.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS diagnostic_sessions (
		id               UUID PRIMARY KEY,
		user_id          TEXT NOT NULL,
		vehicle_id       TEXT NOT NULL,
		name             TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'active',
		started_at       TIMESTAMPTZ NOT NULL,
		ended_at         TIMESTAMPTZ,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		data_point_count INTEGER NOT NULL DEFAULT 0,
		vehicle_info     JSONB NOT NULL DEFAULT '{}'::jsonb,
		parameters       TEXT[] NOT NULL DEFAULT '{}',
		tags             TEXT[] NOT NULL DEFAULT '{}',
		notes            TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS data_points (
		id              BIGSERIAL PRIMARY KEY,
		session_id      UUID NOT NULL REFERENCES diagnostic_sessions(id) ON DELETE CASCADE,
		recorded_at     TIMESTAMPTZ NOT NULL,
		rpm             DOUBLE PRECISION,
		speed           DOUBLE PRECISION,
		engine_temp     DOUBLE PRECISION,
		throttle_pos    DOUBLE PRECISION,
		engine_load     DOUBLE PRECISION,
		fuel_level      DOUBLE PRECISION,
		intake_temp     DOUBLE PRECISION,
		maf_rate        DOUBLE PRECISION,
		battery_voltage DOUBLE PRECISION,
		extra           JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS data_points_session_recorded_idx
		ON data_points (session_id, recorded_at)`,
	`CREATE TABLE IF NOT EXISTS shared_sessions (
		code       TEXT PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES diagnostic_sessions(id) ON DELETE CASCADE,
		host_id    TEXT NOT NULL,
		is_active  BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at TIMESTAMPTZ NOT NULL,
		viewers    JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS shared_sessions_session_idx ON shared_sessions (session_id)`,
	`CREATE TABLE IF NOT EXISTS analysis_records (
		id           UUID PRIMARY KEY,
		session_id   UUID NOT NULL REFERENCES diagnostic_sessions(id) ON DELETE CASCADE,
		kind         TEXT NOT NULL,
		label        TEXT NOT NULL,
		status       TEXT NOT NULL,
		requested_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		duration_ms  BIGINT NOT NULL DEFAULT 0,
		result       JSONB,
		artifacts    JSONB NOT NULL DEFAULT '[]'::jsonb,
		error        TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS analysis_records_session_idx ON analysis_records (session_id, requested_at)`,
}

func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
