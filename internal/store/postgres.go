package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a session, share, or analysis record does not
// exist. Lookup failures from pgx are mapped onto it so callers never have to
// import the driver.
var ErrNotFound = errors.New("not found")

// ErrStaleStatus is returned by guarded status updates when the row is no
// longer in the state the caller observed. The observed-status predicate in
// the UPDATE is what makes lifecycle transitions safe under concurrent
// requests.
var ErrStaleStatus = errors.New("session status changed concurrently")

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Health(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

const sessionColumns = `id, user_id, vehicle_id, name, status, started_at, ended_at,
	 duration_seconds, data_point_count, vehicle_info, parameters, tags, notes, created_at`

func (p *Postgres) CreateSession(ctx context.Context, cfg SessionConfig, startedAt time.Time) (Session, error) {
	session := Session{}
	err := p.pool.QueryRow(
		ctx,
		`INSERT INTO diagnostic_sessions
		   (id, user_id, vehicle_id, name, status, started_at, vehicle_info, parameters, tags, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+sessionColumns,
		uuid.NewString(),
		cfg.UserID,
		cfg.VehicleID,
		cfg.Name,
		StatusActive,
		startedAt,
		cfg.VehicleInfo,
		cfg.Parameters,
		cfg.Tags,
		cfg.Notes,
	).Scan(sessionFields(&session)...)
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (Session, error) {
	session := Session{}
	err := p.pool.QueryRow(
		ctx,
		`SELECT `+sessionColumns+` FROM diagnostic_sessions WHERE id = $1`,
		id,
	).Scan(sessionFields(&session)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

func sessionFields(s *Session) []any {
	return []any{
		&s.ID,
		&s.UserID,
		&s.VehicleID,
		&s.Name,
		&s.Status,
		&s.StartedAt,
		&s.EndedAt,
		&s.DurationSeconds,
		&s.DataPointCount,
		&s.VehicleInfo,
		&s.Parameters,
		&s.Tags,
		&s.Notes,
		&s.CreatedAt,
	}
}

// UpdateSessionStatus moves a session from the status the caller observed to
// a new one. The compare-and-swap predicate means a transition raced by
// another request updates zero rows instead of clobbering the winner.
func (p *Postgres) UpdateSessionStatus(ctx context.Context, id string, from, to SessionStatus) error {
	tag, err := p.pool.Exec(
		ctx,
		`UPDATE diagnostic_sessions SET status = $3 WHERE id = $1 AND status = $2`,
		id,
		from,
		to,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return p.statusGuardError(ctx, id)
	}
	return nil
}

// FinishSession stamps the end of a recording and marks it completed. Only an
// active session can be finished; a concurrent finisher loses the race and
// gets ErrStaleStatus.
func (p *Postgres) FinishSession(ctx context.Context, id string, endedAt time.Time, durationSeconds int) error {
	tag, err := p.pool.Exec(
		ctx,
		`UPDATE diagnostic_sessions
		 SET status = $2, ended_at = $3, duration_seconds = $4
		 WHERE id = $1 AND status = $5`,
		id,
		StatusCompleted,
		endedAt,
		durationSeconds,
		StatusActive,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return p.statusGuardError(ctx, id)
	}
	return nil
}

// statusGuardError reports why a guarded UPDATE matched nothing: the session
// is gone, or its status moved out from under the caller.
func (p *Postgres) statusGuardError(ctx context.Context, id string) error {
	var status SessionStatus
	err := p.pool.QueryRow(ctx, `SELECT status FROM diagnostic_sessions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: now %s", ErrStaleStatus, status)
}

func (p *Postgres) AddToDataPointCount(ctx context.Context, id string, delta int) error {
	tag, err := p.pool.Exec(
		ctx,
		`UPDATE diagnostic_sessions
		 SET data_point_count = data_point_count + $2
		 WHERE id = $1`,
		id,
		delta,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteSession(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM diagnostic_sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertDataPoints writes one batch of points for a session. The batch is a
// single round trip; each point is durable once the batch returns nil.
func (p *Postgres) InsertDataPoints(ctx context.Context, sessionID string, points []DataPoint) error {
	if len(points) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, point := range points {
		batch.Queue(
			`INSERT INTO data_points
			   (session_id, recorded_at, rpm, speed, engine_temp, throttle_pos,
			    engine_load, fuel_level, intake_temp, maf_rate, battery_voltage, extra)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			sessionID,
			point.Timestamp,
			point.RPM,
			point.Speed,
			point.EngineTemp,
			point.ThrottlePos,
			point.EngineLoad,
			point.FuelLevel,
			point.IntakeTemp,
			point.MAFRate,
			point.BatteryVoltage,
			point.Extra,
		)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range points {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert data point batch: %w", err)
		}
	}
	return results.Close()
}

func (p *Postgres) CountDataPoints(ctx context.Context, sessionID string) (int, error) {
	count := 0
	err := p.pool.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM data_points WHERE session_id = $1`,
		sessionID,
	).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (p *Postgres) RecentDataPoints(ctx context.Context, sessionID string, since time.Time, limit int) ([]DataPoint, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := p.pool.Query(
		ctx,
		`SELECT session_id, recorded_at, rpm, speed, engine_temp, throttle_pos,
		        engine_load, fuel_level, intake_temp, maf_rate, battery_voltage, extra
		 FROM data_points
		 WHERE session_id = $1 AND recorded_at > $2
		 ORDER BY recorded_at ASC
		 LIMIT $3`,
		sessionID,
		since,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := make([]DataPoint, 0)
	for rows.Next() {
		point := DataPoint{}
		if err := rows.Scan(
			&point.SessionID,
			&point.Timestamp,
			&point.RPM,
			&point.Speed,
			&point.EngineTemp,
			&point.ThrottlePos,
			&point.EngineLoad,
			&point.FuelLevel,
			&point.IntakeTemp,
			&point.MAFRate,
			&point.BatteryVoltage,
			&point.Extra,
		); err != nil {
			return nil, err
		}
		points = append(points, point)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return points, nil
}

const sharedColumns = `code, session_id, host_id, is_active, created_at, expires_at, viewers`

func (p *Postgres) CreateSharedSession(ctx context.Context, share SharedSession) (SharedSession, error) {
	stored := SharedSession{}
	err := p.pool.QueryRow(
		ctx,
		`INSERT INTO shared_sessions (code, session_id, host_id, is_active, created_at, expires_at, viewers)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+sharedColumns,
		share.Code,
		share.SessionID,
		share.HostID,
		share.IsActive,
		share.CreatedAt,
		share.ExpiresAt,
		share.Viewers,
	).Scan(sharedFields(&stored)...)
	if err != nil {
		return SharedSession{}, err
	}
	return stored, nil
}

func (p *Postgres) GetSharedSession(ctx context.Context, code string) (SharedSession, error) {
	stored := SharedSession{}
	err := p.pool.QueryRow(
		ctx,
		`SELECT `+sharedColumns+` FROM shared_sessions WHERE code = $1`,
		code,
	).Scan(sharedFields(&stored)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return SharedSession{}, ErrNotFound
	}
	if err != nil {
		return SharedSession{}, err
	}
	return stored, nil
}

func sharedFields(s *SharedSession) []any {
	return []any{
		&s.Code,
		&s.SessionID,
		&s.HostID,
		&s.IsActive,
		&s.CreatedAt,
		&s.ExpiresAt,
		&s.Viewers,
	}
}

func (p *Postgres) TouchViewer(ctx context.Context, code, clientID string, seenAt time.Time) error {
	tag, err := p.pool.Exec(
		ctx,
		`UPDATE shared_sessions
		 SET viewers = viewers || jsonb_build_object($2::text, to_jsonb($3::timestamptz))
		 WHERE code = $1 AND is_active`,
		code,
		clientID,
		seenAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) RemoveViewer(ctx context.Context, code, clientID string) error {
	tag, err := p.pool.Exec(
		ctx,
		`UPDATE shared_sessions SET viewers = viewers - $2 WHERE code = $1`,
		code,
		clientID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateSharedSessions flips every active share for the session and
// returns their codes so viewers can be told the host is gone.
func (p *Postgres) DeactivateSharedSessions(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := p.pool.Query(
		ctx,
		`UPDATE shared_sessions SET is_active = FALSE
		 WHERE session_id = $1 AND is_active
		 RETURNING code`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	codes := make([]string, 0)
	for rows.Next() {
		code := ""
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

func (p *Postgres) ExpireSharedSessions(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.pool.Exec(
		ctx,
		`UPDATE shared_sessions SET is_active = FALSE WHERE is_active AND expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

const analysisColumns = `id, session_id, kind, label, status, requested_at, completed_at,
	 duration_ms, result, artifacts, error`

func (p *Postgres) CreateAnalysisRecord(ctx context.Context, record AnalysisRecord) (AnalysisRecord, error) {
	stored := AnalysisRecord{}
	err := p.pool.QueryRow(
		ctx,
		`INSERT INTO analysis_records
		   (id, session_id, kind, label, status, requested_at, result, artifacts, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+analysisColumns,
		record.ID,
		record.SessionID,
		record.Kind,
		record.Label,
		record.Status,
		record.RequestedAt,
		record.Result,
		record.Artifacts,
		record.Error,
	).Scan(analysisFields(&stored)...)
	if err != nil {
		return AnalysisRecord{}, err
	}
	return stored, nil
}

func (p *Postgres) UpdateAnalysisRecord(ctx context.Context, record AnalysisRecord) error {
	tag, err := p.pool.Exec(
		ctx,
		`UPDATE analysis_records
		 SET status = $2, completed_at = $3, duration_ms = $4, result = $5, artifacts = $6, error = $7
		 WHERE id = $1`,
		record.ID,
		record.Status,
		record.CompletedAt,
		record.DurationMs,
		record.Result,
		record.Artifacts,
		record.Error,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetAnalysisRecord(ctx context.Context, id string) (AnalysisRecord, error) {
	stored := AnalysisRecord{}
	err := p.pool.QueryRow(
		ctx,
		`SELECT `+analysisColumns+` FROM analysis_records WHERE id = $1`,
		id,
	).Scan(analysisFields(&stored)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return AnalysisRecord{}, ErrNotFound
	}
	if err != nil {
		return AnalysisRecord{}, err
	}
	return stored, nil
}

func (p *Postgres) ListAnalysisRecords(ctx context.Context, sessionID string, kind AnalysisKind) ([]AnalysisRecord, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT `+analysisColumns+`
		 FROM analysis_records
		 WHERE session_id = $1 AND ($2 = '' OR kind = $2)
		 ORDER BY requested_at ASC`,
		sessionID,
		string(kind),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]AnalysisRecord, 0)
	for rows.Next() {
		record := AnalysisRecord{}
		if err := rows.Scan(analysisFields(&record)...); err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func analysisFields(r *AnalysisRecord) []any {
	return []any{
		&r.ID,
		&r.SessionID,
		&r.Kind,
		&r.Label,
		&r.Status,
		&r.RequestedAt,
		&r.CompletedAt,
		&r.DurationMs,
		&r.Result,
		&r.Artifacts,
		&r.Error,
	}
}
