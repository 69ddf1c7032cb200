package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"

	"github.com/linecaptcha/lineserver/geometry"
)

// PostgresStore is a Store backed by Postgres. UpdatePeekProgress and
// MarkUsed run inside a SELECT ... FOR UPDATE transaction so a lost update
// cannot let peekPos regress or nonceUsed flip back to false under
// concurrent peek/verify traffic on the same challenge id (spec.md §5).
type PostgresStore struct {
	pool *pgxpool.Pool
	zenc *zstd.Encoder
}

// Open connects to Postgres at dsn and returns a PostgresStore. It does not
// run migrations; call Migrate separately during deployment.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	zenc, err := zstd.NewWriter(nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: init zstd encoder: %w", err)
	}
	return &PostgresStore{pool: pool, zenc: zenc}, nil
}

// schemaVersion tracks the single forward-only migration this store
// applies. Unlike original_source/backend/db.py's best-effort `ALTER TABLE
// ... ADD COLUMN` probing (which silently swallows errors on every column it
// has already added), Migrate runs one idempotent DDL step (CREATE ... IF NOT
// EXISTS) on every call and records the version in a schema_migrations row;
// it does not read that row back before applying the DDL.
const schemaVersion = 1

// Migrate creates the challenges and attempt_logs tables if they do not
// exist, and records the applied schema version.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now());

CREATE TABLE IF NOT EXISTS challenges (
	id               TEXT PRIMARY KEY,
	seed             TEXT NOT NULL,
	points_json      JSONB NOT NULL,
	path_length      DOUBLE PRECISION NOT NULL,
	ttl_ms           BIGINT NOT NULL,
	nonce            TEXT NOT NULL,
	tolerance_mouse  DOUBLE PRECISION NOT NULL,
	tolerance_touch  DOUBLE PRECISION NOT NULL,
	jitter_mouse     DOUBLE PRECISION NOT NULL,
	jitter_touch     DOUBLE PRECISION NOT NULL,
	peek_pos         DOUBLE PRECISION NOT NULL DEFAULT 0,
	peek_count       INTEGER NOT NULL DEFAULT 0,
	last_peek_at     TIMESTAMPTZ,
	nonce_used       BOOLEAN NOT NULL DEFAULT false,
	created_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS attempt_logs (
	attempt_id            TEXT PRIMARY KEY,
	session_id            TEXT NOT NULL,
	challenge_id          TEXT NOT NULL,
	pointer_type          TEXT NOT NULL,
	os_family             TEXT,
	browser_family        TEXT,
	device_pixel_ratio    DOUBLE PRECISION,
	path_seed             TEXT NOT NULL,
	path_length_px        DOUBLE PRECISION NOT NULL,
	tolerance_px          DOUBLE PRECISION NOT NULL,
	tolerance_jitter_px   DOUBLE PRECISION,
	ttl_ms                BIGINT NOT NULL,
	started_at            TIMESTAMPTZ NOT NULL,
	ended_at              TIMESTAMPTZ NOT NULL,
	duration_ms           DOUBLE PRECISION NOT NULL,
	outcome_reason        TEXT NOT NULL,
	coverage_ratio        DOUBLE PRECISION NOT NULL,
	coverage_len_ratio    DOUBLE PRECISION,
	mean_speed            DOUBLE PRECISION,
	max_speed             DOUBLE PRECISION,
	pause_count           INTEGER,
	pause_durations_json  JSONB,
	deviation_stats_json  JSONB,
	speed_const_flag      BOOLEAN,
	accel_flag            BOOLEAN,
	behavioural_flag      BOOLEAN,
	trajectory_zstd       BYTEA,
	created_at            TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS attempt_logs_challenge_id_idx ON attempt_logs (challenge_id);
`)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, schemaVersion)
	if err != nil {
		return fmt.Errorf("store: record schema version: %w", err)
	}
	return nil
}

func pointsToJSON(pts geometry.Polyline) ([]byte, error) {
	raw := make([][2]float64, len(pts))
	for i, p := range pts {
		raw[i] = [2]float64{p.X, p.Y}
	}
	return json.Marshal(raw)
}

func pointsFromJSON(data []byte) (geometry.Polyline, error) {
	var raw [][2]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	pts := make(geometry.Polyline, len(raw))
	for i, r := range raw {
		pts[i] = geometry.Point{X: r[0], Y: r[1]}
	}
	return pts, nil
}

func (s *PostgresStore) Save(ctx context.Context, c *Challenge) error {
	pointsJSON, err := pointsToJSON(c.Points)
	if err != nil {
		return fmt.Errorf("store: marshal points: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO challenges (
	id, seed, points_json, path_length, ttl_ms, nonce,
	tolerance_mouse, tolerance_touch, jitter_mouse, jitter_touch,
	peek_pos, peek_count, nonce_used, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		c.ID, c.Seed, pointsJSON, c.PathLength, c.TTLMs, c.Nonce,
		c.ToleranceMouse, c.ToleranceTouch, c.JitterMouse, c.JitterTouch,
		c.PeekPos, c.PeekCount, c.NonceUsed, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save challenge %q: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) scanChallenge(row pgx.Row) (*Challenge, error) {
	var c Challenge
	var pointsJSON []byte
	var lastPeekAt *time.Time
	err := row.Scan(
		&c.ID, &c.Seed, &pointsJSON, &c.PathLength, &c.TTLMs, &c.Nonce,
		&c.ToleranceMouse, &c.ToleranceTouch, &c.JitterMouse, &c.JitterTouch,
		&c.PeekPos, &c.PeekCount, &lastPeekAt, &c.NonceUsed, &c.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Points, err = pointsFromJSON(pointsJSON)
	if err != nil {
		return nil, err
	}
	if lastPeekAt != nil {
		c.LastPeekAt = *lastPeekAt
	}
	return &c, nil
}

const selectChallengeCols = `id, seed, points_json, path_length, ttl_ms, nonce,
	tolerance_mouse, tolerance_touch, jitter_mouse, jitter_touch,
	peek_pos, peek_count, last_peek_at, nonce_used, created_at`

func (s *PostgresStore) Get(ctx context.Context, id string) (*Challenge, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectChallengeCols+` FROM challenges WHERE id = $1`, id)
	return s.scanChallenge(row)
}

func (s *PostgresStore) UpdatePeekProgress(ctx context.Context, id string, u PeekUpdate) (*Challenge, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after Commit

	row := tx.QueryRow(ctx, `SELECT `+selectChallengeCols+` FROM challenges WHERE id = $1 FOR UPDATE`, id)
	c, err := s.scanChallenge(row)
	if err != nil {
		return nil, err
	}

	newPos := c.PeekPos
	if u.Pos > newPos {
		newPos = u.Pos
	}
	_, err = tx.Exec(ctx,
		`UPDATE challenges SET peek_pos = $1, last_peek_at = $2, peek_count = $3 WHERE id = $4`,
		newPos, u.Now, u.Count, id)
	if err != nil {
		return nil, fmt.Errorf("store: update peek progress: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}

	c.PeekPos = newPos
	c.LastPeekAt = u.Now
	c.PeekCount = u.Count
	return c, nil
}

func (s *PostgresStore) MarkUsed(ctx context.Context, id string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after Commit

	var nonceUsed bool
	err = tx.QueryRow(ctx, `SELECT nonce_used FROM challenges WHERE id = $1 FOR UPDATE`, id).Scan(&nonceUsed)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("store: select for mark-used: %w", err)
	}
	if nonceUsed {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE challenges SET nonce_used = true WHERE id = $1`, id); err != nil {
		return false, fmt.Errorf("store: mark used: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("store: commit: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) SaveAttempt(ctx context.Context, log *AttemptLog) error {
	pauseJSON, err := json.Marshal(log.PauseDurationsMs)
	if err != nil {
		return fmt.Errorf("store: marshal pause durations: %w", err)
	}
	deviation := map[string]float64{"mean": log.DeviationMean, "max": log.DeviationMax}
	deviationJSON, err := json.Marshal(deviation)
	if err != nil {
		return fmt.Errorf("store: marshal deviation stats: %w", err)
	}
	trajectoryJSON, err := json.Marshal(log.Trajectory)
	if err != nil {
		return fmt.Errorf("store: marshal trajectory: %w", err)
	}
	// Raw trajectories run to hundreds of (x, y, t) samples per attempt and
	// are written on every verify call, pass or fail; zstd shrinks the
	// mostly-repetitive JSON well before it hits the row.
	trajectoryZstd := s.zenc.EncodeAll(trajectoryJSON, nil)

	_, err = s.pool.Exec(ctx, `
INSERT INTO attempt_logs (
	attempt_id, session_id, challenge_id, pointer_type, os_family, browser_family,
	device_pixel_ratio, path_seed, path_length_px, tolerance_px, tolerance_jitter_px,
	ttl_ms, started_at, ended_at, duration_ms, outcome_reason, coverage_ratio,
	coverage_len_ratio, mean_speed, max_speed, pause_count, pause_durations_json,
	deviation_stats_json, speed_const_flag, accel_flag, behavioural_flag,
	trajectory_zstd, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)`,
		log.AttemptID, log.SessionID, log.ChallengeID, log.PointerType, log.OSFamily, log.BrowserFamily,
		log.DevicePixelRatio, log.PathSeed, log.PathLengthPx, log.TolerancePx, log.ToleranceJitterPx,
		log.TTLMs, log.StartedAt, log.EndedAt, log.DurationMs, log.OutcomeReason, log.CoverageRatio,
		log.CoverageLenRatio, log.MeanSpeed, log.MaxSpeed, log.PauseCount, pauseJSON,
		deviationJSON, log.SpeedConstFlag, log.AccelFlag, log.BehaviouralFlag,
		trajectoryZstd, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save attempt %q: %w", log.AttemptID, err)
	}
	return nil
}

func (s *PostgresStore) PruneExpired(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM challenges WHERE created_at + (ttl_ms || ' milliseconds')::interval < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Close() error {
	s.zenc.Close()
	s.pool.Close()
	return nil
}
