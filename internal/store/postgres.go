package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/fusionscore/internal/db"
	"github.com/sells-group/fusionscore/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

var (
	pgSourceUpsert = mustUpsert(sourceUpsert, db.Dollar)
	pgScoreUpsert  = mustUpsert(scoreUpsert, db.Dollar)
	pgAuditInsert  = mustUpsert(auditInsert, db.Dollar)
	pgLeaseUpsert  = mustUpsert(leaseUpsert(db.Dollar), db.Dollar)
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sources (
	entity_id    TEXT NOT NULL,
	source_id    TEXT NOT NULL,
	category     TEXT NOT NULL DEFAULT 'general',
	active       BOOLEAN NOT NULL DEFAULT true,
	connected_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (entity_id, source_id)
);

CREATE TABLE IF NOT EXISTS metrics (
	id               BIGSERIAL PRIMARY KEY,
	entity_id        TEXT NOT NULL,
	source_id        TEXT NOT NULL,
	name             TEXT NOT NULL,
	raw_value        DOUBLE PRECISION NOT NULL,
	normalized_value DOUBLE PRECISION NOT NULL CHECK (normalized_value BETWEEN 0 AND 100),
	weight           DOUBLE PRECISION NOT NULL DEFAULT 1,
	captured_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS weightings (
	entity_id           TEXT NOT NULL,
	source_id           TEXT NOT NULL,
	metric_name         TEXT NOT NULL,
	final_weight        DOUBLE PRECISION NOT NULL,
	variance            DOUBLE PRECISION NOT NULL,
	confidence          DOUBLE PRECISION NOT NULL,
	correlation_penalty DOUBLE PRECISION NOT NULL,
	adjustment_reason   TEXT NOT NULL,
	is_adaptive         BOOLEAN NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (entity_id, source_id, metric_name)
);

CREATE TABLE IF NOT EXISTS fusion_scores (
	entity_id     TEXT NOT NULL,
	source_id     TEXT NOT NULL,
	score         DOUBLE PRECISION NOT NULL CHECK (score >= 0 AND score <= 100),
	trend         TEXT NOT NULL,
	score_origin  TEXT NOT NULL,
	calculated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (entity_id, source_id)
);

CREATE TABLE IF NOT EXISTS score_snapshots (
	id            BIGSERIAL PRIMARY KEY,
	entity_id     TEXT NOT NULL,
	source_id     TEXT NOT NULL,
	score         DOUBLE PRECISION NOT NULL,
	recorded_at   TIMESTAMPTZ NOT NULL,
	change_reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS recalibration_audit (
	run_id               TEXT NOT NULL,
	entity_id            TEXT NOT NULL,
	source_id            TEXT NOT NULL,
	event_type           TEXT NOT NULL,
	metrics_count        INTEGER NOT NULL,
	variance             DOUBLE PRECISION NOT NULL,
	confidence           DOUBLE PRECISION NOT NULL,
	weight_changes       JSONB NOT NULL DEFAULT '[]',
	status               TEXT NOT NULL,
	error                TEXT NOT NULL DEFAULT '',
	error_kind           TEXT NOT NULL DEFAULT '',
	coefficients_version TEXT NOT NULL DEFAULT '',
	explanation          TEXT NOT NULL DEFAULT '',
	duration_ms          BIGINT NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, source_id)
);

CREATE TABLE IF NOT EXISTS recalibration_leases (
	entity_id  TEXT NOT NULL,
	source_id  TEXT NOT NULL,
	token      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (entity_id, source_id)
);

CREATE INDEX IF NOT EXISTS idx_sources_active ON sources(active, entity_id);
CREATE INDEX IF NOT EXISTS idx_metrics_entity_source ON metrics(entity_id, source_id, captured_at DESC);
CREATE INDEX IF NOT EXISTS idx_snapshots_entity_source ON score_snapshots(entity_id, source_id, recorded_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON recalibration_audit(entity_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_created ON recalibration_audit(created_at DESC);
`

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Sources ---

func (s *PostgresStore) UpsertSource(ctx context.Context, src model.Source) error {
	now := time.Now().UTC()
	if src.ConnectedAt.IsZero() {
		src.ConnectedAt = now
	}
	if src.UpdatedAt.IsZero() {
		src.UpdatedAt = now
	}
	_, err := s.pool.Exec(ctx, pgSourceUpsert,
		src.EntityID, src.SourceID, string(src.Category), src.Active, src.ConnectedAt.UTC(), src.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert source %s/%s", src.EntityID, src.SourceID)
}

func (s *PostgresStore) GetSource(ctx context.Context, entityID, sourceID string) (*model.Source, error) {
	var src model.Source
	err := s.pool.QueryRow(ctx,
		`SELECT entity_id, source_id, category, active, connected_at, updated_at FROM sources WHERE entity_id = $1 AND source_id = $2`,
		entityID, sourceID,
	).Scan(&src.EntityID, &src.SourceID, &src.Category, &src.Active, &src.ConnectedAt, &src.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get source %s/%s", entityID, sourceID)
	}
	return &src, nil
}

func (s *PostgresStore) ListSources(ctx context.Context, entityID string, activeOnly bool) ([]model.Source, error) {
	query := `SELECT entity_id, source_id, category, active, connected_at, updated_at FROM sources WHERE entity_id = $1`
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY source_id`

	rows, err := s.pool.Query(ctx, query, entityID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list sources %s", entityID)
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		var src model.Source
		if err := rows.Scan(&src.EntityID, &src.SourceID, &src.Category, &src.Active, &src.ConnectedAt, &src.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		out = append(out, src)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate sources")
}

func (s *PostgresStore) ListActiveEntities(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT entity_id FROM sources WHERE active ORDER BY entity_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list active entities")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		out = append(out, id)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate entities")
}

// --- Metrics ---

func (s *PostgresStore) InsertMetrics(ctx context.Context, metrics []model.Metric) error {
	rows := make([][]any, len(metrics))
	for i, m := range metrics {
		rows[i] = []any{m.EntityID, m.SourceID, m.Name, m.RawValue, m.NormalizedValue, m.Weight, m.CapturedAt.UTC()}
	}
	_, err := db.CopyFrom(ctx, s.pool, "metrics", metricCols, rows)
	return eris.Wrap(err, "postgres: insert metrics")
}

func (s *PostgresStore) ListMetrics(ctx context.Context, entityID, sourceID string, limit int) ([]model.Metric, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_id, source_id, name, raw_value, normalized_value, weight, captured_at
		FROM metrics WHERE entity_id = $1 AND source_id = $2 ORDER BY captured_at DESC, id DESC LIMIT $3`,
		entityID, sourceID, limitOrDefault(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list metrics %s/%s", entityID, sourceID)
	}
	defer rows.Close()

	var out []model.Metric
	for rows.Next() {
		var m model.Metric
		if err := rows.Scan(&m.ID, &m.EntityID, &m.SourceID, &m.Name, &m.RawValue, &m.NormalizedValue, &m.Weight, &m.CapturedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan metric")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate metrics")
}

// --- Weightings ---

func (s *PostgresStore) GetWeightings(ctx context.Context, entityID, sourceID string) ([]model.Weighting, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+strings.Join(weightingCols, ", ")+` FROM weightings WHERE entity_id = $1 AND source_id = $2 ORDER BY metric_name`,
		entityID, sourceID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get weightings %s/%s", entityID, sourceID)
	}
	defer rows.Close()

	var out []model.Weighting
	for rows.Next() {
		var w model.Weighting
		if err := rows.Scan(&w.EntityID, &w.SourceID, &w.MetricName, &w.FinalWeight, &w.Variance, &w.Confidence,
			&w.CorrelationPenalty, &w.AdjustmentReason, &w.IsAdaptive, &w.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan weighting")
		}
		out = append(out, w)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate weightings")
}

func (s *PostgresStore) UpsertWeightings(ctx context.Context, weightings []model.Weighting) error {
	_, err := db.BulkUpsert(ctx, s.pool, weightingUpsert, weightingRows(weightings))
	return eris.Wrap(err, "postgres: upsert weightings")
}

func weightingRows(weightings []model.Weighting) [][]any {
	rows := make([][]any, len(weightings))
	for i, w := range weightings {
		rows[i] = []any{
			w.EntityID, w.SourceID, w.MetricName, w.FinalWeight, w.Variance, w.Confidence,
			w.CorrelationPenalty, w.AdjustmentReason, w.IsAdaptive, w.UpdatedAt.UTC(),
		}
	}
	return rows
}

// --- Scores ---

func (s *PostgresStore) GetFusionScore(ctx context.Context, entityID, sourceID string) (*model.FusionScore, error) {
	var fs model.FusionScore
	err := s.pool.QueryRow(ctx,
		`SELECT entity_id, source_id, score, trend, score_origin, calculated_at FROM fusion_scores WHERE entity_id = $1 AND source_id = $2`,
		entityID, sourceID,
	).Scan(&fs.EntityID, &fs.SourceID, &fs.Score, &fs.Trend, &fs.Origin, &fs.CalculatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get fusion score %s/%s", entityID, sourceID)
	}
	return &fs, nil
}

func (s *PostgresStore) ListFusionScores(ctx context.Context, entityID string) ([]model.FusionScore, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, source_id, score, trend, score_origin, calculated_at FROM fusion_scores WHERE entity_id = $1 ORDER BY source_id`,
		entityID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list fusion scores %s", entityID)
	}
	defer rows.Close()

	var out []model.FusionScore
	for rows.Next() {
		var fs model.FusionScore
		if err := rows.Scan(&fs.EntityID, &fs.SourceID, &fs.Score, &fs.Trend, &fs.Origin, &fs.CalculatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan fusion score")
		}
		out = append(out, fs)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate fusion scores")
}

func (s *PostgresStore) UpsertFusionScore(ctx context.Context, fs model.FusionScore) error {
	_, err := s.pool.Exec(ctx, pgScoreUpsert,
		fs.EntityID, fs.SourceID, fs.Score, string(fs.Trend), string(fs.Origin), fs.CalculatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert fusion score %s/%s", fs.EntityID, fs.SourceID)
}

func (s *PostgresStore) ApplyRecalibration(ctx context.Context, weightings []model.Weighting, fs model.FusionScore) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: apply recalibration: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := db.UpsertTx(ctx, tx, weightingUpsert, weightingRows(weightings)); err != nil {
		return eris.Wrap(err, "postgres: apply recalibration")
	}
	if _, err := tx.Exec(ctx, pgScoreUpsert,
		fs.EntityID, fs.SourceID, fs.Score, string(fs.Trend), string(fs.Origin), fs.CalculatedAt.UTC(),
	); err != nil {
		return eris.Wrapf(err, "postgres: apply recalibration: upsert fusion score %s/%s", fs.EntityID, fs.SourceID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: apply recalibration: commit")
}

func (s *PostgresStore) AppendSnapshot(ctx context.Context, snap model.ScoreSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO score_snapshots (entity_id, source_id, score, recorded_at, change_reason) VALUES ($1, $2, $3, $4, $5)`,
		snap.EntityID, snap.SourceID, snap.Score, snap.RecordedAt.UTC(), snap.ChangeReason,
	)
	return eris.Wrapf(err, "postgres: append snapshot %s/%s", snap.EntityID, snap.SourceID)
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, entityID, sourceID string, limit int) ([]model.ScoreSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_id, source_id, score, recorded_at, change_reason
		FROM score_snapshots WHERE entity_id = $1 AND source_id = $2 ORDER BY recorded_at DESC, id DESC LIMIT $3`,
		entityID, sourceID, limitOrDefault(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list snapshots %s/%s", entityID, sourceID)
	}
	defer rows.Close()

	var out []model.ScoreSnapshot
	for rows.Next() {
		var sn model.ScoreSnapshot
		if err := rows.Scan(&sn.ID, &sn.EntityID, &sn.SourceID, &sn.Score, &sn.RecordedAt, &sn.ChangeReason); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot")
		}
		out = append(out, sn)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate snapshots")
}

// --- Audit ---

func (s *PostgresStore) InsertAudit(ctx context.Context, rec model.AuditRecord) error {
	changes, err := marshalChanges(rec.WeightChanges)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, pgAuditInsert,
		rec.RunID, rec.EntityID, rec.SourceID, rec.EventType, rec.MetricsCount, rec.Variance, rec.Confidence,
		changes, string(rec.Status), rec.Error, string(rec.ErrorKind), rec.CoefficientsVersion, rec.Explanation,
		rec.DurationMS, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert audit %s/%s", rec.RunID, rec.SourceID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrDuplicateAudit, "postgres: run %s source %s", rec.RunID, rec.SourceID)
	}
	return nil
}

func (s *PostgresStore) HasAudit(ctx context.Context, runID, sourceID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM recalibration_audit WHERE run_id = $1 AND source_id = $2)`,
		runID, sourceID,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: check audit %s/%s", runID, sourceID)
	}
	return exists, nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditRecord, error) {
	query := `SELECT ` + strings.Join(auditCols, ", ") + ` FROM recalibration_audit WHERE true`
	args := []any{}
	argIdx := 1

	for _, f := range []struct {
		col string
		val string
	}{
		{"entity_id", filter.EntityID},
		{"source_id", filter.SourceID},
		{"run_id", filter.RunID},
		{"status", string(filter.Status)},
	} {
		if f.val == "" {
			continue
		}
		query += fmt.Sprintf(` AND %s = $%d`, f.col, argIdx)
		args = append(args, f.val)
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.CreatedAfter.UTC())
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, source_id LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit")
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var r model.AuditRecord
		var changes []byte
		if err := rows.Scan(&r.RunID, &r.EntityID, &r.SourceID, &r.EventType, &r.MetricsCount, &r.Variance, &r.Confidence,
			&changes, &r.Status, &r.Error, &r.ErrorKind, &r.CoefficientsVersion, &r.Explanation,
			&r.DurationMS, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit")
		}
		if r.WeightChanges, err = unmarshalChanges(changes); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate audit")
}

// --- Leases ---

func (s *PostgresStore) AcquireLease(ctx context.Context, lease model.Lease) (bool, error) {
	tag, err := s.pool.Exec(ctx, pgLeaseUpsert,
		lease.EntityID, lease.SourceID, lease.Token, lease.ExpiresAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: acquire lease %s/%s", lease.EntityID, lease.SourceID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, lease model.Lease) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM recalibration_leases WHERE entity_id = $1 AND source_id = $2 AND token = $3`,
		lease.EntityID, lease.SourceID, lease.Token,
	)
	return eris.Wrapf(err, "postgres: release lease %s/%s", lease.EntityID, lease.SourceID)
}
