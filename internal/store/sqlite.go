package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite" // register driver

	"github.com/sells-group/fusionscore/internal/db"
	"github.com/sells-group/fusionscore/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

var (
	liteSourceUpsert    = mustUpsert(sourceUpsert, db.Question)
	liteWeightingUpsert = mustUpsert(weightingUpsert, db.Question)
	liteScoreUpsert     = mustUpsert(scoreUpsert, db.Question)
	liteAuditInsert     = mustUpsert(auditInsert, db.Question)
	liteLeaseUpsert     = mustUpsert(leaseUpsert(db.Question), db.Question)
)

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection serializes writers and keeps per-connection pragmas in effect.
	conn.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: conn}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sources (
	entity_id    TEXT NOT NULL,
	source_id    TEXT NOT NULL,
	category     TEXT NOT NULL DEFAULT 'general',
	active       BOOLEAN NOT NULL DEFAULT 1,
	connected_at DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL,
	PRIMARY KEY (entity_id, source_id)
);

CREATE TABLE IF NOT EXISTS metrics (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id        TEXT NOT NULL,
	source_id        TEXT NOT NULL,
	name             TEXT NOT NULL,
	raw_value        REAL NOT NULL,
	normalized_value REAL NOT NULL CHECK (normalized_value BETWEEN 0 AND 100),
	weight           REAL NOT NULL DEFAULT 1,
	captured_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS weightings (
	entity_id           TEXT NOT NULL,
	source_id           TEXT NOT NULL,
	metric_name         TEXT NOT NULL,
	final_weight        REAL NOT NULL,
	variance            REAL NOT NULL,
	confidence          REAL NOT NULL,
	correlation_penalty REAL NOT NULL,
	adjustment_reason   TEXT NOT NULL,
	is_adaptive         BOOLEAN NOT NULL,
	updated_at          DATETIME NOT NULL,
	PRIMARY KEY (entity_id, source_id, metric_name)
);

CREATE TABLE IF NOT EXISTS fusion_scores (
	entity_id     TEXT NOT NULL,
	source_id     TEXT NOT NULL,
	score         REAL NOT NULL CHECK (score >= 0 AND score <= 100),
	trend         TEXT NOT NULL,
	score_origin  TEXT NOT NULL,
	calculated_at DATETIME NOT NULL,
	PRIMARY KEY (entity_id, source_id)
);

CREATE TABLE IF NOT EXISTS score_snapshots (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id     TEXT NOT NULL,
	source_id     TEXT NOT NULL,
	score         REAL NOT NULL,
	recorded_at   DATETIME NOT NULL,
	change_reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS recalibration_audit (
	run_id               TEXT NOT NULL,
	entity_id            TEXT NOT NULL,
	source_id            TEXT NOT NULL,
	event_type           TEXT NOT NULL,
	metrics_count        INTEGER NOT NULL,
	variance             REAL NOT NULL,
	confidence           REAL NOT NULL,
	weight_changes       TEXT NOT NULL DEFAULT '[]',
	status               TEXT NOT NULL,
	error                TEXT NOT NULL DEFAULT '',
	error_kind           TEXT NOT NULL DEFAULT '',
	coefficients_version TEXT NOT NULL DEFAULT '',
	explanation          TEXT NOT NULL DEFAULT '',
	duration_ms          INTEGER NOT NULL,
	created_at           DATETIME NOT NULL,
	PRIMARY KEY (run_id, source_id)
);

CREATE TABLE IF NOT EXISTS recalibration_leases (
	entity_id  TEXT NOT NULL,
	source_id  TEXT NOT NULL,
	token      TEXT NOT NULL,
	expires_at DATETIME NOT NULL,
	PRIMARY KEY (entity_id, source_id)
);

CREATE INDEX IF NOT EXISTS idx_sources_active ON sources(active, entity_id);
CREATE INDEX IF NOT EXISTS idx_metrics_entity_source ON metrics(entity_id, source_id, captured_at);
CREATE INDEX IF NOT EXISTS idx_snapshots_entity_source ON score_snapshots(entity_id, source_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON recalibration_audit(entity_id, created_at);
`

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sources ---

func (s *SQLiteStore) UpsertSource(ctx context.Context, src model.Source) error {
	now := time.Now().UTC()
	if src.ConnectedAt.IsZero() {
		src.ConnectedAt = now
	}
	if src.UpdatedAt.IsZero() {
		src.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, liteSourceUpsert,
		src.EntityID, src.SourceID, string(src.Category), src.Active, src.ConnectedAt.UTC(), src.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert source %s/%s", src.EntityID, src.SourceID)
}

func (s *SQLiteStore) GetSource(ctx context.Context, entityID, sourceID string) (*model.Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_id, source_id, category, active, connected_at, updated_at FROM sources WHERE entity_id = ? AND source_id = ?`,
		entityID, sourceID,
	)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get source %s/%s", entityID, sourceID)
	}
	return src, nil
}

func (s *SQLiteStore) ListSources(ctx context.Context, entityID string, activeOnly bool) ([]model.Source, error) {
	query := `SELECT entity_id, source_id, category, active, connected_at, updated_at FROM sources WHERE entity_id = ?`
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY source_id`

	rows, err := s.db.QueryContext(ctx, query, entityID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list sources %s", entityID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source")
		}
		out = append(out, *src)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate sources")
}

func (s *SQLiteStore) ListActiveEntities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT entity_id FROM sources WHERE active ORDER BY entity_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list active entities")
	}
	defer rows.Close() //nolint:errcheck

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity")
		}
		out = append(out, id)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate entities")
}

// --- Metrics ---

func (s *SQLiteStore) InsertMetrics(ctx context.Context, metrics []model.Metric) error {
	if len(metrics) == 0 {
		return nil
	}
	return s.inTx(ctx, "insert metrics", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics (`+strings.Join(metricCols, ", ")+`) VALUES (`+db.Placeholders(len(metricCols), 1, db.Question)+`)`)
		if err != nil {
			return err
		}
		defer stmt.Close() //nolint:errcheck
		for _, m := range metrics {
			if _, err := stmt.ExecContext(ctx,
				m.EntityID, m.SourceID, m.Name, m.RawValue, m.NormalizedValue, m.Weight, m.CapturedAt.UTC(),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ListMetrics(ctx context.Context, entityID, sourceID string, limit int) ([]model.Metric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_id, source_id, name, raw_value, normalized_value, weight, captured_at
		FROM metrics WHERE entity_id = ? AND source_id = ? ORDER BY captured_at DESC, id DESC LIMIT ?`,
		entityID, sourceID, limitOrDefault(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list metrics %s/%s", entityID, sourceID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Metric
	for rows.Next() {
		var m model.Metric
		if err := rows.Scan(&m.ID, &m.EntityID, &m.SourceID, &m.Name, &m.RawValue, &m.NormalizedValue, &m.Weight, &m.CapturedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan metric")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate metrics")
}

// --- Weightings ---

func (s *SQLiteStore) GetWeightings(ctx context.Context, entityID, sourceID string) ([]model.Weighting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+strings.Join(weightingCols, ", ")+` FROM weightings WHERE entity_id = ? AND source_id = ? ORDER BY metric_name`,
		entityID, sourceID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get weightings %s/%s", entityID, sourceID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Weighting
	for rows.Next() {
		var w model.Weighting
		if err := rows.Scan(&w.EntityID, &w.SourceID, &w.MetricName, &w.FinalWeight, &w.Variance, &w.Confidence,
			&w.CorrelationPenalty, &w.AdjustmentReason, &w.IsAdaptive, &w.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan weighting")
		}
		out = append(out, w)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate weightings")
}

func (s *SQLiteStore) UpsertWeightings(ctx context.Context, weightings []model.Weighting) error {
	if len(weightings) == 0 {
		return nil
	}
	return s.inTx(ctx, "upsert weightings", func(tx *sql.Tx) error {
		return upsertWeightingsTx(ctx, tx, weightings)
	})
}

func upsertWeightingsTx(ctx context.Context, tx *sql.Tx, weightings []model.Weighting) error {
	for _, w := range weightings {
		if _, err := tx.ExecContext(ctx, liteWeightingUpsert,
			w.EntityID, w.SourceID, w.MetricName, w.FinalWeight, w.Variance, w.Confidence,
			w.CorrelationPenalty, w.AdjustmentReason, w.IsAdaptive, w.UpdatedAt.UTC(),
		); err != nil {
			return err
		}
	}
	return nil
}

// --- Scores ---

func (s *SQLiteStore) GetFusionScore(ctx context.Context, entityID, sourceID string) (*model.FusionScore, error) {
	var fs model.FusionScore
	err := s.db.QueryRowContext(ctx,
		`SELECT entity_id, source_id, score, trend, score_origin, calculated_at FROM fusion_scores WHERE entity_id = ? AND source_id = ?`,
		entityID, sourceID,
	).Scan(&fs.EntityID, &fs.SourceID, &fs.Score, &fs.Trend, &fs.Origin, &fs.CalculatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get fusion score %s/%s", entityID, sourceID)
	}
	return &fs, nil
}

func (s *SQLiteStore) ListFusionScores(ctx context.Context, entityID string) ([]model.FusionScore, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, source_id, score, trend, score_origin, calculated_at FROM fusion_scores WHERE entity_id = ? ORDER BY source_id`,
		entityID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list fusion scores %s", entityID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.FusionScore
	for rows.Next() {
		var fs model.FusionScore
		if err := rows.Scan(&fs.EntityID, &fs.SourceID, &fs.Score, &fs.Trend, &fs.Origin, &fs.CalculatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fusion score")
		}
		out = append(out, fs)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate fusion scores")
}

func (s *SQLiteStore) UpsertFusionScore(ctx context.Context, fs model.FusionScore) error {
	_, err := s.db.ExecContext(ctx, liteScoreUpsert,
		fs.EntityID, fs.SourceID, fs.Score, string(fs.Trend), string(fs.Origin), fs.CalculatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert fusion score %s/%s", fs.EntityID, fs.SourceID)
}

func (s *SQLiteStore) ApplyRecalibration(ctx context.Context, weightings []model.Weighting, fs model.FusionScore) error {
	return s.inTx(ctx, "apply recalibration", func(tx *sql.Tx) error {
		if err := upsertWeightingsTx(ctx, tx, weightings); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, liteScoreUpsert,
			fs.EntityID, fs.SourceID, fs.Score, string(fs.Trend), string(fs.Origin), fs.CalculatedAt.UTC(),
		)
		return err
	})
}

func (s *SQLiteStore) AppendSnapshot(ctx context.Context, snap model.ScoreSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO score_snapshots (entity_id, source_id, score, recorded_at, change_reason) VALUES (?, ?, ?, ?, ?)`,
		snap.EntityID, snap.SourceID, snap.Score, snap.RecordedAt.UTC(), snap.ChangeReason,
	)
	return eris.Wrapf(err, "sqlite: append snapshot %s/%s", snap.EntityID, snap.SourceID)
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, entityID, sourceID string, limit int) ([]model.ScoreSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_id, source_id, score, recorded_at, change_reason
		FROM score_snapshots WHERE entity_id = ? AND source_id = ? ORDER BY recorded_at DESC, id DESC LIMIT ?`,
		entityID, sourceID, limitOrDefault(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list snapshots %s/%s", entityID, sourceID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ScoreSnapshot
	for rows.Next() {
		var sn model.ScoreSnapshot
		if err := rows.Scan(&sn.ID, &sn.EntityID, &sn.SourceID, &sn.Score, &sn.RecordedAt, &sn.ChangeReason); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot")
		}
		out = append(out, sn)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate snapshots")
}

// --- Audit ---

func (s *SQLiteStore) InsertAudit(ctx context.Context, rec model.AuditRecord) error {
	changes, err := marshalChanges(rec.WeightChanges)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, liteAuditInsert,
		rec.RunID, rec.EntityID, rec.SourceID, rec.EventType, rec.MetricsCount, rec.Variance, rec.Confidence,
		string(changes), string(rec.Status), rec.Error, string(rec.ErrorKind), rec.CoefficientsVersion, rec.Explanation,
		rec.DurationMS, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert audit %s/%s", rec.RunID, rec.SourceID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrDuplicateAudit, "sqlite: run %s source %s", rec.RunID, rec.SourceID)
	}
	return nil
}

func (s *SQLiteStore) HasAudit(ctx context.Context, runID, sourceID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM recalibration_audit WHERE run_id = ? AND source_id = ?)`,
		runID, sourceID,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: check audit %s/%s", runID, sourceID)
	}
	return exists, nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditRecord, error) {
	query := `SELECT ` + strings.Join(auditCols, ", ") + ` FROM recalibration_audit WHERE 1 = 1`
	var args []any
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
		query += ` AND ` + f.col + ` = ?`
		args = append(args, f.val)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC, source_id LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AuditRecord
	for rows.Next() {
		var r model.AuditRecord
		var changes string
		if err := rows.Scan(&r.RunID, &r.EntityID, &r.SourceID, &r.EventType, &r.MetricsCount, &r.Variance, &r.Confidence,
			&changes, &r.Status, &r.Error, &r.ErrorKind, &r.CoefficientsVersion, &r.Explanation,
			&r.DurationMS, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit")
		}
		if r.WeightChanges, err = unmarshalChanges([]byte(changes)); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate audit")
}

// --- Leases ---

func (s *SQLiteStore) AcquireLease(ctx context.Context, lease model.Lease) (bool, error) {
	res, err := s.db.ExecContext(ctx, liteLeaseUpsert,
		lease.EntityID, lease.SourceID, lease.Token, lease.ExpiresAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: acquire lease %s/%s", lease.EntityID, lease.SourceID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, lease model.Lease) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM recalibration_leases WHERE entity_id = ? AND source_id = ? AND token = ?`,
		lease.EntityID, lease.SourceID, lease.Token,
	)
	return eris.Wrapf(err, "sqlite: release lease %s/%s", lease.EntityID, lease.SourceID)
}

func (s *SQLiteStore) inTx(ctx context.Context, action string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s: begin tx", action)
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return eris.Wrapf(err, "sqlite: %s", action)
	}
	return eris.Wrapf(tx.Commit(), "sqlite: %s: commit", action)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSource(row scannable) (*model.Source, error) {
	var src model.Source
	if err := row.Scan(&src.EntityID, &src.SourceID, &src.Category, &src.Active, &src.ConnectedAt, &src.UpdatedAt); err != nil {
		return nil, err
	}
	return &src, nil
}
