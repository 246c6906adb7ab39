// Package store persists sources, metrics, weightings, scores, score history,
// audit records and recalibration leases.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fusionscore/internal/config"
	"github.com/sells-group/fusionscore/internal/model"
)

// ErrDuplicateAudit is returned when an audit record for the same
// (run_id, source_id) already exists.
var ErrDuplicateAudit = eris.New("store: duplicate audit record")

// IsDuplicateAudit reports whether err is ErrDuplicateAudit.
func IsDuplicateAudit(err error) bool {
	return errors.Is(err, ErrDuplicateAudit)
}

// DefaultListLimit caps list queries that pass no limit.
const DefaultListLimit = 100

// AuditFilter specifies criteria for listing audit records.
type AuditFilter struct {
	EntityID string            `json:"entity_id,omitempty"`
	SourceID string            `json:"source_id,omitempty"`
	RunID    string            `json:"run_id,omitempty"`
	Status   model.AuditStatus `json:"status,omitempty"`
	// CreatedAfter keeps records created at or after the given time.
	CreatedAfter time.Time `json:"created_after,omitempty"`
	Limit        int       `json:"limit,omitempty"`
}

// Store defines the persistence interface of the scoring engine. Range
// queries return the most recent rows first.
type Store interface {
	// Sources
	UpsertSource(ctx context.Context, src model.Source) error
	GetSource(ctx context.Context, entityID, sourceID string) (*model.Source, error)
	ListSources(ctx context.Context, entityID string, activeOnly bool) ([]model.Source, error)
	ListActiveEntities(ctx context.Context) ([]string, error)

	// Metrics
	InsertMetrics(ctx context.Context, metrics []model.Metric) error
	ListMetrics(ctx context.Context, entityID, sourceID string, limit int) ([]model.Metric, error)

	// Weightings
	GetWeightings(ctx context.Context, entityID, sourceID string) ([]model.Weighting, error)
	UpsertWeightings(ctx context.Context, rows []model.Weighting) error

	// Scores
	GetFusionScore(ctx context.Context, entityID, sourceID string) (*model.FusionScore, error)
	ListFusionScores(ctx context.Context, entityID string) ([]model.FusionScore, error)
	UpsertFusionScore(ctx context.Context, score model.FusionScore) error
	// ApplyRecalibration writes a recalibration's weightings and current
	// score in one transaction: both land or neither does.
	ApplyRecalibration(ctx context.Context, weightings []model.Weighting, score model.FusionScore) error
	AppendSnapshot(ctx context.Context, snap model.ScoreSnapshot) error
	ListSnapshots(ctx context.Context, entityID, sourceID string, limit int) ([]model.ScoreSnapshot, error)

	// Audit
	InsertAudit(ctx context.Context, rec model.AuditRecord) error
	HasAudit(ctx context.Context, runID, sourceID string) (bool, error)
	ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditRecord, error)

	// Leases
	AcquireLease(ctx context.Context, lease model.Lease) (bool, error)
	ReleaseLease(ctx context.Context, lease model.Lease) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open creates the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "fusionscore.db"
		}
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	default:
		return nil, eris.Errorf("store: unsupported driver %q", cfg.Driver)
	}
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
