package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fusionscore/internal/config"
	"github.com/sells-group/fusionscore/internal/model"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

func TestSQLite_Sources(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertSource(ctx, model.Source{EntityID: "ent-1", SourceID: "slack", Category: model.CategoryCommunication, Active: true}))
	require.NoError(t, st.UpsertSource(ctx, model.Source{EntityID: "ent-1", SourceID: "jira", Category: model.CategoryProjectManagement, Active: true}))
	require.NoError(t, st.UpsertSource(ctx, model.Source{EntityID: "ent-2", SourceID: "zendesk", Category: model.CategorySupport, Active: false}))

	src, err := st.GetSource(ctx, "ent-1", "slack")
	require.NoError(t, err)
	require.NotNil(t, src)
	assert.Equal(t, model.CategoryCommunication, src.Category)
	assert.True(t, src.Active)

	missing, err := st.GetSource(ctx, "ent-1", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	list, err := st.ListSources(ctx, "ent-1", true)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "jira", list[0].SourceID)

	entities, err := st.ListActiveEntities(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ent-1"}, entities)

	// Deactivate and re-list.
	require.NoError(t, st.UpsertSource(ctx, model.Source{EntityID: "ent-1", SourceID: "jira", Category: model.CategoryProjectManagement, Active: false}))
	list, err = st.ListSources(ctx, "ent-1", true)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	all, err := st.ListSources(ctx, "ent-1", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSQLite_MetricsNewestFirst(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	var metrics []model.Metric
	for i := 0; i < 5; i++ {
		metrics = append(metrics, model.Metric{
			EntityID: "ent-1", SourceID: "slack", Name: model.DimThroughput,
			RawValue: float64(i), NormalizedValue: float64(i * 10), Weight: 1,
			CapturedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}
	require.NoError(t, st.InsertMetrics(ctx, metrics))
	require.NoError(t, st.InsertMetrics(ctx, nil))

	got, err := st.ListMetrics(ctx, "ent-1", "slack", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.InDelta(t, 40, got[0].NormalizedValue, 1e-9)
	assert.True(t, got[0].CapturedAt.Equal(base.Add(4*time.Hour)))
	assert.InDelta(t, 20, got[2].NormalizedValue, 1e-9)
	assert.NotZero(t, got[0].ID)

	none, err := st.ListMetrics(ctx, "ent-1", "other", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLite_WeightingsOverwrite(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rows := []model.Weighting{
		{EntityID: "ent-1", SourceID: "slack", MetricName: "a", FinalWeight: 0.6, IsAdaptive: true, AdjustmentReason: "adaptive", UpdatedAt: base},
		{EntityID: "ent-1", SourceID: "slack", MetricName: "b", FinalWeight: 0.4, IsAdaptive: true, AdjustmentReason: "adaptive", UpdatedAt: base},
	}
	require.NoError(t, st.UpsertWeightings(ctx, rows))

	rows[0].FinalWeight, rows[1].FinalWeight = 0.5, 0.5
	rows[0].IsAdaptive = false
	require.NoError(t, st.UpsertWeightings(ctx, rows))

	got, err := st.GetWeightings(ctx, "ent-1", "slack")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].MetricName)
	assert.InDelta(t, 0.5, got[0].FinalWeight, 1e-9)
	assert.False(t, got[0].IsAdaptive)
	assert.True(t, got[1].IsAdaptive)
}

func TestSQLite_ApplyRecalibration(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rows := []model.Weighting{
		{EntityID: "ent-1", SourceID: "slack", MetricName: "a", FinalWeight: 0.7, UpdatedAt: base},
		{EntityID: "ent-1", SourceID: "slack", MetricName: "b", FinalWeight: 0.3, UpdatedAt: base},
	}
	fs := model.FusionScore{EntityID: "ent-1", SourceID: "slack", Score: 58, Trend: model.TrendStable, Origin: model.OriginComputed, CalculatedAt: base}
	require.NoError(t, st.ApplyRecalibration(ctx, rows, fs))

	got, err := st.GetWeightings(ctx, "ent-1", "slack")
	require.NoError(t, err)
	require.Len(t, got, 2)
	score, err := st.GetFusionScore(ctx, "ent-1", "slack")
	require.NoError(t, err)
	require.NotNil(t, score)
	assert.InDelta(t, 58, score.Score, 1e-9)
}

func TestSQLite_ApplyRecalibration_AllOrNothing(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	before := []model.Weighting{
		{EntityID: "ent-1", SourceID: "slack", MetricName: "a", FinalWeight: 0.5, UpdatedAt: base},
		{EntityID: "ent-1", SourceID: "slack", MetricName: "b", FinalWeight: 0.5, UpdatedAt: base},
	}
	require.NoError(t, st.UpsertWeightings(ctx, before))

	after := []model.Weighting{
		{EntityID: "ent-1", SourceID: "slack", MetricName: "a", FinalWeight: 0.9, UpdatedAt: base.Add(time.Hour)},
		{EntityID: "ent-1", SourceID: "slack", MetricName: "b", FinalWeight: 0.1, UpdatedAt: base.Add(time.Hour)},
		{EntityID: "ent-1", SourceID: "slack", MetricName: "c", FinalWeight: 0, UpdatedAt: base.Add(time.Hour)},
	}
	// Scores outside 0-100 violate the table constraint, failing the score write.
	bad := model.FusionScore{EntityID: "ent-1", SourceID: "slack", Score: 140, Trend: model.TrendUp, Origin: model.OriginComputed, CalculatedAt: base}
	err := st.ApplyRecalibration(ctx, after, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite: apply recalibration")

	got, err := st.GetWeightings(ctx, "ent-1", "slack")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 0.5, got[0].FinalWeight, 1e-9)
	assert.InDelta(t, 0.5, got[1].FinalWeight, 1e-9)

	score, err := st.GetFusionScore(ctx, "ent-1", "slack")
	require.NoError(t, err)
	assert.Nil(t, score)
}

func TestSQLite_FusionScoreAndSnapshots(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	none, err := st.GetFusionScore(ctx, "ent-1", "slack")
	require.NoError(t, err)
	assert.Nil(t, none)

	fs := model.FusionScore{EntityID: "ent-1", SourceID: "slack", Score: 62.5, Trend: model.TrendUp, Origin: model.OriginComputed, CalculatedAt: base}
	require.NoError(t, st.UpsertFusionScore(ctx, fs))
	fs.Score = 64
	require.NoError(t, st.UpsertFusionScore(ctx, fs))

	got, err := st.GetFusionScore(ctx, "ent-1", "slack")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.InDelta(t, 64, got.Score, 1e-9)
	assert.Equal(t, model.TrendUp, got.Trend)
	assert.True(t, got.Computed())

	all, err := st.ListFusionScores(ctx, "ent-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	for i, score := range []float64{50, 55, 60} {
		require.NoError(t, st.AppendSnapshot(ctx, model.ScoreSnapshot{
			EntityID: "ent-1", SourceID: "slack", Score: score,
			RecordedAt: base.Add(time.Duration(i) * time.Hour), ChangeReason: "ingest",
		}))
	}
	snaps, err := st.ListSnapshots(ctx, "ent-1", "slack", 2)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.InDelta(t, 60, snaps[0].Score, 1e-9)
	assert.InDelta(t, 55, snaps[1].Score, 1e-9)
	assert.Equal(t, "ingest", snaps[0].ChangeReason)
}

func TestSQLite_AuditDuplicateRejected(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := model.AuditRecord{
		RunID: "run-1", EntityID: "ent-1", SourceID: "slack", EventType: model.EventRecalibration,
		MetricsCount: 12, Variance: 0.2, Confidence: 0.6, Status: model.AuditSuccess,
		WeightChanges: []model.WeightChange{{Metric: "a", Previous: 0.5, Current: 0.6, Delta: 0.1}},
		CoefficientsVersion: "v1@abc", DurationMS: 7, CreatedAt: base,
	}
	require.NoError(t, st.InsertAudit(ctx, rec))

	err := st.InsertAudit(ctx, rec)
	require.Error(t, err)
	assert.True(t, IsDuplicateAudit(err))

	ok, err := st.HasAudit(ctx, "run-1", "slack")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.HasAudit(ctx, "run-1", "jira")
	require.NoError(t, err)
	assert.False(t, ok)

	failed := rec
	failed.SourceID = "jira"
	failed.Status = model.AuditFailed
	failed.ErrorKind = model.ErrorKindInputInsufficiency
	failed.WeightChanges = nil
	failed.CreatedAt = base.Add(time.Minute)
	require.NoError(t, st.InsertAudit(ctx, failed))

	list, err := st.ListAudit(ctx, AuditFilter{EntityID: "ent-1"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "jira", list[0].SourceID)
	assert.Nil(t, list[0].WeightChanges)
	assert.Equal(t, model.ErrorKindInputInsufficiency, list[0].ErrorKind)
	assert.Equal(t, rec.WeightChanges, list[1].WeightChanges)

	onlyFailed, err := st.ListAudit(ctx, AuditFilter{Status: model.AuditFailed, Limit: 10})
	require.NoError(t, err)
	require.Len(t, onlyFailed, 1)
	assert.Equal(t, model.AuditFailed, onlyFailed[0].Status)
}

func TestSQLite_Leases(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	held := model.Lease{EntityID: "ent-1", SourceID: "slack", Token: "a", ExpiresAt: time.Now().Add(time.Minute)}
	ok, err := st.AcquireLease(ctx, held)
	require.NoError(t, err)
	assert.True(t, ok)

	rival := held
	rival.Token = "b"
	ok, err = st.AcquireLease(ctx, rival)
	require.NoError(t, err)
	assert.False(t, ok, "live lease must not be taken over")

	require.NoError(t, st.ReleaseLease(ctx, held))
	ok, err = st.AcquireLease(ctx, rival)
	require.NoError(t, err)
	assert.True(t, ok)

	// Expired leases are taken over.
	stale := model.Lease{EntityID: "ent-1", SourceID: "jira", Token: "old", ExpiresAt: time.Now().Add(-time.Minute)}
	ok, err = st.AcquireLease(ctx, stale)
	require.NoError(t, err)
	assert.True(t, ok)
	fresh := stale
	fresh.Token = "new"
	fresh.ExpiresAt = time.Now().Add(time.Minute)
	ok, err = st.AcquireLease(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpen(t *testing.T) {
	st, err := Open(context.Background(), config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.NoError(t, st.Close())

	_, err = Open(context.Background(), config.StoreConfig{Driver: "mysql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported driver")
}
