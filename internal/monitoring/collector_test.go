package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fusionscore/internal/model"
	"github.com/sells-group/fusionscore/internal/store"
)

type fakeAudit struct {
	records []model.AuditRecord
	err     error
	filter  store.AuditFilter
}

func (f *fakeAudit) ListAudit(_ context.Context, filter store.AuditFilter) ([]model.AuditRecord, error) {
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	var out []model.AuditRecord
	for _, r := range f.records {
		if !filter.CreatedAfter.IsZero() && r.CreatedAt.Before(filter.CreatedAfter) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

var fixedNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newTestCollector(a AuditLister) *Collector {
	c := NewCollector(a)
	c.now = func() time.Time { return fixedNow }
	return c
}

func TestCollector_Collect(t *testing.T) {
	recent := fixedNow.Add(-time.Hour)
	fa := &fakeAudit{records: []model.AuditRecord{
		{EntityID: "e1", SourceID: "slack", Status: model.AuditSuccess, Confidence: 0.6, DurationMS: 10, CreatedAt: recent},
		{EntityID: "e1", SourceID: "jira", Status: model.AuditSuccess, Confidence: 0.8, DurationMS: 30, CreatedAt: recent},
		{EntityID: "e2", SourceID: "slack", Status: model.AuditFailed, ErrorKind: model.ErrorKindInputInsufficiency, DurationMS: 2, CreatedAt: recent},
		{EntityID: "e3", SourceID: "slack", Status: model.AuditFailed, ErrorKind: model.ErrorKindInputInsufficiency, DurationMS: 6, CreatedAt: recent},
		// Outside the window.
		{EntityID: "e4", SourceID: "slack", Status: model.AuditFailed, ErrorKind: model.ErrorKindPersistenceFailure, CreatedAt: fixedNow.Add(-48 * time.Hour)},
	}}

	snap, err := newTestCollector(fa).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, fixedNow.Add(-24*time.Hour), fa.filter.CreatedAfter)
	assert.Equal(t, collectLimit, fa.filter.Limit)
	assert.Equal(t, 4, snap.Total)
	assert.Equal(t, 2, snap.Succeeded)
	assert.Equal(t, 2, snap.Failed)
	assert.InDelta(t, 0.5, snap.FailureRate, 1e-9)
	assert.InDelta(t, 0.7, snap.AvgConfidence, 1e-9)
	assert.InDelta(t, 12.0, snap.AvgDurationMS, 1e-9)
	assert.Equal(t, 2, snap.FailuresByKind[model.ErrorKindInputInsufficiency])
	assert.Zero(t, snap.FailuresByKind[model.ErrorKindPersistenceFailure])
	assert.Equal(t, 3, snap.Entities)
	assert.False(t, snap.Truncated)
	assert.Equal(t, fixedNow, snap.CollectedAt)
}

func TestCollector_Empty(t *testing.T) {
	snap, err := newTestCollector(&fakeAudit{}).Collect(context.Background(), 6)
	require.NoError(t, err)
	assert.Zero(t, snap.Total)
	assert.Zero(t, snap.FailureRate)
	assert.Zero(t, snap.AvgConfidence)
	assert.Equal(t, 6, snap.LookbackHours)
}

func TestCollector_Error(t *testing.T) {
	_, err := newTestCollector(&fakeAudit{err: errors.New("db down")}).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list audit")
}
