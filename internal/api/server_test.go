package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fusionscore/internal/calibrate"
	"github.com/sells-group/fusionscore/internal/config"
	"github.com/sells-group/fusionscore/internal/fusion"
	"github.com/sells-group/fusionscore/internal/learning"
	"github.com/sells-group/fusionscore/internal/model"
	"github.com/sells-group/fusionscore/internal/monitoring"
	"github.com/sells-group/fusionscore/internal/recalibrate"
	"github.com/sells-group/fusionscore/internal/resilience"
	"github.com/sells-group/fusionscore/internal/store"
)

type testEnv struct {
	store   *store.SQLiteStore
	svc     *recalibrate.Service
	server  *Server
	handler http.Handler
	metrics *monitoring.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	reg := prometheus.NewRegistry()
	m := monitoring.NewMetrics(reg)
	svc := recalibrate.New(st, calibrate.DefaultCoefficients(), config.RecalibrationConfig{
		Workers:               2,
		LockTTLSecs:           60,
		MinMetricsForComputed: 12,
		RetryAttempts:         1,
	}, recalibrate.WithObserver(m), recalibrate.WithRetry(resilience.RetryConfig{MaxAttempts: 1}))

	srv := NewServer(context.Background(), svc, st,
		WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		WithHealthCollector(monitoring.NewCollector(st)),
	)
	return &testEnv{store: st, svc: svc, server: srv, handler: srv.Handler(), metrics: m}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) ingest(t *testing.T, entityID, sourceID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		rec := e.do(t, http.MethodPost, "/v1/entities/"+entityID+"/sources/"+sourceID+"/events", map[string]any{
			"category": "communication",
			"payload": map[string]any{
				"message_count": 100 + i*40,
				"active_users":  10 + i*3,
				"reply_count":   30 + i*11,
				"channel_count": 4 + i,
			},
			"captured_at": time.Date(2026, 3, 1, 9, i, 0, 0, time.UTC),
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

type downBackend struct{}

func (downBackend) Ping(context.Context) error { return errors.New("closed") }
func (downBackend) ListAudit(context.Context, store.AuditFilter) ([]model.AuditRecord, error) {
	return nil, errors.New("closed")
}

func TestHealth_Unavailable(t *testing.T) {
	srv := NewServer(context.Background(), nil, downBackend{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIngestAndRecalibrate(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "ent-1", "slack", 3)

	rec := env.do(t, http.MethodPost, "/v1/entities/ent-1/recalibrate", map[string]string{"run_id": "run-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res recalibrate.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, recalibrate.TriggerAPI, res.Trigger)
	assert.Equal(t, 1, res.Totals.Succeeded)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, model.AuditSuccess, res.Sources[0].Status)

	rec = env.do(t, http.MethodGet, "/v1/audit?entity_id=ent-1&status=success", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var audits []model.AuditRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &audits))
	require.Len(t, audits, 1)
	assert.Equal(t, "run-1", audits[0].RunID)
}

func TestRecalibrateSource_NoBody(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "ent-1", "slack", 1)

	rec := env.do(t, http.MethodPost, "/v1/entities/ent-1/sources/slack/recalibrate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res recalibrate.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.NotEmpty(t, res.RunID)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "slack", res.Sources[0].SourceID)
}

func TestIngest_BadRequests(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/entities/ent-1/sources/slack/events", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/entities/ent-1/sources/slack/events", map[string]any{"category": "communication"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "payload is required")
}

func TestEntityScoreAndLearning(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "ent-1", "slack", 3)

	rec := env.do(t, http.MethodGet, "/v1/entities/ent-1/score", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var es fusion.EntityScore
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &es))
	assert.Equal(t, model.OriginComputed, es.Origin)
	require.Len(t, es.Contributions, 1)

	rec = env.do(t, http.MethodGet, "/v1/entities/ent-1/sources/slack/learning", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st learning.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 3, st.Snapshots)
}

func TestSweep_Accepted(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "ent-1", "slack", 3)
	env.ingest(t, "ent-2", "teams", 3)

	rec := env.do(t, http.MethodPost, "/v1/sweep", map[string]string{"sweep_id": "sweep-1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"accepted","sweep_id":"sweep-1"}`, rec.Body.String())

	env.server.Wait()

	audits, err := env.store.ListAudit(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, audits, 2)

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fusionscore_sweeps_total 1")
}

func TestSweep_RejectedAfterShutdown(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "ent-1", "slack", 3)

	env.server.Wait()

	rec := env.do(t, http.MethodPost, "/v1/sweep", map[string]string{"sweep_id": "sweep-late"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "server shutting down")

	audits, err := env.store.ListAudit(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, audits)
}

func TestListAudit_Validation(t *testing.T) {
	env := newTestEnv(t)

	for _, q := range []string{"limit=abc", "limit=-1", "since=yesterday", "status=pending"} {
		rec := env.do(t, http.MethodGet, "/v1/audit?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec := env.do(t, http.MethodGet, "/v1/audit?since=2026-01-01T00:00:00Z&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestAuditHealth(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "ent-1", "slack", 3)
	require.NoError(t, env.store.UpsertSource(context.Background(), model.Source{
		EntityID: "ent-1", SourceID: "jira", Category: model.CategoryProjectManagement, Active: true,
	}))
	rec := env.do(t, http.MethodPost, "/v1/entities/ent-1/recalibrate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/health/audit?hours=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap monitoring.HealthSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 2, snap.Total)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.FailuresByKind[model.ErrorKindInputInsufficiency])

	rec = env.do(t, http.MethodGet, "/v1/health/audit?hours=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type mockRecalibrator struct {
	mock.Mock
}

func (m *mockRecalibrator) Recalibrate(ctx context.Context, req recalibrate.Request) (*recalibrate.Result, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*recalibrate.Result)
	return res, args.Error(1)
}

func (m *mockRecalibrator) Sweep(ctx context.Context, sweepID, trigger string) (*recalibrate.SweepResult, error) {
	args := m.Called(ctx, sweepID, trigger)
	res, _ := args.Get(0).(*recalibrate.SweepResult)
	return res, args.Error(1)
}

func (m *mockRecalibrator) Ingest(ctx context.Context, req recalibrate.IngestRequest) (*recalibrate.IngestResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*recalibrate.IngestResult)
	return res, args.Error(1)
}

func (m *mockRecalibrator) EntityScore(ctx context.Context, entityID string) (*fusion.EntityScore, error) {
	args := m.Called(ctx, entityID)
	res, _ := args.Get(0).(*fusion.EntityScore)
	return res, args.Error(1)
}

func (m *mockRecalibrator) LearningState(ctx context.Context, entityID, sourceID string) (*learning.State, error) {
	args := m.Called(ctx, entityID, sourceID)
	res, _ := args.Get(0).(*learning.State)
	return res, args.Error(1)
}

func TestServiceErrors(t *testing.T) {
	m := &mockRecalibrator{}
	m.On("EntityScore", mock.Anything, "ent-1").Return(nil, errors.New("boom"))
	m.On("LearningState", mock.Anything, "ent-1", "slack").Return(nil, recalibrate.ErrLocked)
	m.On("Recalibrate", mock.Anything, mock.Anything).Return(nil, recalibrate.ErrMissingEntity)

	handler := NewServer(context.Background(), m, downBackend{}).Handler()
	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/v1/entities/ent-1/score", http.StatusInternalServerError},
		{http.MethodGet, "/v1/entities/ent-1/sources/slack/learning", http.StatusConflict},
		{http.MethodPost, "/v1/entities/ent-1/recalibrate", http.StatusBadRequest},
		{http.MethodGet, "/v1/audit", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, tc.want, rec.Code, tc.path)
	}
	m.AssertExpectations(t)
}

func TestCORSPreflight(t *testing.T) {
	handler := NewServer(context.Background(), &mockRecalibrator{}, downBackend{},
		WithCORSOrigins([]string{"https://app.example.com"})).Handler()

	req := httptest.NewRequest(http.MethodOptions, "/v1/sweep", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
