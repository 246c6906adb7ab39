// Package api serves the HTTP trigger and query surface of the scoring
// engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/fusionscore/internal/fusion"
	"github.com/sells-group/fusionscore/internal/learning"
	"github.com/sells-group/fusionscore/internal/model"
	"github.com/sells-group/fusionscore/internal/monitoring"
	"github.com/sells-group/fusionscore/internal/recalibrate"
	"github.com/sells-group/fusionscore/internal/store"
)

// Recalibrator is the service surface the API drives.
type Recalibrator interface {
	Recalibrate(ctx context.Context, req recalibrate.Request) (*recalibrate.Result, error)
	Sweep(ctx context.Context, sweepID, trigger string) (*recalibrate.SweepResult, error)
	Ingest(ctx context.Context, req recalibrate.IngestRequest) (*recalibrate.IngestResult, error)
	EntityScore(ctx context.Context, entityID string) (*fusion.EntityScore, error)
	LearningState(ctx context.Context, entityID, sourceID string) (*learning.State, error)
}

// Backend is the slice of the store the API reads directly.
type Backend interface {
	Ping(ctx context.Context) error
	ListAudit(ctx context.Context, filter store.AuditFilter) ([]model.AuditRecord, error)
}

// Server is the HTTP API server.
type Server struct {
	svc         Recalibrator
	backend     Backend
	health      *monitoring.Collector
	metrics     http.Handler
	corsOrigins []string

	// baseCtx outlives requests; background sweeps run under it.
	baseCtx context.Context
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithHealthCollector enables GET /v1/health/audit.
func WithHealthCollector(c *monitoring.Collector) Option {
	return func(s *Server) { s.health = c }
}

// WithCORSOrigins sets the allowed CORS origins. Default: all.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// NewServer creates a Server. Background sweeps started over HTTP run under
// ctx and stop when it is cancelled.
func NewServer(ctx context.Context, svc Recalibrator, backend Backend, opts ...Option) *Server {
	s := &Server{
		svc:         svc,
		backend:     backend,
		corsOrigins: []string{"*"},
		baseCtx:     ctx,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Wait stops accepting new sweeps and blocks until running ones have
// finished.
func (s *Server) Wait() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/sweep", s.handleSweep)
		r.Get("/audit", s.handleListAudit)
		if s.health != nil {
			r.Get("/health/audit", s.handleAuditHealth)
		}
		r.Route("/entities/{entityID}", func(r chi.Router) {
			r.Post("/recalibrate", s.handleRecalibrate)
			r.Get("/score", s.handleEntityScore)
			r.Post("/sources/{sourceID}/events", s.handleIngest)
			r.Post("/sources/{sourceID}/recalibrate", s.handleRecalibrate)
			r.Get("/sources/{sourceID}/learning", s.handleLearning)
		})
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.backend.Ping(ctx); err != nil {
		zap.L().Warn("api: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type recalibrateBody struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleRecalibrate(w http.ResponseWriter, r *http.Request) {
	var body recalibrateBody
	if !decodeOptional(w, r, &body) {
		return
	}
	res, err := s.svc.Recalibrate(r.Context(), recalibrate.Request{
		EntityID: chi.URLParam(r, "entityID"),
		SourceID: chi.URLParam(r, "sourceID"),
		RunID:    body.RunID,
		Trigger:  recalibrate.TriggerAPI,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type sweepBody struct {
	SweepID string `json:"sweep_id"`
}

// handleSweep starts a sweep in the background and answers 202 right away.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	var body sweepBody
	if !decodeOptional(w, r, &body) {
		return
	}
	if body.SweepID == "" {
		body.SweepID = uuid.NewString()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		res, err := s.svc.Sweep(s.baseCtx, body.SweepID, recalibrate.TriggerAPI)
		if err != nil {
			zap.L().Error("api: sweep failed", zap.String("sweep_id", body.SweepID), zap.Error(err))
			return
		}
		zap.L().Info("api: sweep complete",
			zap.String("sweep_id", body.SweepID),
			zap.Int("entities", res.Entities),
			zap.Int("failed", res.Failed),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"sweep_id": body.SweepID,
	})
}

type ingestBody struct {
	Category   string         `json:"category"`
	Payload    map[string]any `json:"payload"`
	CapturedAt time.Time      `json:"captured_at"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var body ingestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}
	res, err := s.svc.Ingest(r.Context(), recalibrate.IngestRequest{
		EntityID:   chi.URLParam(r, "entityID"),
		SourceID:   chi.URLParam(r, "sourceID"),
		Category:   body.Category,
		Payload:    body.Payload,
		CapturedAt: body.CapturedAt,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleEntityScore(w http.ResponseWriter, r *http.Request) {
	es, err := s.svc.EntityScore(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, es)
}

func (s *Server) handleLearning(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.LearningState(r.Context(), chi.URLParam(r, "entityID"), chi.URLParam(r, "sourceID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AuditFilter{
		EntityID: q.Get("entity_id"),
		SourceID: q.Get("source_id"),
		RunID:    q.Get("run_id"),
		Status:   model.AuditStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.CreatedAfter = ts
	}
	switch filter.Status {
	case "", model.AuditSuccess, model.AuditFailed:
	default:
		writeError(w, http.StatusBadRequest, "status must be success or failed")
		return
	}

	records, err := s.backend.ListAudit(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if records == nil {
		records = []model.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleAuditHealth(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}
	snap, err := s.health.Collect(r.Context(), hours)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, recalibrate.ErrMissingEntity), errors.Is(err, recalibrate.ErrMissingSource):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, recalibrate.ErrLocked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestLogger logs each request with zap.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
