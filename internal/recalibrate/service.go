// Package recalibrate orchestrates recalibration runs: it reads a source's
// metrics and history, recalibrates its weights, refreshes its score and
// records one audit entry per source.
package recalibrate

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sells-group/fusionscore/internal/calibrate"
	"github.com/sells-group/fusionscore/internal/config"
	"github.com/sells-group/fusionscore/internal/explain"
	"github.com/sells-group/fusionscore/internal/model"
	"github.com/sells-group/fusionscore/internal/resilience"
	"github.com/sells-group/fusionscore/internal/store"
)

// Trigger names what started a run.
const (
	TriggerManual   = "manual"
	TriggerAPI      = "api"
	TriggerSchedule = "schedule"
	TriggerIngest   = "ingest"
)

// Observer receives run outcomes, e.g. for metrics.
type Observer interface {
	SourceRecalibrated(status model.AuditStatus, kind model.ErrorKind, confidence float64, elapsed time.Duration)
	SourceSkipped(reason string)
	Ingested(metrics int)
	SweepCompleted(entities, failed int, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) SourceRecalibrated(model.AuditStatus, model.ErrorKind, float64, time.Duration) {}
func (nopObserver) SourceSkipped(string)                                                         {}
func (nopObserver) Ingested(int)                                                                 {}
func (nopObserver) SweepCompleted(int, int, time.Duration)                                       {}

// Service runs recalibrations against a store.
type Service struct {
	store     store.Store
	coef      calibrate.Coefficients
	cfg       config.RecalibrationConfig
	explainer explain.Explainer
	observer  Observer
	retry     resilience.RetryConfig
	locks     *locker
	flight    singleflight.Group
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithExplainer sets the explanation strategy. Default: explain.Deterministic.
func WithExplainer(e explain.Explainer) Option {
	return func(s *Service) { s.explainer = e }
}

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRetry overrides the retry policy for store calls.
func WithRetry(rc resilience.RetryConfig) Option {
	return func(s *Service) { s.retry = rc }
}

// New creates a Service.
func New(st store.Store, coef calibrate.Coefficients, cfg config.RecalibrationConfig, opts ...Option) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MetricWindow <= 0 {
		cfg.MetricWindow = 500
	}
	if cfg.SnapshotWindow <= 0 {
		cfg.SnapshotWindow = 90
	}
	if cfg.LockTTLSecs <= 0 {
		cfg.LockTTLSecs = 120
	}
	if cfg.MinMetricsForComputed <= 0 {
		cfg.MinMetricsForComputed = 12
	}

	s := &Service{
		store:     st,
		coef:      coef,
		cfg:       cfg,
		explainer: explain.Deterministic{},
		observer:  nopObserver{},
		retry:     resilience.StoreRetry(cfg),
		now:       time.Now,
	}
	s.locks = &locker{
		keys:   newKeyedMutex(),
		leases: st,
		ttl:    time.Duration(cfg.LockTTLSecs) * time.Second,
		wait:   time.Duration(cfg.LockWaitSecs) * time.Second,
		poll:   100 * time.Millisecond,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Coefficients returns the coefficient set in use.
func (s *Service) Coefficients() calibrate.Coefficients {
	return s.coef
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// try runs a store call under the retry policy.
func (s *Service) try(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	rc := s.retry
	rc.OnRetry = resilience.RetryLogger(op)
	return resilience.Do(ctx, rc, fn)
}

func tryVal[T any](ctx context.Context, s *Service, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	rc := s.retry
	rc.OnRetry = resilience.RetryLogger(op)
	return resilience.DoVal(ctx, rc, fn)
}

// originFor decides whether a source has enough data for a computed score:
// at least min metric rows covering every canonical dimension.
func originFor(metrics []model.Metric, min int) model.ScoreOrigin {
	if len(metrics) < min {
		return model.OriginBaseline
	}
	seen := make(map[string]bool, 4)
	for _, m := range metrics {
		seen[m.Name] = true
	}
	for _, dim := range model.Dimensions() {
		if !seen[dim] {
			return model.OriginBaseline
		}
	}
	return model.OriginComputed
}
