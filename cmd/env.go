package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fusionscore/internal/calibrate"
	"github.com/sells-group/fusionscore/internal/explain"
	"github.com/sells-group/fusionscore/internal/monitoring"
	"github.com/sells-group/fusionscore/internal/recalibrate"
	"github.com/sells-group/fusionscore/internal/resilience"
	"github.com/sells-group/fusionscore/internal/store"
	"github.com/sells-group/fusionscore/pkg/anthropic"
)

// appEnv bundles what a command needs to run recalibrations.
type appEnv struct {
	Store   store.Store
	Service *recalibrate.Service
	Metrics *monitoring.Metrics
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store != nil {
		e.Store.Close() //nolint:errcheck
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// loadCoefficients resolves the coefficient set: a profile file when
// configured, otherwise the config overrides over the defaults.
func loadCoefficients() (calibrate.Coefficients, error) {
	if cfg.Calibration.ProfilePath != "" {
		return calibrate.LoadProfile(cfg.Calibration.ProfilePath)
	}
	coef := calibrate.FromConfig(cfg.Calibration)
	if err := coef.Validate(); err != nil {
		return calibrate.Coefficients{}, err
	}
	return coef, nil
}

// buildExplainer returns the configured explanation strategy, reporting
// fallbacks and breaker transitions to metrics (which may be nil).
func buildExplainer(metrics *monitoring.Metrics) explain.Explainer {
	if !cfg.Explainer.Enabled || cfg.Anthropic.Key == "" {
		return explain.Deterministic{}
	}
	bc := resilience.ExplainerBreaker(cfg.Explainer)
	bc.OnStateChange = metrics.BreakerStateChanged
	return explain.New(cfg, anthropic.NewClient(cfg.Anthropic.Key),
		explain.WithBreaker(resilience.NewBreaker(bc)),
		explain.WithFallbackHook(metrics.ExplainerFallback),
	)
}

// initService validates config for mode and wires store, coefficients,
// explainer and service.
func initService(ctx context.Context, mode string, metrics *monitoring.Metrics) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	coef, err := loadCoefficients()
	if err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	svc := recalibrate.New(st, coef, cfg.Recalibration,
		recalibrate.WithExplainer(buildExplainer(metrics)),
		recalibrate.WithObserver(metrics),
	)
	zap.L().Debug("service initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("coefficients", coef.Label()),
		zap.Bool("explainer_llm", cfg.Explainer.Enabled),
	)
	return &appEnv{Store: st, Service: svc, Metrics: metrics}, nil
}
