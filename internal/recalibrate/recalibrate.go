package recalibrate

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fusionscore/internal/calibrate"
	"github.com/sells-group/fusionscore/internal/explain"
	"github.com/sells-group/fusionscore/internal/fusion"
	"github.com/sells-group/fusionscore/internal/learning"
	"github.com/sells-group/fusionscore/internal/maturity"
	"github.com/sells-group/fusionscore/internal/model"
	"github.com/sells-group/fusionscore/internal/store"
)

// Request asks for one recalibration run.
type Request struct {
	EntityID string `json:"entity_id"`
	// SourceID limits the run to one source; empty means every active source.
	SourceID string `json:"source_id,omitempty"`
	// RunID makes the run idempotent; generated when empty.
	RunID   string `json:"run_id,omitempty"`
	Trigger string `json:"trigger,omitempty"`
}

// SourceResult is the outcome for one source.
type SourceResult struct {
	SourceID     string                   `json:"source_id"`
	Status       model.AuditStatus        `json:"status"`
	Duplicate    bool                     `json:"duplicate,omitempty"`
	MetricsCount int                      `json:"metrics_count"`
	Variance     float64                  `json:"variance"`
	Confidence   float64                  `json:"confidence"`
	Weights      []calibrate.WeightResult `json:"weights,omitempty"`
	Changes      []model.WeightChange     `json:"weight_changes,omitempty"`
	Score        *model.FusionScore       `json:"score,omitempty"`
	Tier         maturity.Tier            `json:"tier,omitempty"`
	Explanation  string                   `json:"explanation,omitempty"`
	ErrorKind    model.ErrorKind          `json:"error_kind,omitempty"`
	Error        string                   `json:"error,omitempty"`
	Duration     time.Duration            `json:"duration"`
}

// Totals summarizes a run.
type Totals struct {
	Sources   int `json:"sources"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	// AvgConfidence is averaged over succeeded sources only.
	AvgConfidence float64       `json:"avg_confidence"`
	TotalMetrics  int           `json:"total_metrics"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Result is the outcome of Recalibrate.
type Result struct {
	RunID    string         `json:"run_id"`
	EntityID string         `json:"entity_id"`
	Trigger  string         `json:"trigger"`
	Sources  []SourceResult `json:"sources"`
	Totals   Totals         `json:"totals"`
}

func (r *Result) total(elapsed time.Duration) {
	t := Totals{Sources: len(r.Sources), Elapsed: elapsed}
	var confSum float64
	for _, sr := range r.Sources {
		switch {
		case sr.Duplicate:
			t.Skipped++
		case sr.Status == model.AuditSuccess:
			t.Succeeded++
			confSum += sr.Confidence
			t.TotalMetrics += sr.MetricsCount
		default:
			t.Failed++
			t.TotalMetrics += sr.MetricsCount
		}
	}
	if t.Succeeded > 0 {
		t.AvgConfidence = confSum / float64(t.Succeeded)
	}
	r.Totals = t
}

// Recalibrate recalibrates the requested source, or every active source of
// the entity. A failing source never stops the others; each one gets its own
// audit record.
func (s *Service) Recalibrate(ctx context.Context, req Request) (*Result, error) {
	if req.EntityID == "" {
		return nil, ErrMissingEntity
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}
	start := s.clock()
	log := zap.L().With(
		zap.String("run_id", req.RunID),
		zap.String("entity_id", req.EntityID),
		zap.String("trigger", req.Trigger),
	)

	sourceIDs, err := s.targetSources(ctx, req)
	if err != nil {
		return nil, err
	}

	res := &Result{RunID: req.RunID, EntityID: req.EntityID, Trigger: req.Trigger}
	for _, id := range sourceIDs {
		if ctx.Err() != nil {
			break
		}
		sr := s.recalibrateSource(ctx, req, id)
		res.Sources = append(res.Sources, sr)
	}
	res.total(s.clock().Sub(start))

	log.Info("recalibrate: run complete",
		zap.Int("sources", res.Totals.Sources),
		zap.Int("succeeded", res.Totals.Succeeded),
		zap.Int("failed", res.Totals.Failed),
		zap.Int("skipped", res.Totals.Skipped),
		zap.Float64("avg_confidence", res.Totals.AvgConfidence),
		zap.Duration("elapsed", res.Totals.Elapsed),
	)
	return res, ctx.Err()
}

func (s *Service) targetSources(ctx context.Context, req Request) ([]string, error) {
	if req.SourceID != "" {
		return []string{req.SourceID}, nil
	}
	sources, err := tryVal(ctx, s, "list_sources", func(ctx context.Context) ([]model.Source, error) {
		return s.store.ListSources(ctx, req.EntityID, true)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "recalibrate: list sources for %s", req.EntityID)
	}
	ids := make([]string, len(sources))
	for i, src := range sources {
		ids[i] = src.SourceID
	}
	return ids, nil
}

// recalibrateSource runs one source end to end and always returns a result.
func (s *Service) recalibrateSource(ctx context.Context, req Request, sourceID string) (sr SourceResult) {
	start := s.clock()
	sr = SourceResult{SourceID: sourceID}
	log := zap.L().With(
		zap.String("run_id", req.RunID),
		zap.String("entity_id", req.EntityID),
		zap.String("source_id", sourceID),
	)

	release, err := s.locks.acquire(ctx, req.EntityID, sourceID)
	if err != nil {
		s.fail(ctx, req, &sr, start, eris.Wrap(err, "recalibrate: lock"))
		return sr
	}
	defer release()

	dup, err := tryVal(ctx, s, "has_audit", func(ctx context.Context) (bool, error) {
		return s.store.HasAudit(ctx, req.RunID, sourceID)
	})
	if err != nil {
		s.fail(ctx, req, &sr, start, eris.Wrap(err, "recalibrate: check duplicate run"))
		return sr
	}
	if dup {
		log.Info("recalibrate: duplicate run skipped")
		sr.Duplicate = true
		sr.Duration = s.clock().Sub(start)
		s.observer.SourceSkipped("duplicate")
		return sr
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("recalibrate: panic", zap.Any("panic", r), zap.Stack("stack"))
			sr = SourceResult{SourceID: sourceID, MetricsCount: sr.MetricsCount}
			s.fail(ctx, req, &sr, start, eris.Wrapf(ErrInvariant, "recalibrate: panic: %v", r))
		}
	}()

	if err := s.calibrateSource(ctx, req, &sr, start); err != nil {
		s.fail(ctx, req, &sr, start, err)
		if Classify(err) == model.ErrorKindInputInsufficiency {
			log.Warn("recalibrate: insufficient input", zap.Error(err))
		} else {
			log.Error("recalibrate: source failed", zap.Error(err))
		}
	}
	return sr
}

// calibrateSource does the work and fills sr on success.
func (s *Service) calibrateSource(ctx context.Context, req Request, sr *SourceResult, start time.Time) error {
	entityID, sourceID := req.EntityID, sr.SourceID

	src, err := tryVal(ctx, s, "get_source", func(ctx context.Context) (*model.Source, error) {
		return s.store.GetSource(ctx, entityID, sourceID)
	})
	if err != nil {
		return eris.Wrap(err, "recalibrate: get source")
	}
	if src == nil {
		return eris.Wrapf(ErrUnknownSource, "recalibrate: %s/%s", entityID, sourceID)
	}

	metrics, err := tryVal(ctx, s, "list_metrics", func(ctx context.Context) ([]model.Metric, error) {
		return s.store.ListMetrics(ctx, entityID, sourceID, s.cfg.MetricWindow)
	})
	if err != nil {
		return eris.Wrap(err, "recalibrate: list metrics")
	}
	sr.MetricsCount = len(metrics)
	if len(metrics) == 0 {
		return eris.Wrapf(ErrNoMetrics, "recalibrate: %s/%s", entityID, sourceID)
	}

	snaps, err := tryVal(ctx, s, "list_snapshots", func(ctx context.Context) ([]model.ScoreSnapshot, error) {
		return s.store.ListSnapshots(ctx, entityID, sourceID, s.cfg.SnapshotWindow)
	})
	if err != nil {
		return eris.Wrap(err, "recalibrate: list snapshots")
	}
	current, err := tryVal(ctx, s, "get_fusion_score", func(ctx context.Context) (*model.FusionScore, error) {
		return s.store.GetFusionScore(ctx, entityID, sourceID)
	})
	if err != nil {
		return eris.Wrap(err, "recalibrate: get fusion score")
	}
	previous, err := tryVal(ctx, s, "get_weightings", func(ctx context.Context) ([]model.Weighting, error) {
		return s.store.GetWeightings(ctx, entityID, sourceID)
	})
	if err != nil {
		return eris.Wrap(err, "recalibrate: get weightings")
	}

	scores := learning.Scores(learning.Chronological(snaps))
	scoreVariance := calibrate.Variance(scores)
	conf := calibrate.Confidence(calibrate.ConfidenceInput{
		Snapshots:   len(snaps),
		Metrics:     len(metrics),
		Variance:    scoreVariance,
		HasComputed: current.Computed(),
	})

	inputs := metricInputs(metrics)
	result := calibrate.Calibrate(s.coef, inputs, conf.Total)
	if sum := result.Sum(); math.Abs(sum-1) > 1e-6 {
		return eris.Wrapf(ErrInvariant, "recalibrate: weights sum to %.9f", sum)
	}

	prev := make(map[string]float64, len(previous))
	for _, w := range previous {
		prev[w.MetricName] = w.FinalWeight
	}
	changes := calibrate.Changes(prev, result)

	now := s.clock()
	origin := originFor(metrics, s.cfg.MinMetricsForComputed)
	score := model.BaselineScore
	if origin == model.OriginComputed {
		score = fusion.SourceScore(s.coef, fusion.Latest(metrics), result.Final())
	}
	fs := model.FusionScore{
		EntityID:     entityID,
		SourceID:     sourceID,
		Score:        score,
		Trend:        fusion.TrendOf(scores),
		Origin:       origin,
		CalculatedAt: now,
	}
	// Weightings and score land together or not at all.
	if err := s.try(ctx, "apply_recalibration", func(ctx context.Context) error {
		return s.store.ApplyRecalibration(ctx, result.Weightings(entityID, sourceID, now), fs)
	}); err != nil {
		return eris.Wrap(err, "recalibrate: apply weightings and score")
	}

	tier := maturity.Classify(origin, len(snaps), scoreVariance, conf.Total)
	explanation, err := s.explainer.Explain(ctx, explain.Input{
		EntityID:     entityID,
		SourceID:     sourceID,
		Category:     src.Category,
		MetricsCount: len(metrics),
		Result:       result,
		Changes:      changes,
		Confidence:   conf,
		Score:        fs.Score,
		Origin:       fs.Origin,
		Trend:        fs.Trend,
		Tier:         tier,
	})
	if err != nil {
		// Explanations never fail a run.
		zap.L().Warn("recalibrate: explain", zap.String("source_id", sourceID), zap.Error(err))
	}

	sr.Status = model.AuditSuccess
	sr.Variance = meanVariance(result.Weights)
	sr.Confidence = conf.Total
	sr.Weights = result.Weights
	sr.Changes = changes
	sr.Score = &fs
	sr.Tier = tier
	sr.Explanation = explanation
	sr.Duration = s.clock().Sub(start)

	rec := s.audit(req, *sr)
	if err := s.try(ctx, "insert_audit", func(ctx context.Context) error {
		return s.store.InsertAudit(ctx, rec)
	}); err != nil {
		if !store.IsDuplicateAudit(err) {
			return eris.Wrap(err, "recalibrate: insert audit")
		}
		zap.L().Warn("recalibrate: audit already recorded", zap.String("run_id", req.RunID), zap.String("source_id", sourceID))
	}
	s.observer.SourceRecalibrated(sr.Status, sr.ErrorKind, sr.Confidence, sr.Duration)
	return nil
}

// fail records a failed source result and its audit entry.
func (s *Service) fail(ctx context.Context, req Request, sr *SourceResult, start time.Time, cause error) {
	sr.Status = model.AuditFailed
	sr.ErrorKind = Classify(cause)
	sr.Error = cause.Error()
	sr.Duration = s.clock().Sub(start)

	rec := s.audit(req, *sr)
	// The run context may already be cancelled; the failure is still recorded.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.try(auditCtx, "insert_audit", func(ctx context.Context) error {
		return s.store.InsertAudit(ctx, rec)
	}); err != nil && !store.IsDuplicateAudit(err) {
		zap.L().Error("recalibrate: insert failed audit",
			zap.String("run_id", req.RunID),
			zap.String("source_id", sr.SourceID),
			zap.Error(err),
		)
	}
	s.observer.SourceRecalibrated(sr.Status, sr.ErrorKind, 0, sr.Duration)
}

func (s *Service) audit(req Request, sr SourceResult) model.AuditRecord {
	return model.AuditRecord{
		RunID:               req.RunID,
		EntityID:            req.EntityID,
		SourceID:            sr.SourceID,
		EventType:           model.EventRecalibration,
		MetricsCount:        sr.MetricsCount,
		Variance:            sr.Variance,
		Confidence:          sr.Confidence,
		WeightChanges:       sr.Changes,
		Status:              sr.Status,
		Error:               sr.Error,
		ErrorKind:           sr.ErrorKind,
		CoefficientsVersion: s.coef.Label(),
		Explanation:         sr.Explanation,
		DurationMS:          sr.Duration.Milliseconds(),
		CreatedAt:           s.clock(),
	}
}

// metricInputs derives the calibrator inputs from raw metric rows. Each
// metric's base weight is taken from its most recent capture.
func metricInputs(metrics []model.Metric) []calibrate.MetricInput {
	type acc struct {
		series   calibrate.Series
		base     float64
		latestAt int64
	}
	byName := make(map[string]*acc)
	for _, m := range metrics {
		a, ok := byName[m.Name]
		if !ok {
			a = &acc{series: calibrate.Series{}, latestAt: math.MinInt64}
			byName[m.Name] = a
		}
		ts := m.CapturedAt.UnixNano()
		if _, dup := a.series[ts]; !dup {
			a.series[ts] = m.NormalizedValue
		}
		if ts > a.latestAt {
			a.latestAt = ts
			a.base = m.Weight
		}
	}

	series := make(map[string]calibrate.Series, len(byName))
	for name, a := range byName {
		series[name] = a.series
	}
	penalties := calibrate.CorrelationPenalties(series)

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	inputs := make([]calibrate.MetricInput, 0, len(names))
	for _, name := range names {
		a := byName[name]
		inputs = append(inputs, calibrate.MetricInput{
			Name:               name,
			BaseWeight:         a.base,
			Variance:           calibrate.VarianceSignal(a.series.Values()),
			CorrelationPenalty: penalties[name],
		})
	}
	return inputs
}

func meanVariance(ws []calibrate.WeightResult) float64 {
	if len(ws) == 0 {
		return 0
	}
	var sum float64
	for _, w := range ws {
		sum += w.Variance
	}
	return sum / float64(len(ws))
}

// String summarizes a source result for logs and CLI output.
func (sr SourceResult) String() string {
	if sr.Duplicate {
		return fmt.Sprintf("%s: duplicate", sr.SourceID)
	}
	if sr.Status == model.AuditFailed {
		return fmt.Sprintf("%s: failed (%s) %s", sr.SourceID, sr.ErrorKind, sr.Error)
	}
	return fmt.Sprintf("%s: ok metrics=%d confidence=%.2f", sr.SourceID, sr.MetricsCount, sr.Confidence)
}
