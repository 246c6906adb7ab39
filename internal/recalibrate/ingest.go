package recalibrate

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fusionscore/internal/extract"
	"github.com/sells-group/fusionscore/internal/fusion"
	"github.com/sells-group/fusionscore/internal/learning"
	"github.com/sells-group/fusionscore/internal/model"
	"github.com/sells-group/fusionscore/internal/normalize"
)

// IngestRequest carries one activity payload from a source.
type IngestRequest struct {
	EntityID string `json:"entity_id"`
	SourceID string `json:"source_id"`
	// Category overrides the registered category of the source. Empty keeps
	// the registered one, or general for a new source.
	Category   string          `json:"category,omitempty"`
	Payload    extract.Payload `json:"payload"`
	CapturedAt time.Time       `json:"captured_at,omitempty"`
}

// IngestResult is what one payload produced.
type IngestResult struct {
	Metrics []model.Metric    `json:"metrics"`
	Score   model.FusionScore `json:"score"`
}

// ErrMissingSource is returned for ingest requests without a source ID.
var ErrMissingSource = eris.New("recalibrate: source id is required")

// Ingest extracts and normalizes a payload into metrics, refreshes the
// source's score with its current weights and appends a history snapshot.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if req.EntityID == "" {
		return nil, ErrMissingEntity
	}
	if req.SourceID == "" {
		return nil, ErrMissingSource
	}
	now := s.clock()
	capturedAt := req.CapturedAt.UTC()
	if req.CapturedAt.IsZero() {
		capturedAt = now
	}

	release, err := s.locks.acquire(ctx, req.EntityID, req.SourceID)
	if err != nil {
		return nil, eris.Wrap(err, "recalibrate: ingest lock")
	}
	defer release()

	src, err := tryVal(ctx, s, "get_source", func(ctx context.Context) (*model.Source, error) {
		return s.store.GetSource(ctx, req.EntityID, req.SourceID)
	})
	if err != nil {
		return nil, eris.Wrap(err, "recalibrate: ingest get source")
	}
	category := model.CategoryGeneral
	if src != nil {
		category = src.Category
	}
	if strings.TrimSpace(req.Category) != "" {
		category = model.ParseCategory(req.Category)
	}
	if src == nil || src.Category != category || !src.Active {
		reg := model.Source{EntityID: req.EntityID, SourceID: req.SourceID, Category: category, Active: true, UpdatedAt: now}
		if src != nil {
			reg.ConnectedAt = src.ConnectedAt
		} else {
			reg.ConnectedAt = now
		}
		if err := s.try(ctx, "upsert_source", func(ctx context.Context) error {
			return s.store.UpsertSource(ctx, reg)
		}); err != nil {
			return nil, eris.Wrap(err, "recalibrate: ingest register source")
		}
	}

	readings := normalize.Canonical(category, extract.Extract(category, req.Payload))
	metrics := make([]model.Metric, len(readings))
	for i, r := range readings {
		metrics[i] = model.Metric{
			EntityID:        req.EntityID,
			SourceID:        req.SourceID,
			Name:            r.Name,
			RawValue:        r.Raw,
			NormalizedValue: r.Normalized,
			Weight:          model.DefaultBaseWeight,
			CapturedAt:      capturedAt,
		}
	}
	if err := s.try(ctx, "insert_metrics", func(ctx context.Context) error {
		return s.store.InsertMetrics(ctx, metrics)
	}); err != nil {
		return nil, eris.Wrap(err, "recalibrate: ingest insert metrics")
	}

	fs, err := s.rescore(ctx, req.EntityID, req.SourceID, now)
	if err != nil {
		return nil, err
	}

	if err := s.try(ctx, "append_snapshot", func(ctx context.Context) error {
		return s.store.AppendSnapshot(ctx, model.ScoreSnapshot{
			EntityID:     req.EntityID,
			SourceID:     req.SourceID,
			Score:        fs.Score,
			RecordedAt:   now,
			ChangeReason: TriggerIngest,
		})
	}); err != nil {
		return nil, eris.Wrap(err, "recalibrate: ingest append snapshot")
	}

	s.observer.Ingested(len(metrics))
	zap.L().Debug("recalibrate: ingested",
		zap.String("entity_id", req.EntityID),
		zap.String("source_id", req.SourceID),
		zap.String("category", string(category)),
		zap.Float64("score", fs.Score),
		zap.String("score_origin", string(fs.Origin)),
	)
	return &IngestResult{Metrics: metrics, Score: fs}, nil
}

// rescore recomputes and stores the current score of a source from its
// stored metrics and weights. The trend includes the new score.
func (s *Service) rescore(ctx context.Context, entityID, sourceID string, now time.Time) (model.FusionScore, error) {
	metrics, err := tryVal(ctx, s, "list_metrics", func(ctx context.Context) ([]model.Metric, error) {
		return s.store.ListMetrics(ctx, entityID, sourceID, s.cfg.MetricWindow)
	})
	if err != nil {
		return model.FusionScore{}, eris.Wrap(err, "recalibrate: rescore list metrics")
	}
	weightings, err := tryVal(ctx, s, "get_weightings", func(ctx context.Context) ([]model.Weighting, error) {
		return s.store.GetWeightings(ctx, entityID, sourceID)
	})
	if err != nil {
		return model.FusionScore{}, eris.Wrap(err, "recalibrate: rescore get weightings")
	}
	snaps, err := tryVal(ctx, s, "list_snapshots", func(ctx context.Context) ([]model.ScoreSnapshot, error) {
		return s.store.ListSnapshots(ctx, entityID, sourceID, s.cfg.SnapshotWindow)
	})
	if err != nil {
		return model.FusionScore{}, eris.Wrap(err, "recalibrate: rescore list snapshots")
	}

	weights := make(map[string]float64, len(weightings))
	for _, w := range weightings {
		weights[w.MetricName] = w.FinalWeight
	}

	origin := originFor(metrics, s.cfg.MinMetricsForComputed)
	score := model.BaselineScore
	if origin == model.OriginComputed {
		score = fusion.SourceScore(s.coef, fusion.Latest(metrics), weights)
	}

	scores := append(learning.Scores(learning.Chronological(snaps)), score)
	fs := model.FusionScore{
		EntityID:     entityID,
		SourceID:     sourceID,
		Score:        score,
		Trend:        fusion.TrendOf(scores),
		Origin:       origin,
		CalculatedAt: now,
	}
	if err := s.try(ctx, "upsert_fusion_score", func(ctx context.Context) error {
		return s.store.UpsertFusionScore(ctx, fs)
	}); err != nil {
		return model.FusionScore{}, eris.Wrap(err, "recalibrate: rescore upsert fusion score")
	}
	return fs, nil
}
