package recalibrate

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fusionscore/internal/fusion"
	"github.com/sells-group/fusionscore/internal/learning"
	"github.com/sells-group/fusionscore/internal/model"
)

// EntityScore fuses the current scores of an entity's active sources.
// Sources without a stored score contribute the baseline.
func (s *Service) EntityScore(ctx context.Context, entityID string) (*fusion.EntityScore, error) {
	if entityID == "" {
		return nil, ErrMissingEntity
	}
	sources, err := s.store.ListSources(ctx, entityID, true)
	if err != nil {
		return nil, eris.Wrapf(err, "recalibrate: entity score sources %s", entityID)
	}
	scores, err := s.store.ListFusionScores(ctx, entityID)
	if err != nil {
		return nil, eris.Wrapf(err, "recalibrate: entity score scores %s", entityID)
	}
	bySource := make(map[string]model.FusionScore, len(scores))
	for _, fs := range scores {
		bySource[fs.SourceID] = fs
	}

	contributions := make([]fusion.Contribution, 0, len(sources))
	for _, src := range sources {
		c := fusion.Contribution{
			SourceID: src.SourceID,
			Category: src.Category,
			Score:    model.BaselineScore,
			Origin:   model.OriginBaseline,
		}
		if fs, ok := bySource[src.SourceID]; ok {
			c.Score = fs.Score
			c.Origin = fs.Origin
		}
		contributions = append(contributions, c)
	}
	es := fusion.Entity(s.coef, entityID, contributions)
	return &es, nil
}

const projectionTimeout = 30 * time.Second

// LearningState projects the learning view of one source from stored
// history. Concurrent requests for the same source share one projection,
// which runs detached from any single caller's cancellation.
func (s *Service) LearningState(ctx context.Context, entityID, sourceID string) (*learning.State, error) {
	if entityID == "" {
		return nil, ErrMissingEntity
	}
	if sourceID == "" {
		return nil, ErrMissingSource
	}
	v, err, _ := s.flight.Do(entityID+"/"+sourceID, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), projectionTimeout)
		defer cancel()

		snaps, err := s.store.ListSnapshots(ctx, entityID, sourceID, s.cfg.SnapshotWindow)
		if err != nil {
			return nil, eris.Wrap(err, "recalibrate: learning snapshots")
		}
		current, err := s.store.GetFusionScore(ctx, entityID, sourceID)
		if err != nil {
			return nil, eris.Wrap(err, "recalibrate: learning score")
		}
		metrics, err := s.store.ListMetrics(ctx, entityID, sourceID, s.cfg.MetricWindow)
		if err != nil {
			return nil, eris.Wrap(err, "recalibrate: learning metrics")
		}
		st := learning.Project(learning.Input{
			EntityID:    entityID,
			SourceID:    sourceID,
			Snapshots:   snaps,
			MetricCount: len(metrics),
			Current:     current,
		})
		return &st, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*learning.State), nil
}
