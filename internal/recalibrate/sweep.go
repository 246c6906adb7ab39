package recalibrate

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SweepResult summarizes a sweep over many entities.
type SweepResult struct {
	SweepID  string `json:"sweep_id"`
	Entities int    `json:"entities"`
	// Failed counts entities whose run errored or had a failed source.
	Failed int    `json:"failed"`
	Totals Totals `json:"totals"`
}

// SweepRunID derives the run ID of one entity within a sweep. Re-running a
// sweep with the same ID skips sources that already have an audit.
func SweepRunID(sweepID, entityID string) string {
	return sweepID + "/" + entityID
}

// ActiveEntities lists every entity with at least one active source.
func (s *Service) ActiveEntities(ctx context.Context) ([]string, error) {
	entities, err := tryVal(ctx, s, "list_active_entities", s.store.ListActiveEntities)
	if err != nil {
		return nil, eris.Wrap(err, "recalibrate: list active entities")
	}
	return entities, nil
}

// Sweep recalibrates every entity with an active source.
func (s *Service) Sweep(ctx context.Context, sweepID, trigger string) (*SweepResult, error) {
	entities, err := s.ActiveEntities(ctx)
	if err != nil {
		return nil, err
	}
	return s.RecalibrateEntities(ctx, sweepID, entities, trigger)
}

// RecalibrateEntities recalibrates the given entities in a bounded worker
// pool. One entity failing does not stop the others.
func (s *Service) RecalibrateEntities(ctx context.Context, sweepID string, entities []string, trigger string) (*SweepResult, error) {
	if sweepID == "" {
		sweepID = uuid.NewString()
	}
	if trigger == "" {
		trigger = TriggerSchedule
	}
	start := s.clock()
	log := zap.L().With(zap.String("sweep_id", sweepID), zap.Int("entities", len(entities)))
	log.Info("recalibrate: sweep started", zap.Int("workers", s.cfg.Workers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	var (
		mu      sync.Mutex
		results []*Result
		failed  atomic.Int64
	)
	for _, entityID := range entities {
		g.Go(func() error {
			res, err := s.Recalibrate(gctx, Request{
				EntityID: entityID,
				RunID:    SweepRunID(sweepID, entityID),
				Trigger:  trigger,
			})
			if err != nil {
				log.Error("recalibrate: sweep entity failed", zap.String("entity_id", entityID), zap.Error(err))
				failed.Add(1)
				return nil // don't abort other entities
			}
			if res.Totals.Failed > 0 {
				failed.Add(1)
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "recalibrate: sweep")
	}

	out := &SweepResult{SweepID: sweepID, Entities: len(entities), Failed: int(failed.Load())}
	var confSum float64
	for _, r := range results {
		t := r.Totals
		out.Totals.Sources += t.Sources
		out.Totals.Succeeded += t.Succeeded
		out.Totals.Failed += t.Failed
		out.Totals.Skipped += t.Skipped
		out.Totals.TotalMetrics += t.TotalMetrics
		confSum += t.AvgConfidence * float64(t.Succeeded)
	}
	if out.Totals.Succeeded > 0 {
		out.Totals.AvgConfidence = confSum / float64(out.Totals.Succeeded)
	}
	out.Totals.Elapsed = s.clock().Sub(start)

	s.observer.SweepCompleted(out.Entities, out.Failed, out.Totals.Elapsed)
	log.Info("recalibrate: sweep complete",
		zap.Int("failed_entities", out.Failed),
		zap.Int("sources", out.Totals.Sources),
		zap.Int("succeeded", out.Totals.Succeeded),
		zap.Duration("elapsed", out.Totals.Elapsed),
	)
	return out, ctx.Err()
}
