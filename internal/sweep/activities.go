package sweep

import (
	"context"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"

	"github.com/sells-group/fusionscore/internal/recalibrate"
)

// Recalibrator is the service surface the activities drive.
type Recalibrator interface {
	ActiveEntities(ctx context.Context) ([]string, error)
	RecalibrateEntities(ctx context.Context, sweepID string, entities []string, trigger string) (*recalibrate.SweepResult, error)
}

// ChunkInput is one batch of entities recalibrated by a single activity.
type ChunkInput struct {
	SweepID  string   `json:"sweep_id"`
	Entities []string `json:"entities"`
	Trigger  string   `json:"trigger"`
}

// Activities holds the sweep activities. Register a populated value with the
// worker; workflows reference methods through a nil *Activities.
type Activities struct {
	svc Recalibrator
}

// NewActivities creates the sweep activities.
func NewActivities(svc Recalibrator) *Activities {
	return &Activities{svc: svc}
}

// ListEntities returns every entity with an active source.
func (a *Activities) ListEntities(ctx context.Context) ([]string, error) {
	entities, err := a.svc.ActiveEntities(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "sweep: list entities")
	}
	activity.GetLogger(ctx).Info("sweep: listed entities", "count", len(entities))
	return entities, nil
}

// RecalibrateEntities recalibrates one chunk. Run IDs derive from the sweep
// ID, so a retried chunk skips sources it already audited.
func (a *Activities) RecalibrateEntities(ctx context.Context, in ChunkInput) (*recalibrate.SweepResult, error) {
	res, err := a.svc.RecalibrateEntities(ctx, in.SweepID, in.Entities, in.Trigger)
	if err != nil {
		return nil, eris.Wrapf(err, "sweep: recalibrate chunk of %d", len(in.Entities))
	}
	activity.GetLogger(ctx).Info("sweep: chunk complete",
		"sweep_id", in.SweepID,
		"entities", res.Entities,
		"failed", res.Failed,
		"succeeded_sources", res.Totals.Succeeded,
	)
	return res, nil
}
