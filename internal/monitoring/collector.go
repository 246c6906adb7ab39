package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fusionscore/internal/model"
	"github.com/sells-group/fusionscore/internal/store"
)

// collectLimit bounds the audit rows read per collection.
const collectLimit = 10000

// HealthSnapshot holds a point-in-time view of recalibration health.
type HealthSnapshot struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// FailureRate is Failed / Total.
	FailureRate float64 `json:"failure_rate"`
	// AvgConfidence is averaged over successful records only.
	AvgConfidence  float64                 `json:"avg_confidence"`
	AvgDurationMS  float64                 `json:"avg_duration_ms"`
	FailuresByKind map[model.ErrorKind]int `json:"failures_by_kind"`
	Entities       int                     `json:"entities"`
	Truncated      bool                    `json:"truncated,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// AuditLister is the slice of the store the collector reads.
type AuditLister interface {
	ListAudit(ctx context.Context, filter store.AuditFilter) ([]model.AuditRecord, error)
}

// Collector derives health snapshots from the audit trail.
type Collector struct {
	audit AuditLister
	now   func() time.Time
}

// NewCollector creates a new health collector.
func NewCollector(audit AuditLister) *Collector {
	return &Collector{audit: audit, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*HealthSnapshot, error) {
	now := c.now().UTC()
	snap := &HealthSnapshot{
		FailuresByKind: make(map[model.ErrorKind]int),
		LookbackHours:  lookbackHours,
		CollectedAt:    now,
	}

	records, err := c.audit.ListAudit(ctx, store.AuditFilter{
		CreatedAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:        collectLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list audit")
	}
	snap.Truncated = len(records) == collectLimit

	entities := make(map[string]struct{})
	var confSum, durSum float64
	for _, r := range records {
		snap.Total++
		entities[r.EntityID] = struct{}{}
		durSum += float64(r.DurationMS)
		switch r.Status {
		case model.AuditSuccess:
			snap.Succeeded++
			confSum += r.Confidence
		case model.AuditFailed:
			snap.Failed++
			snap.FailuresByKind[r.ErrorKind]++
		}
	}
	snap.Entities = len(entities)

	if snap.Total > 0 {
		snap.FailureRate = float64(snap.Failed) / float64(snap.Total)
		snap.AvgDurationMS = durSum / float64(snap.Total)
	}
	if snap.Succeeded > 0 {
		snap.AvgConfidence = confSum / float64(snap.Succeeded)
	}
	return snap, nil
}
