package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fusionscore/internal/db"
	"github.com/sells-group/fusionscore/internal/model"
)

// Column lists shared by both backends.
var (
	sourceCols    = []string{"entity_id", "source_id", "category", "active", "connected_at", "updated_at"}
	metricCols    = []string{"entity_id", "source_id", "name", "raw_value", "normalized_value", "weight", "captured_at"}
	weightingCols = []string{
		"entity_id", "source_id", "metric_name", "final_weight", "variance", "confidence",
		"correlation_penalty", "adjustment_reason", "is_adaptive", "updated_at",
	}
	scoreCols    = []string{"entity_id", "source_id", "score", "trend", "score_origin", "calculated_at"}
	snapshotCols = []string{"entity_id", "source_id", "score", "recorded_at", "change_reason"}
	auditCols    = []string{
		"run_id", "entity_id", "source_id", "event_type", "metrics_count", "variance", "confidence",
		"weight_changes", "status", "error", "error_kind", "coefficients_version", "explanation",
		"duration_ms", "created_at",
	}
	leaseCols = []string{"entity_id", "source_id", "token", "expires_at"}
)

var (
	sourceUpsert = db.UpsertConfig{
		Table:        "sources",
		Columns:      sourceCols,
		ConflictKeys: []string{"entity_id", "source_id"},
		UpdateCols:   []string{"category", "active", "updated_at"},
	}
	weightingUpsert = db.UpsertConfig{
		Table:        "weightings",
		Columns:      weightingCols,
		ConflictKeys: []string{"entity_id", "source_id", "metric_name"},
	}
	scoreUpsert = db.UpsertConfig{
		Table:        "fusion_scores",
		Columns:      scoreCols,
		ConflictKeys: []string{"entity_id", "source_id"},
	}
	auditInsert = db.UpsertConfig{
		Table:        "recalibration_audit",
		Columns:      auditCols,
		ConflictKeys: []string{"run_id", "source_id"},
		UpdateCols:   []string{},
	}
)

// leaseUpsert takes over a lease row only once it has expired. The bind
// parameter after the lease columns carries the current time.
func leaseUpsert(style db.Placeholder) db.UpsertConfig {
	return db.UpsertConfig{
		Table:        "recalibration_leases",
		Columns:      leaseCols,
		ConflictKeys: []string{"entity_id", "source_id"},
		Where:        "recalibration_leases.expires_at < " + db.Placeholders(1, len(leaseCols)+1, style),
	}
}

// mustUpsert renders a statically defined upsert.
func mustUpsert(cfg db.UpsertConfig, style db.Placeholder) string {
	stmt, err := db.UpsertStatement(cfg, style)
	if err != nil {
		panic(err)
	}
	return stmt
}

func marshalChanges(changes []model.WeightChange) ([]byte, error) {
	if changes == nil {
		changes = []model.WeightChange{}
	}
	b, err := json.Marshal(changes)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal weight changes")
	}
	return b, nil
}

func unmarshalChanges(b []byte) ([]model.WeightChange, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out []model.WeightChange
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal weight changes")
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
