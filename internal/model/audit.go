package model

import "time"

// AuditStatus is the outcome of one orchestration attempt.
type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditFailed  AuditStatus = "failed"
)

// ErrorKind classifies why a recalibration attempt failed.
type ErrorKind string

const (
	ErrorKindNone                ErrorKind = ""
	ErrorKindInputInsufficiency  ErrorKind = "input_insufficiency"
	ErrorKindTransientDependency ErrorKind = "transient_dependency"
	ErrorKindPersistenceFailure  ErrorKind = "persistence_failure"
	ErrorKindInvariantViolation  ErrorKind = "invariant_violation"
)

// Audit event types.
const (
	EventRecalibration = "recalibration"
)

// AuditRecord is the append-only trail of one recalibration attempt for one
// source. RunID+SourceID is unique.
type AuditRecord struct {
	RunID               string         `json:"run_id"`
	EntityID            string         `json:"entity_id"`
	SourceID            string         `json:"source_id"`
	EventType           string         `json:"event_type"`
	MetricsCount        int            `json:"metrics_count"`
	Variance            float64        `json:"variance"`
	Confidence          float64        `json:"confidence"`
	WeightChanges       []WeightChange `json:"weight_changes,omitempty"`
	Status              AuditStatus    `json:"status"`
	Error               string         `json:"error,omitempty"`
	ErrorKind           ErrorKind      `json:"error_kind,omitempty"`
	CoefficientsVersion string         `json:"coefficients_version,omitempty"`
	Explanation         string         `json:"explanation,omitempty"`
	DurationMS          int64          `json:"duration_ms"`
	CreatedAt           time.Time      `json:"created_at"`
}
