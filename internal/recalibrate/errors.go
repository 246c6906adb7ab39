package recalibrate

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fusionscore/internal/model"
	"github.com/sells-group/fusionscore/internal/resilience"
)

var (
	// ErrNoMetrics is returned when a source has no metrics to calibrate.
	ErrNoMetrics = eris.New("recalibrate: no metrics for source")
	// ErrUnknownSource is returned when a requested source is not registered.
	ErrUnknownSource = eris.New("recalibrate: source not registered")
	// ErrLocked is returned when another run holds the source's lock past the
	// wait budget.
	ErrLocked = eris.New("recalibrate: source locked by another run")
	// ErrInvariant is returned when a computed result breaks an invariant.
	ErrInvariant = eris.New("recalibrate: invariant violated")
	// ErrMissingEntity is returned for requests without an entity ID.
	ErrMissingEntity = eris.New("recalibrate: entity id is required")
)

// Classify maps an error onto the audit error taxonomy.
func Classify(err error) model.ErrorKind {
	switch {
	case err == nil:
		return model.ErrorKindNone
	case errors.Is(err, ErrNoMetrics), errors.Is(err, ErrUnknownSource):
		return model.ErrorKindInputInsufficiency
	case errors.Is(err, ErrInvariant):
		return model.ErrorKindInvariantViolation
	case errors.Is(err, ErrLocked),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		resilience.IsTransient(err):
		return model.ErrorKindTransientDependency
	default:
		return model.ErrorKindPersistenceFailure
	}
}
