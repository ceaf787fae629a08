package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"histostack/internal/models"
	"histostack/pkg/alignment"
	"histostack/pkg/masking"
	"histostack/pkg/solver"
	"histostack/pkg/storage"
)

// Failure sentinels, owned by the packages that raise them.
var (
	ErrLowMaskConfidence     = masking.ErrLowMaskConfidence
	ErrPairwiseNonConvergent = alignment.ErrPairwiseNonConvergent
	ErrDriftOutOfBounds      = solver.ErrDriftOutOfBounds
	ErrTransientStorage      = storage.ErrTransientStorage

	// ErrSourceUnreadable is returned when ingestion cannot provide a raw
	// image and retrying will not help.
	ErrSourceUnreadable = errors.New("source image unreadable")
)

// StageError ties a failure to the stage and section it happened in.
type StageError struct {
	Stage      string
	OrderIndex int
	Reason     models.Reason
	Err        error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s section %d (%s): %v", e.Stage, e.OrderIndex, e.Reason, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Classify maps an error onto a failure reason. It relies on sentinels and
// error types only.
func Classify(err error) models.Reason {
	if err == nil {
		return models.ReasonNone
	}

	var se *StageError
	if errors.As(err, &se) && se.Reason != models.ReasonNone {
		return se.Reason
	}

	switch {
	case errors.Is(err, ErrSourceUnreadable):
		return models.ReasonSourceUnreadable
	case errors.Is(err, ErrLowMaskConfidence):
		return models.ReasonLowMaskConfidence
	case errors.Is(err, ErrDriftOutOfBounds):
		return models.ReasonDriftOutOfBounds
	case errors.Is(err, ErrPairwiseNonConvergent):
		return models.ReasonPairwiseNonConvergent
	case isTransient(err):
		return models.ReasonTransientStorage
	}
	return models.ReasonInternal
}

// isTransient reports whether retrying err may succeed.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTransientStorage) || storage.IsBusy(err) {
		return true
	}
	var perr *fs.PathError
	if errors.As(err, &perr) {
		return !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, fs.ErrPermission)
	}
	return false
}
