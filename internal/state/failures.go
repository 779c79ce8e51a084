package state

import (
	"context"
	"errors"

	"arsynth/internal/core"
)

// Classify maps err onto the failure taxonomy. unit may be empty for
// stage-level failures.
func Classify(stage, unit string, err error) Failure {
	f := Failure{Stage: stage, ErrorMessage: "unknown error"}
	if err != nil {
		f.ErrorMessage = err.Error()
	}
	if unit != "" {
		u := unit
		f.Unit = &u
	}

	var (
		se *core.SchemaError
		ne *core.NumericalError
		de *core.DataError
		ue *core.StageError
	)
	switch {
	case errors.As(err, &ne):
		f.FailureClass, f.ErrorCode = FailureClassNumerical, "PopulationDrift"
		// Retrying with tighter step limits may succeed.
		f.Resumable = true
		if f.Unit == nil && ne.StrandID != "" {
			id := ne.StrandID
			f.Unit = &id
		}
	case errors.As(err, &de):
		f.FailureClass, f.ErrorCode = FailureClassData, "MissingAtomicData"
		if f.Unit == nil && de.StrandID != "" {
			id := de.StrandID
			f.Unit = &id
		}
	case errors.As(err, &se):
		f.FailureClass, f.ErrorCode = FailureClassSchema, "SchemaMismatch"
	case errors.As(err, &ue):
		f.FailureClass, f.ErrorCode = FailureClassUsage, "MissingPrerequisite"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		f.FailureClass, f.ErrorCode, f.Resumable = FailureClassSystem, "Canceled", true
	default:
		f.FailureClass, f.ErrorCode, f.Resumable = FailureClassSystem, "UnknownError", true
	}
	return f
}
