package core

import (
	"errors"
	"fmt"
)

var (
	ErrSchema           = errors.New("schema mismatch")
	ErrNumerical        = errors.New("numerical instability")
	ErrDataCompleteness = errors.New("incomplete atomic data")
	ErrStageOrder       = errors.New("stage prerequisite missing")
)

// SchemaError reports a checkpoint or artifact whose structure does not match
// what the reader expects. Nothing is loaded when it is returned.
type SchemaError struct {
	Artifact string
	Msg      string
	Cause    error
}

func (e *SchemaError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s", ErrSchema.Error(), e.Artifact)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SchemaError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrSchema}
	}
	return []error{ErrSchema, e.Cause}
}

// Schemaf builds a SchemaError for artifact.
func Schemaf(artifact, format string, args ...any) error {
	return &SchemaError{Artifact: artifact, Msg: fmt.Sprintf(format, args...)}
}

// NumericalError reports an integration that could not keep the element
// population sum within tolerance after exhausting its step reductions.
// It is fatal for StrandID only.
type NumericalError struct {
	StrandID string
	Element  string
	Time     float64
	Drift    float64
	Retries  int
}

func (e *NumericalError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: strand=%s element=%s t=%g drift=%.3g after %d retries",
		ErrNumerical.Error(), e.StrandID, e.Element, e.Time, e.Drift, e.Retries)
}

func (e *NumericalError) Unwrap() error { return ErrNumerical }

// DataError reports a missing abundance, ionization fraction, contribution
// function or response for a species that is actually needed.
type DataError struct {
	StrandID string
	Species  string
	Channel  string
	Msg      string
}

func (e *DataError) Error() string {
	if e == nil {
		return ""
	}
	msg := ErrDataCompleteness.Error()
	if e.StrandID != "" {
		msg += " strand=" + e.StrandID
	}
	if e.Species != "" {
		msg += " species=" + e.Species
	}
	if e.Channel != "" {
		msg += " channel=" + e.Channel
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	return msg
}

func (e *DataError) Unwrap() error { return ErrDataCompleteness }

// StageError reports a stage invoked before its prerequisite artifact exists.
type StageError struct {
	Scope   string
	Missing string
	Have    string
	Msg     string
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s requires %s", ErrStageOrder.Error(), e.Scope, e.Missing)
	if e.Have != "" {
		msg += " (current " + e.Have + ")"
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	return msg
}

func (e *StageError) Unwrap() error { return ErrStageOrder }
