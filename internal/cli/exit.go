package cli

import (
	"errors"
	"fmt"

	"arsynth/internal/core"
)

const (
	ExitSuccess           = 0
	ExitUnitFailure       = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// InvocationError carries the exit code of a failure detected before or
// while running a command.
type InvocationError struct {
	ExitCode int
	Message  string
	Cause    error
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *InvocationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

func configError(err error) error {
	return &InvocationError{ExitCode: ExitConfigError, Message: err.Error(), Cause: err}
}

// errUnitFailures marks a stage that completed with isolated unit failures.
var errUnitFailures = errors.New("some units failed")

// ExitCode maps an error returned by Run onto a semantic exit code.
//
// Usage-ordering errors are invalid invocations. Schema and stage-level
// data errors are configuration errors. Isolated unit failures exit 1.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	switch {
	case errors.Is(err, core.ErrStageOrder):
		return ExitInvalidInvocation
	case errors.Is(err, core.ErrSchema), errors.Is(err, core.ErrDataCompleteness):
		return ExitConfigError
	case errors.Is(err, errUnitFailures):
		return ExitUnitFailure
	}
	return ExitInternalError
}
