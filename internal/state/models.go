package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	// RunStatusPartial marks a run whose stage completed with isolated unit failures.
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
)

// Run is the persistent metadata of one CLI invocation.
type Run struct {
	RunID         string     `json:"run_id"`
	Command       string     `json:"command"`
	InputHash     string     `json:"input_hash"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time"`
	Status        RunStatus  `json:"status"`
	PreviousRunID *string    `json:"previous_run_id"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(r.Command) == "" {
		errs = append(errs, errors.New("command is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch r.Status {
	case RunStatusRunning, RunStatusSucceeded, RunStatusPartial, RunStatusFailed:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if r.EndTime != nil && r.EndTime.Before(r.StartTime) {
		errs = append(errs, errors.New("end_time before start_time"))
	}
	if r.PreviousRunID != nil && strings.TrimSpace(*r.PreviousRunID) == "" {
		errs = append(errs, errors.New("previous_run_id must not be empty when provided"))
	}
	return errors.Join(errs...)
}

// StageRecord marks a pipeline stage as completed for a scope.
//
// Scope is "skeleton" for the per-strand stages and "observer/<instrument>"
// for detector stages. InputHashes identify everything the stage consumed,
// so a record whose hashes differ from the current inputs is stale.
type StageRecord struct {
	Scope       string    `json:"scope"`
	Stage       string    `json:"stage"`
	Timestamp   time.Time `json:"timestamp"`
	RunID       string    `json:"run_id"`
	InputHashes []string  `json:"input_hashes"`
	OutputHash  string    `json:"output_hash"`
	Completed   []string  `json:"completed"`
	Failed      []string  `json:"failed"`
}

func (r StageRecord) Validate() error {
	var errs []error
	if err := validateScope(r.Scope); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(r.Stage) == "" || strings.ContainsAny(r.Stage, `/\`) {
		errs = append(errs, fmt.Errorf("invalid stage %q", r.Stage))
	}
	if r.Timestamp.IsZero() {
		errs = append(errs, errors.New("timestamp is required"))
	}
	if r.InputHashes == nil {
		errs = append(errs, errors.New("input_hashes must be an array (not null)"))
	}
	for i, h := range r.InputHashes {
		if strings.TrimSpace(h) == "" {
			errs = append(errs, fmt.Errorf("input_hashes[%d] must not be empty", i))
		}
	}
	if strings.TrimSpace(r.OutputHash) == "" {
		errs = append(errs, errors.New("output_hash is required"))
	}
	if r.Completed == nil || r.Failed == nil {
		errs = append(errs, errors.New("completed and failed must be arrays (not null)"))
	}
	return errors.Join(errs...)
}

func validateScope(scope string) error {
	if strings.TrimSpace(scope) == "" {
		return errors.New("scope is required")
	}
	for _, part := range strings.Split(scope, "/") {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `\`) {
			return fmt.Errorf("invalid scope %q", scope)
		}
	}
	return nil
}

type FailureClass string

const (
	FailureClassSchema    FailureClass = "schema"
	FailureClassNumerical FailureClass = "numerical"
	FailureClassData      FailureClass = "data"
	FailureClassUsage     FailureClass = "usage"
	FailureClassSystem    FailureClass = "system"
)

// Failure is one recorded unit or stage failure.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	Stage        string       `json:"stage"`
	Unit         *string      `json:"unit,omitempty"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`
	Resumable    bool         `json:"resumable"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassSchema, FailureClassNumerical, FailureClassData, FailureClassUsage, FailureClassSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if strings.TrimSpace(f.Stage) == "" {
		errs = append(errs, errors.New("stage is required"))
	}
	if f.Unit != nil && strings.TrimSpace(*f.Unit) == "" {
		errs = append(errs, errors.New("unit must not be empty when provided"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	return errors.Join(errs...)
}

// failureFile is the on-disk layout of failures.json.
type failureFile struct {
	Failures []Failure `json:"failures"`
}
