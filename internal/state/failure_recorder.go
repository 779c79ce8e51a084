package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FailureRecorder manages run metadata and failures.json for CLI invocations.
type FailureRecorder struct {
	Store *Store
	// Now defaults to time.Now.
	Now func() time.Time
}

func (r *FailureRecorder) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// NewRunID returns a random run identifier.
func (r *FailureRecorder) NewRunID() string {
	return uuid.NewString()
}

// StartRun persists a running Run for command, linked to the most recent
// earlier run when one exists.
func (r *FailureRecorder) StartRun(command, inputHash string) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	run := Run{
		RunID:     r.NewRunID(),
		Command:   command,
		InputHash: inputHash,
		StartTime: r.now(),
		Status:    RunStatusRunning,
	}
	if prev, ok, err := r.Store.LatestRun(); err != nil {
		return Run{}, err
	} else if ok {
		id := prev.RunID
		run.PreviousRunID = &id
	}
	if err := r.Store.SaveRun(run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// FinishRun stamps run with status and an end time.
func (r *FailureRecorder) FinishRun(run Run, status RunStatus) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	end := r.now()
	if end.Before(run.StartTime) {
		end = run.StartTime
	}
	run.EndTime = &end
	run.Status = status
	if err := r.Store.SaveRun(run); err != nil {
		return Run{}, fmt.Errorf("finish run: %w", err)
	}
	return run, nil
}

// RecordFailure classifies err and appends it to the run's failures.json.
func (r *FailureRecorder) RecordFailure(runID, stage, unit string, err error) error {
	return r.RecordFailures(runID, []Failure{Classify(stage, unit, err)})
}

// RecordFailures appends failures to the run's failures.json.
func (r *FailureRecorder) RecordFailures(runID string, failures []Failure) error {
	if r == nil || r.Store == nil {
		return errors.New("Store is required")
	}
	if len(failures) == 0 {
		return nil
	}
	existing, err := r.Store.LoadFailures(runID)
	if err != nil {
		return err
	}
	return r.Store.SaveFailures(runID, append(existing, failures...))
}
