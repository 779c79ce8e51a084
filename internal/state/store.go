// Package state persists pipeline bookkeeping under <root>/.arsynth:
//
//	stages/<scope>/<stage>.json       completed-stage records
//	runs/<run-id>/run.json            invocation metadata
//	runs/<run-id>/failures.json       classified unit and stage failures
//	runs/<run-id>/trace.json          canonical per-unit outcome trace
//
// Every write is atomic and durable; every read is strict.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"arsynth/internal/fsutil"
	"arsynth/internal/trace"
)

// Dir is the bookkeeping directory under the pipeline root.
const Dir = ".arsynth"

type Store struct {
	baseDir string
}

func NewStore(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("baseDir is required")
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) root() string            { return filepath.Join(s.baseDir, Dir) }
func (s *Store) runsRootDir() string     { return filepath.Join(s.root(), "runs") }
func (s *Store) runDir(id string) string { return filepath.Join(s.runsRootDir(), id) }

func (s *Store) stagePath(scope, stage string) string {
	return filepath.Join(s.root(), "stages", filepath.FromSlash(scope), stage+".json")
}

// SaveStage writes rec, replacing any earlier record of the same scope and stage.
func (s *Store) SaveStage(rec StageRecord) error {
	if rec.InputHashes == nil {
		rec.InputHashes = []string{}
	}
	if rec.Completed == nil {
		rec.Completed = []string{}
	}
	if rec.Failed == nil {
		rec.Failed = []string{}
	}
	sort.Strings(rec.InputHashes)
	sort.Strings(rec.Completed)
	sort.Strings(rec.Failed)
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid stage record: %w", err)
	}
	data, err := fsutil.MarshalStable(rec)
	if err != nil {
		return fmt.Errorf("marshal stage record: %w", err)
	}
	if err := fsutil.WriteFileAtomicDurable(s.stagePath(rec.Scope, rec.Stage), data, 0o644); err != nil {
		return fmt.Errorf("write stage record: %w", err)
	}
	return nil
}

// LoadStage returns the record of stage in scope and whether it exists.
func (s *Store) LoadStage(scope, stage string) (StageRecord, bool, error) {
	if err := validateScope(scope); err != nil {
		return StageRecord{}, false, err
	}
	var rec StageRecord
	if err := fsutil.ReadJSONStrict(s.stagePath(scope, stage), &rec); err != nil {
		if os.IsNotExist(err) {
			return StageRecord{}, false, nil
		}
		return StageRecord{}, false, fmt.Errorf("read stage record %s/%s: %w", scope, stage, err)
	}
	if err := rec.Validate(); err != nil {
		return StageRecord{}, false, fmt.Errorf("invalid stage record on disk: %w", err)
	}
	if rec.Scope != scope || rec.Stage != stage {
		return StageRecord{}, false, fmt.Errorf("stage record %s/%s names %s/%s", scope, stage, rec.Scope, rec.Stage)
	}
	return rec, true, nil
}

// DeleteStage removes the record of stage in scope, if any.
func (s *Store) DeleteStage(scope, stage string) error {
	if err := validateScope(scope); err != nil {
		return err
	}
	path := s.stagePath(scope, stage)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return fsutil.SyncDir(filepath.Dir(path))
}

// ListRunIDs returns the run IDs on disk in lexical order.
func (s *Store) ListRunIDs() ([]string, error) {
	entries, err := os.ReadDir(s.runsRootDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && strings.TrimSpace(e.Name()) != "" {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// LatestRun returns the run with the latest start time.
func (s *Store) LatestRun() (Run, bool, error) {
	ids, err := s.ListRunIDs()
	if err != nil {
		return Run{}, false, err
	}
	var (
		latest Run
		found  bool
	)
	for _, id := range ids {
		run, err := s.LoadRun(id)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Run{}, false, err
		}
		if !found || run.StartTime.After(latest.StartTime) {
			latest, found = run, true
		}
	}
	return latest, found, nil
}

func (s *Store) SaveRun(run Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	if err := fsutil.EnsureDirDurable(s.runDir(run.RunID), 0o755); err != nil {
		return fmt.Errorf("ensure run dir: %w", err)
	}
	data, err := fsutil.MarshalStable(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	if err := fsutil.WriteFileAtomicDurable(filepath.Join(s.runDir(run.RunID), "run.json"), data, 0o644); err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

func (s *Store) LoadRun(runID string) (Run, error) {
	if strings.TrimSpace(runID) == "" {
		return Run{}, errors.New("runID is required")
	}
	var run Run
	if err := fsutil.ReadJSONStrict(filepath.Join(s.runDir(runID), "run.json"), &run); err != nil {
		return Run{}, err
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid run on disk: %w", err)
	}
	return run, nil
}

func (s *Store) SaveFailures(runID string, failures []Failure) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("runID is required")
	}
	var errs []error
	for i, f := range failures {
		if err := f.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("failures[%d]: %w", i, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid failure: %w", err)
	}
	if failures == nil {
		failures = []Failure{}
	}
	data, err := fsutil.MarshalStable(failureFile{Failures: failures})
	if err != nil {
		return fmt.Errorf("marshal failures: %w", err)
	}
	if err := fsutil.WriteFileAtomicDurable(filepath.Join(s.runDir(runID), "failures.json"), data, 0o644); err != nil {
		return fmt.Errorf("write failures: %w", err)
	}
	return nil
}

// LoadFailures returns the recorded failures of a run; none recorded is not an error.
func (s *Store) LoadFailures(runID string) ([]Failure, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, errors.New("runID is required")
	}
	var f failureFile
	if err := fsutil.ReadJSONStrict(filepath.Join(s.runDir(runID), "failures.json"), &f); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for i, fl := range f.Failures {
		if err := fl.Validate(); err != nil {
			return nil, fmt.Errorf("invalid failure on disk [%d]: %w", i, err)
		}
	}
	return f.Failures, nil
}

// SaveTraces writes the canonical traces of a run, one per stage scope.
func (s *Store) SaveTraces(runID string, traces []trace.RunTrace) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("runID is required")
	}
	raw := make([]byte, 0, 256)
	raw = append(raw, '[')
	for i, tr := range traces {
		b, err := tr.CanonicalJSON()
		if err != nil {
			return fmt.Errorf("trace %s: %w", tr.Scope, err)
		}
		if i > 0 {
			raw = append(raw, ',', '\n')
		}
		raw = append(raw, b...)
	}
	raw = append(raw, ']', '\n')
	return fsutil.WriteFileAtomicDurable(filepath.Join(s.runDir(runID), "trace.json"), raw, 0o644)
}

func (s *Store) LoadTraces(runID string) ([]trace.RunTrace, error) {
	var out []trace.RunTrace
	if err := fsutil.ReadJSONStrict(filepath.Join(s.runDir(runID), "trace.json"), &out); err != nil {
		return nil, err
	}
	return out, nil
}
