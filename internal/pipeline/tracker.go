package pipeline

import (
	"fmt"
	"slices"
	"time"

	"arsynth/internal/core"
	"arsynth/internal/state"
)

// ArtifactCheck reports whether the artifact a stage record points at is
// still present, so a record with a deleted artifact does not count.
type ArtifactCheck func(stage Stage, rec state.StageRecord) (bool, error)

// SkeletonScope is the scope of the per-strand stages.
const SkeletonScope = "skeleton"

// ObserverScope returns the scope of one instrument's detector stages.
func ObserverScope(instrument string) string { return "observer/" + instrument }

// Tracker derives and advances the stage of one scope from the records in a
// state.Store. It keeps no state of its own.
type Tracker struct {
	Store    *state.Store
	Machine  Machine
	Scope    string
	Artifact ArtifactCheck
}

// Current returns the furthest stage of the scope whose record exists, whose
// artifact is present and whose prerequisite chain is intact.
func (t *Tracker) Current() (Stage, error) {
	reached := map[Stage]bool{t.Machine.Initial(): true}
	cur := t.Machine.Initial()
	for _, s := range t.Machine.Stages() {
		p, _ := t.Machine.Prerequisite(s)
		if !reached[p] {
			continue
		}
		ok, err := t.has(s)
		if err != nil {
			return "", err
		}
		if ok {
			reached[s] = true
			cur = s
		}
	}
	return cur, nil
}

// Record returns the stored record of stage s, if any.
func (t *Tracker) Record(s Stage) (state.StageRecord, bool, error) {
	return t.Store.LoadStage(t.Scope, string(s))
}

func (t *Tracker) has(s Stage) (bool, error) {
	rec, ok, err := t.Record(s)
	if err != nil || !ok {
		return false, err
	}
	if t.Artifact == nil {
		return true, nil
	}
	return t.Artifact(s, rec)
}

// Require fails with a StageError unless the scope may run stage to.
func (t *Tracker) Require(to Stage) (Stage, error) {
	if err := t.Machine.validate(to); err != nil {
		return "", err
	}
	cur, err := t.Current()
	if err != nil {
		return "", err
	}
	if !t.Machine.Allowed(cur, to) {
		p, _ := t.Machine.Prerequisite(to)
		return cur, &core.StageError{
			Scope:   t.Scope,
			Missing: string(p),
			Have:    string(cur),
			Msg:     fmt.Sprintf("run the %s stage first", p),
		}
	}
	return cur, nil
}

// RequireCurrent is Require plus a freshness check: the record of to's
// prerequisite must have been computed from exactly inputs. A stale
// prerequisite is reported as a StageError naming it.
func (t *Tracker) RequireCurrent(to Stage, inputs []string) (Stage, error) {
	cur, err := t.Require(to)
	if err != nil {
		return cur, err
	}
	p, _ := t.Machine.Prerequisite(to)
	if p == t.Machine.Initial() {
		return cur, nil
	}
	ok, err := t.UpToDate(p, inputs)
	if err != nil {
		return cur, err
	}
	if !ok {
		return cur, &core.StageError{
			Scope:   t.Scope,
			Missing: string(p),
			Have:    string(cur),
			Msg:     fmt.Sprintf("the %s record was computed from different inputs; run the %s stage again", p, p),
		}
	}
	return cur, nil
}

// Commit records stage s as completed and drops the records of every later
// stage, which were derived from the previous output of s.
func (t *Tracker) Commit(s Stage, rec state.StageRecord) error {
	if err := t.Machine.validate(s); err != nil {
		return err
	}
	rec.Scope = t.Scope
	rec.Stage = string(s)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	for _, d := range t.Machine.Downstream(s) {
		if err := t.Store.DeleteStage(t.Scope, string(d)); err != nil {
			return fmt.Errorf("invalidate %s/%s: %w", t.Scope, d, err)
		}
	}
	return t.Store.SaveStage(rec)
}

// UpToDate reports whether stage s has a record computed from exactly inputs
// whose artifact is still present.
func (t *Tracker) UpToDate(s Stage, inputs []string) (bool, error) {
	rec, ok, err := t.Record(s)
	if err != nil || !ok {
		return false, err
	}
	want := slices.Clone(inputs)
	slices.Sort(want)
	if !slices.Equal(rec.InputHashes, want) {
		return false, nil
	}
	if t.Artifact == nil {
		return true, nil
	}
	return t.Artifact(s, rec)
}
