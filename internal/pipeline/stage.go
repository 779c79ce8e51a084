// Package pipeline holds the stage state machines shared by the solver,
// synthesizer and observer, the tracker that derives a scope's current stage
// from durable records, and the bounded per-unit worker pool.
package pipeline

import (
	"fmt"
)

// Stage is a pipeline state. The string values are persisted; do not rename.
type Stage string

const (
	StageRestored Stage = "RESTORED"
	StageIonized  Stage = "IONIZED"
	StageEmitted  Stage = "EMITTED"

	StageUnbuilt   Stage = "UNBUILT"
	StageBuilt     Stage = "BUILT"
	StageBinned    Stage = "BINNED"
	StageFlattened Stage = "FLATTENED"
)

// Machine is a monotonic stage machine. Every stage after the initial one
// names the stage it requires; a stage may be (re)entered from any stage at or
// beyond its prerequisite.
type Machine struct {
	name    string
	order   []Stage
	prereqs map[Stage]Stage
}

// SkeletonMachine is RESTORED -> IONIZED -> EMITTED.
var SkeletonMachine = Machine{
	name:  "skeleton",
	order: []Stage{StageRestored, StageIonized, StageEmitted},
	prereqs: map[Stage]Stage{
		StageIonized: StageRestored,
		StageEmitted: StageIonized,
	},
}

// ObserverMachine is UNBUILT -> BUILT -> BINNED -> FLATTENED, with
// BUILT -> FLATTENED also allowed.
var ObserverMachine = Machine{
	name:  "observer",
	order: []Stage{StageUnbuilt, StageBuilt, StageBinned, StageFlattened},
	prereqs: map[Stage]Stage{
		StageBuilt:     StageUnbuilt,
		StageBinned:    StageBuilt,
		StageFlattened: StageBuilt,
	},
}

// Initial returns the state of a scope with no records.
func (m Machine) Initial() Stage { return m.order[0] }

// Stages returns the stages after the initial one, in order.
func (m Machine) Stages() []Stage { return append([]Stage(nil), m.order[1:]...) }

func (m Machine) rank(s Stage) int {
	for i, o := range m.order {
		if o == s {
			return i
		}
	}
	return -1
}

// Prerequisite returns the stage that must have been reached before s.
func (m Machine) Prerequisite(s Stage) (Stage, bool) {
	p, ok := m.prereqs[s]
	return p, ok
}

// Allowed reports whether a scope currently in from may run stage to.
func (m Machine) Allowed(from, to Stage) bool {
	p, ok := m.prereqs[to]
	if !ok || m.rank(from) < 0 {
		return false
	}
	return m.rank(from) >= m.rank(p)
}

// Downstream returns the stages invalidated when s is rewritten: every later
// stage, latest first.
func (m Machine) Downstream(s Stage) []Stage {
	r := m.rank(s)
	var out []Stage
	for i := len(m.order) - 1; i > r; i-- {
		out = append(out, m.order[i])
	}
	return out
}

func (m Machine) validate(s Stage) error {
	if m.rank(s) < 0 {
		return fmt.Errorf("%s machine has no stage %q", m.name, s)
	}
	return nil
}
