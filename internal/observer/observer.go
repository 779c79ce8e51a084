// Package observer projects per-strand emission onto instrument detectors.
//
// Each instrument advances through UNBUILT -> BUILT -> BINNED -> FLATTENED
// (BUILT -> FLATTENED is also allowed). The current stage is derived from
// the stage records in the state store and the presence of the artifact each
// record points at, so a deleted artifact rolls the instrument back.
//
// Artifacts:
//
//	<root>/detector/<instrument>/built    built cube
//	<root>/detector/<instrument>/binned   binned cube
//	<root>/detector/flat                  flattened product of all instruments
package observer

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"arsynth/internal/core"
	"arsynth/internal/cube"
	"arsynth/internal/instrument"
	"arsynth/internal/pipeline"
	"arsynth/internal/rowstore"
	"arsynth/internal/state"
	"arsynth/internal/trace"
)

// Observer builds, bins and flattens the detector cubes of a set of
// instruments looking at one skeleton.
type Observer struct {
	skeleton    *core.Skeleton
	instruments []instrument.Instrument
	ds          float64
	root        string
	rows        *rowstore.Store
	store       *state.Store

	// Workers bounds the strand partitions built concurrently; 0 means GOMAXPROCS.
	Workers int
	// RunID is written into every stage record.
	RunID string
	Trace trace.Sink
	Log   zerolog.Logger

	// Upstream, when set, runs before any detector stage once the
	// detector ordering holds. It reports skeleton stages computed from
	// inputs other than the current ones.
	Upstream func() error
}

// New returns an Observer. ds is the path resampling distance in cm.
func New(sk *core.Skeleton, instruments []instrument.Instrument, ds float64, root string, rows *rowstore.Store, store *state.Store) (*Observer, error) {
	var errs []error
	if sk == nil {
		errs = append(errs, errors.New("skeleton is required"))
	}
	if len(instruments) == 0 {
		errs = append(errs, errors.New("at least one instrument is required"))
	}
	seen := make(map[string]bool, len(instruments))
	for _, inst := range instruments {
		if seen[inst.Name()] {
			errs = append(errs, fmt.Errorf("duplicate instrument %q", inst.Name()))
		}
		seen[inst.Name()] = true
	}
	if !(ds > 0) {
		errs = append(errs, fmt.Errorf("ds must be positive, got %g", ds))
	}
	if strings.TrimSpace(root) == "" {
		errs = append(errs, errors.New("root is required"))
	}
	if rows == nil || store == nil {
		errs = append(errs, errors.New("row store and state store are required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("observer: %w", err)
	}
	return &Observer{
		skeleton:    sk,
		instruments: instruments,
		ds:          ds,
		root:        root,
		rows:        rows,
		store:       store,
		Trace:       trace.NopSink{},
		Log:         zerolog.Nop(),
	}, nil
}

// Instruments returns the observed instruments in configuration order.
func (o *Observer) Instruments() []instrument.Instrument {
	return append([]instrument.Instrument(nil), o.instruments...)
}

// DetectorDir returns the artifact directory of an instrument under root.
func DetectorDir(root, instrument string) string {
	return filepath.Join(root, "detector", instrument)
}

// FlatDir returns the directory of the flattened product under root.
func FlatDir(root string) string {
	return filepath.Join(root, "detector", "flat")
}

func (o *Observer) builtDir(name string) string {
	return filepath.Join(DetectorDir(o.root, name), string(cube.StageBuilt))
}

func (o *Observer) binnedDir(name string) string {
	return filepath.Join(DetectorDir(o.root, name), string(cube.StageBinned))
}

func (o *Observer) tracker(name string) *pipeline.Tracker {
	return &pipeline.Tracker{
		Store:   o.store,
		Machine: pipeline.ObserverMachine,
		Scope:   pipeline.ObserverScope(name),
		Artifact: func(s pipeline.Stage, _ state.StageRecord) (bool, error) {
			switch s {
			case pipeline.StageBuilt:
				return cube.Exists(o.builtDir(name))
			case pipeline.StageBinned:
				return cube.Exists(o.binnedDir(name))
			case pipeline.StageFlattened:
				return cube.Exists(FlatDir(o.root))
			}
			return false, nil
		},
	}
}

func (o *Observer) skeletonTracker() *pipeline.Tracker {
	return &pipeline.Tracker{Store: o.store, Machine: pipeline.SkeletonMachine, Scope: pipeline.SkeletonScope}
}

// State returns the current stage of the named instrument.
func (o *Observer) State(name string) (pipeline.Stage, error) {
	if _, ok := o.instrument(name); !ok {
		return "", fmt.Errorf("observer: unknown instrument %q", name)
	}
	return o.tracker(name).Current()
}

func (o *Observer) instrument(name string) (instrument.Instrument, bool) {
	for _, inst := range o.instruments {
		if inst.Name() == name {
			return inst, true
		}
	}
	return nil, false
}

// Result summarizes one observer stage. Instrument names are in
// configuration order.
type Result struct {
	Completed []string
	Resumed   []string
	Failed    []pipeline.UnitError
}

func (o *Observer) names() []string {
	out := make([]string, len(o.instruments))
	for i, inst := range o.instruments {
		out[i] = inst.Name()
	}
	return out
}

// requireAll checks that every instrument may enter stage to and that every
// built cube was made from the current emission, before any artifact is
// touched.
func (o *Observer) requireAll(to pipeline.Stage) (map[string]pipeline.Stage, error) {
	current := make(map[string]pipeline.Stage, len(o.instruments))
	for _, name := range o.names() {
		cur, err := o.tracker(name).Require(to)
		if err != nil {
			return nil, err
		}
		current[name] = cur
	}
	emitted, err := o.requireEmitted()
	if err != nil {
		return nil, err
	}
	for _, name := range o.names() {
		built, _, err := o.tracker(name).Record(pipeline.StageBuilt)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(built.InputHashes, emitted.OutputHash) {
			return nil, &core.StageError{
				Scope:   pipeline.ObserverScope(name),
				Missing: string(pipeline.StageBuilt),
				Have:    string(current[name]),
				Msg:     "the built cube predates the current emission; run the build stage",
			}
		}
	}
	return current, nil
}

func (o *Observer) upstream() error {
	if o.Upstream == nil {
		return nil
	}
	return o.Upstream()
}
