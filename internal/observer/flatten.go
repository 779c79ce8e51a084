package observer

import (
	"context"
	"fmt"
	"time"

	"arsynth/internal/cube"
	"arsynth/internal/metrics"
	"arsynth/internal/pipeline"
	"arsynth/internal/state"
	"arsynth/internal/trace"
)

// FlattenStage labels metrics of the flatten stage.
const FlattenStage = "flatten"

// FlattenDetectorCounts concatenates the cube of every instrument, binned
// when a current binned cube exists and built otherwise, into one Flat and
// persists it. Every instrument must be at least BUILT.
func (o *Observer) FlattenDetectorCounts(ctx context.Context) (*cube.Flat, error) {
	if _, err := o.requireAll(pipeline.StageFlattened); err != nil {
		return nil, err
	}
	start := time.Now()

	dirs := make([]string, len(o.instruments))
	inputs := make([]string, len(o.instruments))
	for i, name := range o.names() {
		dir, hash, err := o.flattenSource(name)
		if err != nil {
			return nil, err
		}
		dirs[i], inputs[i] = dir, hash
	}

	if flat, ok := o.currentFlat(inputs); ok {
		for _, name := range o.names() {
			trace.SafeRecord(o.Trace, trace.Event{Kind: trace.EventUnitResumed, Unit: name, Reason: "input-unchanged", Digest: flat.Digest().String()})
			metrics.RecordUnit(FlattenStage, metrics.OutcomeResumed)
		}
		return flat, nil
	}

	cubes := make([]*cube.Cube, len(dirs))
	for i, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := cube.Read(dir)
		if err != nil {
			return nil, err
		}
		cubes[i] = c
	}
	flat, err := cube.Flatten(cubes)
	if err != nil {
		return nil, err
	}
	if err := cube.WriteFlat(FlatDir(o.root), flat); err != nil {
		return nil, fmt.Errorf("write flat product: %w", err)
	}
	digest := flat.Digest().String()
	for _, name := range o.names() {
		rec := state.StageRecord{RunID: o.RunID, InputHashes: inputs, OutputHash: digest}
		if err := o.tracker(name).Commit(pipeline.StageFlattened, rec); err != nil {
			return nil, err
		}
		trace.SafeRecord(o.Trace, trace.Event{Kind: trace.EventFlattened, Unit: name, Digest: digest})
		metrics.RecordUnit(FlattenStage, metrics.OutcomeComputed)
	}
	metrics.RecordStage(FlattenStage, time.Since(start))
	o.Log.Info().Str("stage", FlattenStage).Int("segments", len(flat.Segments)).Int("values", len(flat.Values)).Msg("flattened detector counts")
	return flat, nil
}

// flattenSource picks the binned cube of name when it is current, else the
// built one, and returns its directory and content digest.
func (o *Observer) flattenSource(name string) (string, string, error) {
	tr := o.tracker(name)
	binned, ok, err := tr.Record(pipeline.StageBinned)
	if err != nil {
		return "", "", err
	}
	if ok {
		present, err := cube.Exists(o.binnedDir(name))
		if err != nil {
			return "", "", err
		}
		if present {
			return o.binnedDir(name), binned.OutputHash, nil
		}
	}
	built, ok, err := tr.Record(pipeline.StageBuilt)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", fmt.Errorf("instrument %s: built record vanished", name)
	}
	return o.builtDir(name), built.OutputHash, nil
}

// currentFlat returns the stored flat product when every instrument's
// FLATTENED record was made from inputs and the product is readable.
func (o *Observer) currentFlat(inputs []string) (*cube.Flat, bool) {
	var digest string
	for _, name := range o.names() {
		tr := o.tracker(name)
		fresh, err := tr.UpToDate(pipeline.StageFlattened, inputs)
		if err != nil || !fresh {
			return nil, false
		}
		rec, _, err := tr.Record(pipeline.StageFlattened)
		if err != nil || (digest != "" && rec.OutputHash != digest) {
			return nil, false
		}
		digest = rec.OutputHash
	}
	flat, err := cube.ReadFlat(FlatDir(o.root))
	if err != nil || flat.Digest().String() != digest {
		return nil, false
	}
	return flat, true
}
