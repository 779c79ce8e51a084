package observer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"arsynth/internal/core"
	"arsynth/internal/cube"
	"arsynth/internal/instrument"
	"arsynth/internal/metrics"
	"arsynth/internal/pipeline"
	"arsynth/internal/state"
	"arsynth/internal/trace"
)

// BuildStage labels metrics and failures of the build stage.
const BuildStage = "build"

// BuildDetectorFiles projects the emission of every strand onto each
// instrument's pixel grid at the instrument's sample times and persists one
// built cube per instrument. It requires the skeleton to be EMITTED. An
// instrument whose built cube is current is not rebuilt.
func (o *Observer) BuildDetectorFiles(ctx context.Context) (*Result, error) {
	emitted, err := o.requireEmitted()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res := &Result{}
	var mu sync.Mutex
	failures, err := pipeline.ForEachUnit(ctx, 1, o.names(), func(ctx context.Context, name string) error {
		inst, _ := o.instrument(name)
		resumed, err := o.buildOne(ctx, inst, emitted)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if resumed {
			res.Resumed = append(res.Resumed, name)
		} else {
			res.Completed = append(res.Completed, name)
		}
		return nil
	})
	res.Failed = o.reportFailures(BuildStage, failures)
	metrics.RecordStage(BuildStage, time.Since(start))
	return res, err
}

func (o *Observer) requireEmitted() (state.StageRecord, error) {
	tr := o.skeletonTracker()
	cur, err := tr.Current()
	if err != nil {
		return state.StageRecord{}, err
	}
	if cur != pipeline.StageEmitted {
		return state.StageRecord{}, &core.StageError{
			Scope:   pipeline.SkeletonScope,
			Missing: string(pipeline.StageEmitted),
			Have:    string(cur),
			Msg:     "synthesize emission before building detector files",
		}
	}
	ionized, _, err := tr.Record(pipeline.StageIonized)
	if err != nil {
		return state.StageRecord{}, err
	}
	if !slices.Contains(ionized.InputHashes, o.skeleton.Hash().String()) {
		return state.StageRecord{}, &core.StageError{
			Scope:   pipeline.SkeletonScope,
			Missing: string(pipeline.StageIonized),
			Have:    string(cur),
			Msg:     "ionization was computed for a different skeleton",
		}
	}
	emitted, _, err := tr.Record(pipeline.StageEmitted)
	if err != nil {
		return state.StageRecord{}, err
	}
	stale := &core.StageError{
		Scope:   pipeline.SkeletonScope,
		Missing: string(pipeline.StageEmitted),
		Have:    string(cur),
		Msg:     "stored emission no longer matches the emit record",
	}
	if !slices.Contains(emitted.InputHashes, ionized.OutputHash) {
		return state.StageRecord{}, stale
	}
	digest, err := o.rows.EmissionSetDigest(emitted.Completed)
	if err != nil {
		if errors.Is(err, core.ErrDataCompleteness) {
			return state.StageRecord{}, stale
		}
		return state.StageRecord{}, err
	}
	if digest.String() != emitted.OutputHash {
		return state.StageRecord{}, stale
	}
	if err := o.upstream(); err != nil {
		return state.StageRecord{}, err
	}
	return emitted, nil
}

func (o *Observer) buildOne(ctx context.Context, inst instrument.Instrument, emitted state.StageRecord) (bool, error) {
	name := inst.Name()
	log := o.Log.With().Str("instrument", name).Str("stage", BuildStage).Logger()
	grid := inst.Grid(o.skeleton)
	inputs := []string{
		o.skeleton.Hash().String(),
		emitted.OutputHash,
		instrumentDigest(inst, grid, o.ds).String(),
	}
	tr := o.tracker(name)
	fresh, err := tr.UpToDate(pipeline.StageBuilt, inputs)
	if err != nil {
		return false, err
	}
	if fresh {
		rec, _, _ := tr.Record(pipeline.StageBuilt)
		trace.SafeRecord(o.Trace, trace.Event{Kind: trace.EventUnitResumed, Unit: name, Reason: "input-unchanged", Digest: rec.OutputHash})
		metrics.RecordUnit(BuildStage, metrics.OutcomeResumed)
		log.Debug().Msg("built cube up to date")
		return true, nil
	}

	c, err := o.build(ctx, inst, grid, o.emittedIDs(emitted, log))
	if err != nil {
		return false, err
	}
	if err := cube.Write(o.builtDir(name), c); err != nil {
		return false, fmt.Errorf("write built cube %s: %w", name, err)
	}
	digest := c.Digest().String()
	if err := tr.Commit(pipeline.StageBuilt, state.StageRecord{RunID: o.RunID, InputHashes: inputs, OutputHash: digest}); err != nil {
		return false, err
	}
	trace.SafeRecord(o.Trace, trace.Event{Kind: trace.EventCubeBuilt, Unit: name, Digest: digest})
	metrics.RecordUnit(BuildStage, metrics.OutcomeComputed)
	log.Info().Int("nx", grid.Nx).Int("ny", grid.Ny).Int("times", len(c.Times)).Msg("built detector cube")
	return false, nil
}

// build partitions the strands into contiguous chunks, accumulates one
// partial cube per chunk concurrently and sums the partials in chunk order.
func (o *Observer) build(ctx context.Context, inst instrument.Instrument, grid instrument.Grid, ids []string) (*cube.Cube, error) {
	channels := inst.Channels()
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = ch.Name()
	}
	times := inst.Times()

	parts := pipeline.Workers(o.Workers)
	if parts > len(ids) {
		parts = len(ids)
	}
	partials := make([]*cube.Cube, parts)
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < parts; p++ {
		lo, hi := p*len(ids)/parts, (p+1)*len(ids)/parts
		g.Go(func() error {
			part := cube.New(inst.Name(), cube.StageBuilt, names, times, grid.Ny, grid.Nx)
			for _, id := range ids[lo:hi] {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := o.accumulate(part, inst, grid, id); err != nil {
					return err
				}
			}
			partials[p] = part
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := cube.New(inst.Name(), cube.StageBuilt, names, times, grid.Ny, grid.Nx)
	for _, part := range partials {
		if err := out.Add(part); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// emittedIDs returns the skeleton strands with current emission, in skeleton
// order. Strands whose emission failed are left out of the detector cube.
func (o *Observer) emittedIDs(emitted state.StageRecord, log zerolog.Logger) []string {
	var ids, skipped []string
	for _, id := range o.skeleton.IDs() {
		if slices.Contains(emitted.Completed, id) {
			ids = append(ids, id)
		} else {
			skipped = append(skipped, id)
		}
	}
	if len(skipped) > 0 {
		log.Warn().Strs("strands", skipped).Msg("strands without emission left out of the cube")
	}
	return ids
}

// accumulate adds strand id's projected emission to part.
func (o *Observer) accumulate(part *cube.Cube, inst instrument.Instrument, grid instrument.Grid, id string) error {
	st, ok := o.skeleton.Strand(id)
	if !ok {
		return fmt.Errorf("strand %q not in skeleton", id)
	}
	footprint := inst.Project(grid, st, 0, o.ds)
	if len(footprint) == 0 {
		return nil
	}
	rec, _, ok, err := o.rows.Emission(id)
	if err != nil {
		return err
	}
	if !ok {
		return &core.DataError{StrandID: id, Msg: "no emission record"}
	}
	for c, ch := range inst.Channels() {
		key := core.ChannelKey(inst.Name(), ch.Name())
		series, ok := rec.Intensity[key]
		if !ok {
			return &core.DataError{StrandID: id, Channel: key, Msg: "no emission for channel"}
		}
		for ti, t := range part.Times {
			v := sampleAt(rec.Time, series, t)
			if v == 0 {
				continue
			}
			frame := part.Frame(c, ti)
			for _, pw := range footprint {
				frame[pw.Y*grid.Nx+pw.X] += v * pw.Weight
			}
		}
	}
	return nil
}

// sampleAt interpolates series (sampled at times) at t. There is no
// emission outside the sampled range.
func sampleAt(times, series []float64, t float64) float64 {
	if len(times) == 0 || t < times[0] || t > times[len(times)-1] {
		return 0
	}
	return core.Interpolate(times, series, t)
}

// instrumentDigest identifies everything about inst that shapes its cube.
func instrumentDigest(inst instrument.Instrument, grid instrument.Grid, ds float64) core.Digest {
	h := core.NewHasher().
		Str(inst.Name()).Str(string(inst.Kind())).
		Float64s(inst.Times()).
		Int(grid.Nx).Int(grid.Ny).
		Float64(grid.Dx).Float64(grid.Dy).Float64(grid.X0).Float64(grid.Y0).
		Float64(grid.U.X).Float64(grid.U.Y).Float64(grid.U.Z).
		Float64(grid.V.X).Float64(grid.V.Y).Float64(grid.V.Z).
		Float64(ds)
	for _, ch := range inst.Channels() {
		h.Str(ch.Name())
	}
	return h.Sum()
}

func (o *Observer) reportFailures(stage string, failures []pipeline.UnitError) []pipeline.UnitError {
	for _, f := range failures {
		class := state.Classify(stage, f.Unit, f.Err).FailureClass
		trace.SafeRecord(o.Trace, trace.Event{Kind: trace.EventUnitFailed, Unit: f.Unit, Reason: string(class)})
		metrics.RecordUnit(stage, metrics.OutcomeFailed)
		o.Log.Warn().Err(f.Err).Str("instrument", f.Unit).Str("stage", stage).Str("class", string(class)).Msg("instrument failed")
	}
	return failures
}
