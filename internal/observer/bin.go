package observer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"arsynth/internal/cube"
	"arsynth/internal/instrument"
	"arsynth/internal/metrics"
	"arsynth/internal/pipeline"
	"arsynth/internal/state"
	"arsynth/internal/trace"
)

// BinStage labels metrics and failures of the bin stage.
const BinStage = "bin"

// BinDetectorCounts sums each built cube over the instrument's exposure
// windows and channel groups and persists the binned cube. Every instrument
// must be BUILT; otherwise a StageError is returned and nothing is written.
func (o *Observer) BinDetectorCounts(ctx context.Context) (*Result, error) {
	if _, err := o.requireAll(pipeline.StageBinned); err != nil {
		return nil, err
	}
	start := time.Now()
	res := &Result{}
	var mu sync.Mutex
	failures, err := pipeline.ForEachUnit(ctx, o.Workers, o.names(), func(ctx context.Context, name string) error {
		inst, _ := o.instrument(name)
		resumed, err := o.binOne(inst)
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
	res.Failed = o.reportFailures(BinStage, failures)
	res.Completed = o.inOrder(res.Completed)
	res.Resumed = o.inOrder(res.Resumed)
	metrics.RecordStage(BinStage, time.Since(start))
	return res, err
}

func (o *Observer) binOne(inst instrument.Instrument) (bool, error) {
	name := inst.Name()
	tr := o.tracker(name)
	built, ok, err := tr.Record(pipeline.StageBuilt)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("instrument %s: built record vanished", name)
	}
	inputs := []string{built.OutputHash}
	fresh, err := tr.UpToDate(pipeline.StageBinned, inputs)
	if err != nil {
		return false, err
	}
	if fresh {
		rec, _, _ := tr.Record(pipeline.StageBinned)
		trace.SafeRecord(o.Trace, trace.Event{Kind: trace.EventUnitResumed, Unit: name, Reason: "input-unchanged", Digest: rec.OutputHash})
		metrics.RecordUnit(BinStage, metrics.OutcomeResumed)
		return true, nil
	}

	c, err := cube.Read(o.builtDir(name))
	if err != nil {
		return false, err
	}
	plan := inst.BinPlan()
	groups := make([]cube.Group, len(plan.Groups))
	for i, g := range plan.Groups {
		groups[i] = cube.Group{Name: g.Name, Members: g.Members}
	}
	binned, err := cube.Bin(c, plan.Windows, groups)
	if err != nil {
		return false, fmt.Errorf("bin %s: %w", name, err)
	}
	if err := cube.Write(o.binnedDir(name), binned); err != nil {
		return false, fmt.Errorf("write binned cube %s: %w", name, err)
	}
	digest := binned.Digest().String()
	if err := tr.Commit(pipeline.StageBinned, state.StageRecord{RunID: o.RunID, InputHashes: inputs, OutputHash: digest}); err != nil {
		return false, err
	}
	trace.SafeRecord(o.Trace, trace.Event{Kind: trace.EventCubeBinned, Unit: name, Digest: digest})
	metrics.RecordUnit(BinStage, metrics.OutcomeComputed)
	o.Log.Info().Str("instrument", name).Str("stage", BinStage).
		Int("windows", len(plan.Windows)).Int("groups", len(groups)).Msg("binned detector cube")
	return false, nil
}

// inOrder sorts instrument names into configuration order.
func (o *Observer) inOrder(names []string) []string {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	var out []string
	for _, n := range o.names() {
		if set[n] {
			out = append(out, n)
		}
	}
	return out
}
