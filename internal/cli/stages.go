package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"arsynth/internal/core"
	"arsynth/internal/emission"
	"arsynth/internal/nei"
	"arsynth/internal/observer"
	"arsynth/internal/pipeline"
	"arsynth/internal/state"
	"arsynth/internal/trace"
)

func (s *session) ionize(ctx context.Context) error {
	tr := s.skeletonTracker()
	if _, err := tr.Require(pipeline.StageIonized); err != nil {
		return err
	}
	rec := trace.NewRecorder()
	defer s.addTrace(nei.StageName, rec)

	res, err := s.solver(rec).Solve(ctx, s.skeleton, s.cfg.Interval)
	if err != nil {
		return err
	}
	if err := s.recordFailures(nei.StageName, res.Failed); err != nil {
		return err
	}
	s.log.Info().
		Int("computed", len(res.Computed)).
		Int("resumed", len(res.Resumed)).
		Int("failed", len(res.Failed)).
		Int("steps", res.Stats.Steps).
		Int("retries", res.Stats.Retries).
		Msg("ionization finished")

	inputs, err := s.ionizeInputs()
	if err != nil {
		return err
	}
	if err := s.commitSkeleton(pipeline.StageIonized, inputs, res.Computed, res.Resumed, res.Failed, s.rows.IonizationSetDigest); err != nil {
		return err
	}
	return unitFailures(nei.StageName, res.Failed)
}

func (s *session) emit(ctx context.Context) error {
	tr := s.skeletonTracker()
	ionizeInputs, err := s.ionizeInputs()
	if err != nil {
		return err
	}
	if _, err := tr.RequireCurrent(pipeline.StageEmitted, ionizeInputs); err != nil {
		return err
	}
	ionized, _, err := tr.Record(pipeline.StageIonized)
	if err != nil {
		return err
	}
	expected, err := s.solver(trace.NopSink{}).ExpectedInputs(s.cfg.Interval)
	if err != nil {
		return err
	}
	if s.recompute {
		if err := s.rows.DeleteEmission(); err != nil {
			return err
		}
		s.log.Info().Msg("dropped stored emission rows")
	}
	rec := trace.NewRecorder()
	defer s.addTrace(emission.StageName, rec)

	sy := s.synthesizer(rec)
	sy.IonizationInput = expected
	res, err := sy.Synthesize(ctx, s.skeleton, s.instruments)
	if err != nil {
		return err
	}
	if err := s.recordFailures(emission.StageName, res.Failed); err != nil {
		return err
	}
	s.log.Info().
		Int("computed", len(res.Computed)).
		Int("resumed", len(res.Resumed)).
		Int("failed", len(res.Failed)).
		Msg("emission finished")

	if err := s.commitSkeleton(pipeline.StageEmitted, s.emitInputs(ionized), res.Computed, res.Resumed, res.Failed, s.rows.EmissionSetDigest); err != nil {
		return err
	}
	return unitFailures(emission.StageName, res.Failed)
}

func (s *session) build(ctx context.Context) error {
	rec := trace.NewRecorder()
	defer s.addTrace(observer.BuildStage, rec)
	o, err := s.observer(rec)
	if err != nil {
		return err
	}
	res, err := o.BuildDetectorFiles(ctx)
	if err != nil {
		return err
	}
	return s.observerResult(observer.BuildStage, res)
}

func (s *session) bin(ctx context.Context) error {
	rec := trace.NewRecorder()
	defer s.addTrace(observer.BinStage, rec)
	o, err := s.observer(rec)
	if err != nil {
		return err
	}
	res, err := o.BinDetectorCounts(ctx)
	if err != nil {
		return err
	}
	return s.observerResult(observer.BinStage, res)
}

func (s *session) flatten(ctx context.Context) error {
	rec := trace.NewRecorder()
	defer s.addTrace(observer.FlattenStage, rec)
	o, err := s.observer(rec)
	if err != nil {
		return err
	}
	flat, err := o.FlattenDetectorCounts(ctx)
	if err != nil {
		return err
	}
	s.log.Info().
		Str("dir", observer.FlatDir(s.cfg.Root)).
		Str("digest", flat.Digest().String()).
		Int("values", len(flat.Values)).
		Msg("flat product written")
	return nil
}

func (s *session) observerResult(stage string, res *observer.Result) error {
	if err := s.recordFailures(stage, res.Failed); err != nil {
		return err
	}
	s.log.Info().
		Str("stage", stage).
		Strs("completed", res.Completed).
		Strs("resumed", res.Resumed).
		Int("failed", len(res.Failed)).
		Msg("detector stage finished")
	return unitFailures(stage, res.Failed)
}

// ionizeInputs identifies what the IONIZED stage is computed from.
func (s *session) ionizeInputs() ([]string, error) {
	base, err := s.solver(trace.NopSink{}).Inputs(s.cfg.Interval)
	if err != nil {
		return nil, err
	}
	return []string{s.skeleton.Hash().String(), base.String(), s.heatingDigest()}, nil
}

// emitInputs identifies what the EMITTED stage is computed from.
func (s *session) emitInputs(ionized state.StageRecord) []string {
	inputs := []string{ionized.OutputHash, s.model.Hash().String(), "mode:" + s.cfg.Emission.Mode}
	for _, inst := range s.instruments {
		inputs = append(inputs, "instrument:"+inst.Name())
	}
	return inputs
}

// requireCurrentEmission fails with a StageError unless the skeleton is
// EMITTED and both skeleton stages were computed from the current
// configuration and checkpoints.
func (s *session) requireCurrentEmission() error {
	tr := s.skeletonTracker()
	inputs, err := s.ionizeInputs()
	if err != nil {
		return err
	}
	cur, err := tr.RequireCurrent(pipeline.StageEmitted, inputs)
	if err != nil {
		return err
	}
	ionized, _, err := tr.Record(pipeline.StageIonized)
	if err != nil {
		return err
	}
	fresh, err := tr.UpToDate(pipeline.StageEmitted, s.emitInputs(ionized))
	if err != nil {
		return err
	}
	if !fresh {
		return &core.StageError{
			Scope:   pipeline.SkeletonScope,
			Missing: string(pipeline.StageEmitted),
			Have:    string(cur),
			Msg:     "emission is missing or was computed from other inputs; run the emit stage",
		}
	}
	return nil
}

// heatingDigest identifies the heating adapter's base configuration.
func (s *session) heatingDigest() string {
	h := core.NewHasher().Str(s.cfg.Heating.Adapter)
	keys := make([]string, 0, len(s.cfg.Heating.Base))
	for k := range s.cfg.Heating.Base {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Str(k).Str(fmt.Sprint(s.cfg.Heating.Base[k]))
	}
	return h.Sum().String()
}

// commitSkeleton records a per-strand stage. The output hash covers the
// stored row of every completed strand; a stage whose inputs and output are
// unchanged keeps its record so downstream stages stay valid.
func (s *session) commitSkeleton(stage pipeline.Stage, inputs, computed, resumed []string, failed []pipeline.UnitError, rows func([]string) (core.Digest, error)) error {
	completed := append(append([]string(nil), computed...), resumed...)
	sort.Strings(completed)
	if len(completed) == 0 {
		return fmt.Errorf("%w: no strand completed %s", errUnitFailures, strings.ToLower(string(stage)))
	}
	digest, err := rows(completed)
	if err != nil {
		return fmt.Errorf("after %s: %w", stage, err)
	}
	out := digest.String()

	tr := s.skeletonTracker()
	if prev, ok, err := tr.Record(stage); err != nil {
		return err
	} else if ok && prev.OutputHash == out {
		if same, err := tr.UpToDate(stage, inputs); err != nil {
			return err
		} else if same && len(prev.Failed) == len(failed) {
			return nil
		}
	}
	failedIDs := make([]string, len(failed))
	for i, f := range failed {
		failedIDs[i] = f.Unit
	}
	sort.Strings(inputs)
	return tr.Commit(stage, state.StageRecord{
		RunID:       s.run.RunID,
		InputHashes: inputs,
		OutputHash:  out,
		Completed:   completed,
		Failed:      failedIDs,
	})
}

func unitFailures(stage string, failed []pipeline.UnitError) error {
	if len(failed) == 0 {
		return nil
	}
	units := make([]string, len(failed))
	for i, f := range failed {
		units[i] = f.Unit
	}
	return fmt.Errorf("%s: %w: %s", stage, errUnitFailures, strings.Join(units, ", "))
}
