package nei

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"arsynth/internal/core"
	"arsynth/internal/metrics"
	"arsynth/internal/pipeline"
	"arsynth/internal/state"
	"arsynth/internal/trace"
)

// StageName labels metrics, failures and logs of this stage.
const StageName = "ionize"

// Result summarizes one Solve call. Strand IDs are sorted.
type Result struct {
	Computed []string
	Resumed  []string
	Failed   []pipeline.UnitError
	Stats    Stats
}

// Solve integrates every strand of sk over iv on a bounded worker pool and
// writes each finished strand to the row store. A strand whose stored row was
// computed from the same inputs is not recomputed. Per-strand failures are
// collected in Result.Failed; the returned error is reserved for failures
// that stop the stage as a whole.
func (s *Solver) Solve(ctx context.Context, sk *core.Skeleton, iv core.Interval) (*Result, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if s.Rows == nil {
		return nil, errors.New("nei: row store is required")
	}
	if err := iv.Validate(); err != nil {
		return nil, fmt.Errorf("nei: %w", err)
	}
	base, err := s.baseDigest(iv)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res := &Result{}
	var mu sync.Mutex
	failures, err := pipeline.ForEachUnit(ctx, s.Options.Workers, sk.IDs(), func(ctx context.Context, id string) error {
		st, _ := sk.Strand(id)
		resumed, stats, err := s.solveUnit(ctx, st, iv, base)
		mu.Lock()
		defer mu.Unlock()
		res.Stats.add(stats)
		if err != nil {
			return err
		}
		if resumed {
			res.Resumed = append(res.Resumed, id)
		} else {
			res.Computed = append(res.Computed, id)
		}
		return nil
	})
	for _, f := range failures {
		class := state.Classify(StageName, f.Unit, f.Err).FailureClass
		trace.SafeRecord(s.Trace, trace.Event{Kind: trace.EventUnitFailed, Unit: f.Unit, Reason: string(class)})
		metrics.RecordUnit(StageName, metrics.OutcomeFailed)
		s.Log.Warn().Err(f.Err).Str("strand", f.Unit).Str("class", string(class)).Msg("strand failed")
	}
	res.Failed = failures
	sort.Strings(res.Computed)
	sort.Strings(res.Resumed)
	metrics.RecordNEISteps(res.Stats.Steps, res.Stats.Retries)
	metrics.RecordStage(StageName, time.Since(start))
	s.Log.Info().
		Int("computed", len(res.Computed)).
		Int("resumed", len(res.Resumed)).
		Int("failed", len(res.Failed)).
		Int("steps", res.Stats.Steps).
		Int("retries", res.Stats.Retries).
		Msg("ionization finished")
	return res, err
}

func (s *Solver) solveUnit(ctx context.Context, st *core.Strand, iv core.Interval, base core.Digest) (bool, Stats, error) {
	series, err := s.series(st, iv)
	if err != nil {
		return false, Stats{}, err
	}
	input := InputDigest(base, st.ID, series)
	meta, ok, err := s.Rows.IonizationMeta(st.ID)
	if err != nil {
		s.Log.Warn().Err(err).Str("strand", st.ID).Msg("stored row unreadable; recomputing")
	} else if ok && meta.InputDigest == input {
		trace.SafeRecord(s.Trace, trace.Event{Kind: trace.EventUnitResumed, Unit: st.ID, Reason: "input-unchanged", Digest: meta.OutputDigest.String()})
		metrics.RecordUnit(StageName, metrics.OutcomeResumed)
		s.Log.Debug().Str("strand", st.ID).Msg("strand up to date")
		return true, Stats{}, nil
	}

	rec, stats, err := s.integrate(ctx, st.ID, series)
	if err != nil {
		return false, stats, err
	}
	if err := rec.Validate(); err != nil {
		return false, stats, fmt.Errorf("nei: strand %q: %w", st.ID, err)
	}
	meta, err = s.Rows.PutIonization(rec, input)
	if err != nil {
		return false, stats, fmt.Errorf("nei: store strand %q: %w", st.ID, err)
	}
	trace.SafeRecord(s.Trace, trace.Event{Kind: trace.EventStrandIonized, Unit: st.ID, Digest: meta.OutputDigest.String()})
	metrics.RecordUnit(StageName, metrics.OutcomeComputed)
	s.Log.Debug().Str("strand", st.ID).Int("steps", stats.Steps).Int("retries", stats.Retries).Msg("strand ionized")
	return false, stats, nil
}

// baseDigest identifies the inputs shared by every strand of one Solve call.
func (s *Solver) baseDigest(iv core.Interval) (core.Digest, error) {
	cfg, err := json.Marshal(s.Heating.BaseConfig())
	if err != nil {
		return "", fmt.Errorf("nei: heating base config: %w", err)
	}
	return core.NewHasher().
		Str(s.Model.Hash().String()).
		Str(s.Options.withDefaults().digest().String()).
		Float64(iv.Start).Float64(iv.End).
		Str(string(cfg)).
		Sum(), nil
}

// Inputs identifies everything a Solve over iv shares across strands: the
// emission model, the integration options, the interval and the heating
// configuration.
func (s *Solver) Inputs(iv core.Interval) (core.Digest, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	return s.baseDigest(iv)
}

// ExpectedInputs returns a function giving the input digest a current
// ionization row of a strand carries for a Solve over iv.
func (s *Solver) ExpectedInputs(iv core.Interval) (func(*core.Strand) (core.Digest, error), error) {
	base, err := s.Inputs(iv)
	if err != nil {
		return nil, err
	}
	return func(st *core.Strand) (core.Digest, error) {
		series, err := s.series(st, iv)
		if err != nil {
			return "", err
		}
		return InputDigest(base, st.ID, series), nil
	}, nil
}

// InputDigest identifies the ionization inputs of one strand: the shared
// base digest plus the plasma series served for it.
func InputDigest(base core.Digest, strandID string, series core.PlasmaSeries) core.Digest {
	return core.NewHasher().
		Str(base.String()).
		Str(strandID).
		Float64s(series.Time).
		Float64s(series.Temperature).
		Float64s(series.Density).
		Float64s(series.Velocity).
		Sum()
}
