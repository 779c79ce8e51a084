package emission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"arsynth/internal/core"
	"arsynth/internal/instrument"
	"arsynth/internal/metrics"
	"arsynth/internal/pipeline"
	"arsynth/internal/state"
	"arsynth/internal/trace"
)

// StageName labels metrics, failures and logs of this stage.
const StageName = "emit"

// Result summarizes one Synthesize call. Strand IDs are sorted.
type Result struct {
	Computed []string
	Resumed  []string
	Failed   []pipeline.UnitError
}

// Synthesize computes the emission of every strand of sk from its stored
// ionization row and writes it back to the row store. Strands whose stored
// emission was computed from the same inputs are skipped.
func (s *Synthesizer) Synthesize(ctx context.Context, sk *core.Skeleton, instruments []instrument.Instrument) (*Result, error) {
	if s.Model == nil {
		return nil, errors.New("emission: emission model is required")
	}
	if s.Rows == nil {
		return nil, errors.New("emission: row store is required")
	}
	if len(instruments) == 0 {
		return nil, errors.New("emission: at least one instrument is required")
	}
	if err := s.Mode.Validate(); err != nil {
		return nil, fmt.Errorf("emission: %w", err)
	}
	base, err := s.baseDigest(instruments)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res := &Result{}
	var mu sync.Mutex
	failures, err := pipeline.ForEachUnit(ctx, s.Workers, sk.IDs(), func(ctx context.Context, id string) error {
		st, _ := sk.Strand(id)
		resumed, err := s.synthesizeUnit(st, instruments, base)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
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
	metrics.RecordStage(StageName, time.Since(start))
	s.Log.Info().
		Int("computed", len(res.Computed)).
		Int("resumed", len(res.Resumed)).
		Int("failed", len(res.Failed)).
		Msg("emission finished")
	return res, err
}

func (s *Synthesizer) synthesizeUnit(st *core.Strand, instruments []instrument.Instrument, base core.Digest) (bool, error) {
	ion, ionMeta, ok, err := s.Rows.Ionization(st.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, &core.DataError{StrandID: st.ID, Msg: "no ionization state"}
	}
	if s.IonizationInput != nil {
		want, err := s.IonizationInput(st)
		if err != nil {
			return false, err
		}
		if ionMeta.InputDigest != want {
			return false, &core.DataError{StrandID: st.ID, Msg: "ionization state was computed from other inputs"}
		}
	}
	input := core.NewHasher().
		Str(base.String()).
		Str(st.ID).
		Str(ionMeta.InputDigest.String()).
		Str(ionMeta.OutputDigest.String()).
		Sum()
	meta, ok, err := s.Rows.EmissionMeta(st.ID)
	if err != nil {
		s.Log.Warn().Err(err).Str("strand", st.ID).Msg("stored row unreadable; recomputing")
	} else if ok && meta.InputDigest == input {
		trace.SafeRecord(s.Trace, trace.Event{Kind: trace.EventUnitResumed, Unit: st.ID, Reason: "input-unchanged", Digest: meta.OutputDigest.String()})
		metrics.RecordUnit(StageName, metrics.OutcomeResumed)
		return true, nil
	}

	rec, err := s.SynthesizeStrand(st, ion, instruments, s.Mode)
	if err != nil {
		return false, err
	}
	meta, err = s.Rows.PutEmission(rec, input)
	if err != nil {
		return false, fmt.Errorf("emission: store strand %q: %w", st.ID, err)
	}
	trace.SafeRecord(s.Trace, trace.Event{Kind: trace.EventStrandEmitted, Unit: st.ID, Digest: meta.OutputDigest.String()})
	metrics.RecordUnit(StageName, metrics.OutcomeComputed)
	s.Log.Debug().Str("strand", st.ID).Int("channels", len(rec.Intensity)).Msg("strand emitted")
	return false, nil
}

// responseLogT is the grid on which temperature responses are fingerprinted.
var responseLogT = func() []float64 {
	var out []float64
	for lt := 4.0; lt <= 8.0+1e-9; lt += 0.05 {
		out = append(out, lt)
	}
	return out
}()

// baseDigest identifies the model, mode, heating configuration and channel
// behaviour shared by every strand of one Synthesize call. Channels are
// fingerprinted by their weight at every model line and their temperature
// response on a fixed grid.
func (s *Synthesizer) baseDigest(instruments []instrument.Instrument) (core.Digest, error) {
	h := core.NewHasher().Str(s.Model.Hash().String()).Str(string(s.Mode))
	if s.Heating != nil {
		cfg, err := json.Marshal(s.Heating.BaseConfig())
		if err != nil {
			return "", fmt.Errorf("emission: heating base config: %w", err)
		}
		h.Str(string(cfg))
	}
	var wavelengths []float64
	for _, id := range s.Model.Ions() {
		for _, fn := range s.Model.ContributionFunctions(id) {
			wavelengths = append(wavelengths, fn.Wavelength)
		}
	}
	weights := make([]float64, len(wavelengths))
	resp := make([]float64, len(responseLogT))
	for _, inst := range instruments {
		h.Str(inst.Name()).Str(string(inst.Kind()))
		if s.Mode.useResponse(inst) {
			h.Int(1)
		} else {
			h.Int(0)
		}
		for _, ch := range inst.Channels() {
			for i, w := range wavelengths {
				weights[i] = ch.Weight(w, 0)
			}
			for i, lt := range responseLogT {
				v, ok := ch.TemperatureResponse(math.Pow(10, lt))
				if !ok {
					v = -1
				}
				resp[i] = v
			}
			h.Str(ch.Name()).Float64s(weights).Float64s(resp)
		}
	}
	return h.Sum(), nil
}
