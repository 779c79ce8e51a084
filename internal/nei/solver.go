// Package nei integrates the non-equilibrium ionization state of every strand.
//
// Each element is advanced independently with an implicit (backward Euler)
// step whose local error is estimated by step doubling and improved by
// Richardson extrapolation. Temperature and density are taken from the
// heating model's series, linearly interpolated at the substep end.
package nei

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"arsynth/internal/atomdb"
	"arsynth/internal/core"
	"arsynth/internal/heating"
	"arsynth/internal/rowstore"
	"arsynth/internal/trace"
)

// Solver computes IonizationState records.
type Solver struct {
	Model   *atomdb.EmissionModel
	Heating heating.Model
	Options Options
	Rows    *rowstore.Store
	Trace   trace.Sink
	Log     zerolog.Logger
}

// NewSolver returns a Solver with default options, a no-op trace sink and
// a disabled logger.
func NewSolver(model *atomdb.EmissionModel, heat heating.Model, rows *rowstore.Store) *Solver {
	return &Solver{
		Model:   model,
		Heating: heat,
		Options: DefaultOptions(),
		Rows:    rows,
		Trace:   trace.NopSink{},
		Log:     zerolog.Nop(),
	}
}

// Stats counts accepted and rejected substeps.
type Stats struct {
	Steps   int
	Retries int
}

func (s *Stats) add(o Stats) {
	s.Steps += o.Steps
	s.Retries += o.Retries
}

// SolveStrand integrates every element of the model over the strand's plasma
// series restricted to iv.
func (s *Solver) SolveStrand(ctx context.Context, strand *core.Strand, iv core.Interval) (core.StrandIonization, error) {
	rec, _, err := s.solveStrand(ctx, strand, iv)
	return rec, err
}

func (s *Solver) solveStrand(ctx context.Context, strand *core.Strand, iv core.Interval) (core.StrandIonization, Stats, error) {
	if err := s.check(); err != nil {
		return core.StrandIonization{}, Stats{}, err
	}
	series, err := s.series(strand, iv)
	if err != nil {
		return core.StrandIonization{}, Stats{}, err
	}
	return s.integrate(ctx, strand.ID, series)
}

func (s *Solver) check() error {
	if s.Model == nil {
		return fmt.Errorf("nei: emission model is required")
	}
	if s.Heating == nil {
		return fmt.Errorf("nei: heating model is required")
	}
	if err := s.Options.withDefaults().Validate(); err != nil {
		return fmt.Errorf("nei: invalid options: %w", err)
	}
	return nil
}

func (s *Solver) series(strand *core.Strand, iv core.Interval) (core.PlasmaSeries, error) {
	series, err := s.Heating.StrandSeries(strand, iv)
	if err != nil {
		return core.PlasmaSeries{}, fmt.Errorf("nei: %w", err)
	}
	if err := series.Validate(); err != nil {
		return core.PlasmaSeries{}, fmt.Errorf("nei: strand %q: %w", strand.ID, err)
	}
	if series.Len() == 0 {
		return core.PlasmaSeries{}, fmt.Errorf("nei: strand %q has an empty plasma series", strand.ID)
	}
	return series, nil
}

func (s *Solver) integrate(ctx context.Context, strandID string, series core.PlasmaSeries) (core.StrandIonization, Stats, error) {
	opts := s.Options.withDefaults()
	rec := core.StrandIonization{
		StrandID:  strandID,
		Time:      append([]float64(nil), series.Time...),
		Fractions: make(map[string][]float64),
	}
	var stats Stats
	elements := s.Model.Elements()
	for i := range elements {
		el := &elements[i]
		sys := newSystem(el)
		f, err := s.initial(strandID, sys, series.Temperature[0])
		if err != nil {
			return core.StrandIonization{}, stats, err
		}
		ids := el.IonIDs()
		for _, id := range ids {
			rec.Fractions[id] = make([]float64, series.Len())
		}
		store := func(k int) {
			for j, id := range ids {
				rec.Fractions[id][k] = math.Min(1, f[j])
			}
		}
		store(0)
		in := integrator{sys: sys, opts: opts, series: series, strandID: strandID}
		for k := 1; k < series.Len(); k++ {
			if err := ctx.Err(); err != nil {
				return core.StrandIonization{}, stats, err
			}
			if err := in.advance(f, series.Time[k-1], series.Time[k]); err != nil {
				stats.add(in.stats)
				return core.StrandIonization{}, stats, err
			}
			store(k)
		}
		stats.add(in.stats)
	}
	return rec, stats, nil
}

func (s *Solver) initial(strandID string, sys *system, temperature float64) ([]float64, error) {
	if init, ok := s.Options.Initial[sys.el.Symbol]; ok {
		if len(init) != sys.n {
			return nil, &core.DataError{
				StrandID: strandID,
				Species:  sys.el.Symbol,
				Msg:      fmt.Sprintf("initial populations have %d stages, want %d", len(init), sys.n),
			}
		}
		f := append([]float64(nil), init...)
		floats.Scale(1/floats.Sum(f), f)
		return f, nil
	}
	return sys.equilibrium(temperature), nil
}

// integrator advances one element across the series with adaptive substeps.
type integrator struct {
	sys      *system
	opts     Options
	series   core.PlasmaSeries
	strandID string

	h     float64
	full  []float64
	half  []float64
	trial []float64
	stats Stats
}

// advance integrates f in place from t0 to t1.
func (in *integrator) advance(f []float64, t0, t1 float64) error {
	if in.trial == nil {
		in.full = make([]float64, in.sys.n)
		in.half = make([]float64, in.sys.n)
		in.trial = make([]float64, in.sys.n)
	}
	maxStep := t1 - t0
	if in.opts.MaxStep > 0 && in.opts.MaxStep < maxStep {
		maxStep = in.opts.MaxStep
	}
	if in.h == 0 || in.h > maxStep {
		in.h = maxStep
	}
	t := t0
	for t < t1 {
		step := math.Min(in.h, t1-t)
		retries := 0
		for {
			estimate, ok := in.doubleStep(f, t, step)
			drift := math.Abs(floats.Sum(in.trial) - 1)
			if ok && estimate <= in.opts.StepTolerance && drift <= in.opts.Tolerance {
				if retries == 0 && estimate < in.opts.StepTolerance/8 && step == in.h {
					in.h = math.Min(2*in.h, maxStep)
				} else if retries > 0 {
					in.h = step
				}
				break
			}
			retries++
			in.stats.Retries++
			if retries > in.opts.MaxRetries || step/2 < in.opts.MinStep {
				if !ok {
					drift = math.Inf(1)
				}
				return &core.NumericalError{
					StrandID: in.strandID,
					Element:  in.sys.el.Symbol,
					Time:     t + step,
					Drift:    drift,
					Retries:  retries,
				}
			}
			step /= 2
		}
		floats.Scale(1/floats.Sum(in.trial), in.trial)
		copy(f, in.trial)
		in.stats.Steps++
		t += step
		if t1-t <= 1e-12*(t1-t0) {
			t = t1
		}
	}
	return nil
}

// doubleStep fills in.trial with the extrapolated populations at t+h and
// returns the step-doubling error estimate. The L-stable half-step result
// is kept when extrapolation would produce negative populations.
func (in *integrator) doubleStep(f []float64, t, h float64) (float64, bool) {
	tMid, nMid, _ := in.series.At(t + h/2)
	tEnd, nEnd, _ := in.series.At(t + h)
	if !in.sys.implicitStep(in.full, f, h, tEnd, nEnd) {
		return 0, false
	}
	if !in.sys.implicitStep(in.half, f, h/2, tMid, nMid) {
		return 0, false
	}
	if !in.sys.implicitStep(in.half, in.half, h/2, tEnd, nEnd) {
		return 0, false
	}
	var estimate float64
	negative := false
	for i := range in.trial {
		estimate = math.Max(estimate, math.Abs(in.half[i]-in.full[i]))
		in.trial[i] = 2*in.half[i] - in.full[i]
		if in.trial[i] < 0 {
			negative = true
		}
	}
	if negative {
		copy(in.trial, in.half)
	}
	clipNegative(in.trial)
	return estimate, true
}
