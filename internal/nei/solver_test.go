package nei_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arsynth/internal/atomdb"
	"arsynth/internal/core"
	"arsynth/internal/heating"
	"arsynth/internal/nei"
	"arsynth/internal/rowstore"
	"arsynth/internal/testutil"
	"arsynth/internal/trace"
)

func openRows(t *testing.T) *rowstore.Store {
	t.Helper()
	rows, err := rowstore.Open(rowstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rows.Close() })
	return rows
}

func fullyIonized() nei.Options {
	opts := nei.DefaultOptions()
	opts.Initial = map[string][]float64{"h": {0, 1}}
	return opts
}

func TestSolveStrand_PureRecombinationMatchesAnalytic(t *testing.T) {
	sk := testutil.Skeleton(t)
	s := nei.NewSolver(testutil.HydrogenModel(t), heating.Dummy(), nil)
	s.Options = fullyIonized()

	for _, id := range sk.IDs() {
		st, _ := sk.Strand(id)
		rec, err := s.SolveStrand(context.Background(), st, core.Interval{Start: 0, End: 2})
		require.NoError(t, err)
		require.Equal(t, []float64{0, 1, 2}, rec.Time)

		for k, tm := range rec.Time {
			want := math.Exp(-testutil.FixtureDensity * testutil.RecombinationRate * tm)
			assert.InEpsilon(t, want, rec.Fractions["h_2"][k], 0.01, "strand %s t=%g", id, tm)
			assert.InDelta(t, 1-want, rec.Fractions["h_1"][k], 0.01, "strand %s t=%g", id, tm)
		}
	}
}

func TestSolveStrand_EquilibriumIsSteady(t *testing.T) {
	sk := testutil.Skeleton(t)
	s := nei.NewSolver(testutil.CollisionalModel(t), heating.Dummy(), nil)

	rec, err := s.SolveStrand(context.Background(), sk.At(0), core.Interval{Start: 0, End: 2})
	require.NoError(t, err)
	for k := range rec.Time {
		assert.InDelta(t, 0.5, rec.Fractions["h_1"][k], 1e-9)
		assert.InDelta(t, 0.5, rec.Fractions["h_2"][k], 1e-9)
	}
}

func heliumModel(t *testing.T) *atomdb.EmissionModel {
	t.Helper()
	logT := []float64{5, 6, 7}
	m, err := atomdb.New(
		[]atomdb.Element{{
			Symbol:         "he",
			Z:              2,
			Abundance:      0.1,
			LogTemperature: logT,
			Ionization:     [][]float64{{1e-13, 1e-11, 5e-11}, {1e-15, 1e-12, 2e-11}},
			Recombination:  [][]float64{{5e-11, 1e-11, 2e-12}, {1e-10, 3e-11, 5e-12}},
		}},
		[]string{"he_1", "he_2", "he_3"},
		nil,
	)
	require.NoError(t, err)
	return m
}

func TestSolveStrand_PopulationSumConserved(t *testing.T) {
	times := make([]float64, 41)
	plasma := core.PlasmaSeries{
		Time:        times,
		Temperature: make([]float64, len(times)),
		Density:     make([]float64, len(times)),
		Velocity:    make([]float64, len(times)),
	}
	for i := range times {
		times[i] = 5 * float64(i)
		// Impulsive heating to 10 MK followed by cooling back to 0.1 MK.
		plasma.Temperature[i] = 1e5 * math.Pow(100, math.Sin(math.Pi*float64(i)/40))
		plasma.Density[i] = 1e9 + 4e9*math.Sin(math.Pi*float64(i)/40)
	}
	st := testutil.StraightStrand("loop", -5, 5, 0, 1e14, plasma)
	sk, err := core.NewSkeleton("heliocentric", testutil.CmPerArcsec, []core.Strand{st})
	require.NoError(t, err)

	s := nei.NewSolver(heliumModel(t), heating.Dummy(), nil)
	rec, err := s.SolveStrand(context.Background(), sk.At(0), core.Interval{Start: 0, End: 200})
	require.NoError(t, err)
	require.NoError(t, rec.Validate())

	for k := range rec.Time {
		sum := rec.Fractions["he_1"][k] + rec.Fractions["he_2"][k] + rec.Fractions["he_3"][k]
		assert.InDelta(t, 1, sum, 1e-6, "sample %d", k)
	}
	// The plasma lags the heating: at peak temperature it is not yet in
	// equilibrium, so the fully stripped stage keeps growing afterwards.
	assert.Greater(t, rec.Fractions["he_3"][22], rec.Fractions["he_3"][20])
}

func TestSolveStrand_ExhaustedRetriesIsNumericalError(t *testing.T) {
	sk := testutil.Skeleton(t)
	s := nei.NewSolver(testutil.HydrogenModel(t), heating.Dummy(), nil)
	s.Options = fullyIonized()
	s.Options.StepTolerance = 1e-15
	s.Options.MaxRetries = 2

	_, err := s.SolveStrand(context.Background(), sk.At(1), core.Interval{Start: 0, End: 2})
	require.Error(t, err)
	var ne *core.NumericalError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, "strand1", ne.StrandID)
	assert.Equal(t, "h", ne.Element)
	assert.ErrorIs(t, err, core.ErrNumerical)
}

func TestSolveStrand_InitialStageMismatchIsDataError(t *testing.T) {
	sk := testutil.Skeleton(t)
	s := nei.NewSolver(testutil.HydrogenModel(t), heating.Dummy(), nil)
	s.Options.Initial = map[string][]float64{"h": {1}}

	_, err := s.SolveStrand(context.Background(), sk.At(0), core.Interval{Start: 0, End: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDataCompleteness)
}

func TestSolveStrand_Canceled(t *testing.T) {
	sk := testutil.Skeleton(t)
	s := nei.NewSolver(testutil.HydrogenModel(t), heating.Dummy(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.SolveStrand(ctx, sk.At(0), core.Interval{Start: 0, End: 2})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOptions_Validate(t *testing.T) {
	assert.NoError(t, nei.DefaultOptions().Validate())

	bad := nei.DefaultOptions()
	bad.Tolerance = -1
	bad.Initial = map[string][]float64{"h": {0.2, 0.2}}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tolerance must be positive")
	assert.Contains(t, err.Error(), "initial h: populations sum to 0.4")
}

func TestSolve_WritesRowsAndResumes(t *testing.T) {
	sk := testutil.Skeleton(t)
	rows := openRows(t)
	rec := trace.NewRecorder()
	s := nei.NewSolver(testutil.HydrogenModel(t), heating.Dummy(), rows)
	s.Options = fullyIonized()
	s.Options.Workers = 2
	s.Trace = rec
	iv := core.Interval{Start: 0, End: 2}

	res, err := s.Solve(context.Background(), sk, iv)
	require.NoError(t, err)
	assert.Equal(t, []string{"strand0", "strand1"}, res.Computed)
	assert.Empty(t, res.Resumed)
	assert.Empty(t, res.Failed)
	assert.Positive(t, res.Stats.Steps)

	ids, err := rows.IonizationIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"strand0", "strand1"}, ids)
	stored, _, ok, err := rows.Ionization("strand0")
	require.NoError(t, err)
	require.True(t, ok)
	direct, err := s.SolveStrand(context.Background(), sk.At(0), iv)
	require.NoError(t, err)
	assert.Equal(t, direct, stored)

	res, err = s.Solve(context.Background(), sk, iv)
	require.NoError(t, err)
	assert.Empty(t, res.Computed)
	assert.Equal(t, []string{"strand0", "strand1"}, res.Resumed)

	// Changing an option that affects the result invalidates the rows.
	s.Options.Tolerance = 1e-7
	res, err = s.Solve(context.Background(), sk, iv)
	require.NoError(t, err)
	assert.Equal(t, []string{"strand0", "strand1"}, res.Computed)

	tr := rec.Trace("skeleton", sk.Hash().String())
	assert.Equal(t, 4, tr.Count(trace.EventStrandIonized))
	assert.Equal(t, 2, tr.Count(trace.EventUnitResumed))
}

func TestSolve_IsolatesStrandFailures(t *testing.T) {
	sk := testutil.Skeleton(t)
	st, _ := sk.Strand("strand0")
	heat := heating.Tabulated{Series: map[string]core.PlasmaSeries{"strand0": st.Plasma}}
	rec := trace.NewRecorder()
	s := nei.NewSolver(testutil.HydrogenModel(t), heat, openRows(t))
	s.Trace = rec

	res, err := s.Solve(context.Background(), sk, core.Interval{Start: 0, End: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"strand0"}, res.Computed)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "strand1", res.Failed[0].Unit)

	tr := rec.Trace("skeleton", "")
	require.Equal(t, 1, tr.Count(trace.EventUnitFailed))
	for _, e := range tr.Events {
		if e.Kind == trace.EventUnitFailed {
			assert.Equal(t, "system", e.Reason)
		}
	}
}

func TestSolve_RequiresRowStore(t *testing.T) {
	s := nei.NewSolver(testutil.HydrogenModel(t), heating.Dummy(), nil)
	_, err := s.Solve(context.Background(), testutil.Skeleton(t), core.Interval{Start: 0, End: 2})
	assert.Error(t, err)
}
