package emission_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arsynth/internal/atomdb"
	"arsynth/internal/core"
	"arsynth/internal/emission"
	"arsynth/internal/heating"
	"arsynth/internal/instrument"
	"arsynth/internal/nei"
	"arsynth/internal/rowstore"
	"arsynth/internal/testutil"
	"arsynth/internal/trace"
)

const k171 = 2e-27

func boxImager(t *testing.T, useResponse bool) *instrument.Imaging {
	t.Helper()
	ch171, err := instrument.NewImagingChannel("171", []float64{170, 172}, []float64{1, 1}, nil)
	require.NoError(t, err)
	ch195, err := instrument.NewImagingChannel("195", []float64{194, 196}, []float64{1, 1}, nil)
	require.NoError(t, err)
	cfg := instrument.Config{
		Name:                   "TEST",
		Interval:               core.Interval{Start: 0, End: 2},
		Cadence:                1,
		Exposure:               2,
		FieldOfView:            instrument.DefaultFieldOfView,
		PixelScaleX:            1,
		PixelScaleY:            1,
		LineOfSight:            core.Vec3{Z: -1},
		UseTemperatureResponse: useResponse,
		TemperatureResponses: map[string]instrument.Response{
			"171": {LogTemperature: []float64{5, 7}, Values: []float64{k171, k171}},
		},
	}
	inst, err := instrument.NewImaging(cfg, []*instrument.ImagingChannel{ch171, ch195})
	require.NoError(t, err)
	return inst
}

func ionization(id string) core.StrandIonization {
	return core.StrandIonization{
		StrandID: id,
		Time:     []float64{0, 1, 2},
		Fractions: map[string][]float64{
			"h_1": {1, 0.5, 0.25},
			"h_2": {0, 0.5, 0.75},
		},
	}
}

func TestSynthesizeStrand_DirectEvaluation(t *testing.T) {
	sk := testutil.Skeleton(t)
	s := emission.NewSynthesizer(testutil.HydrogenModel(t), heating.Dummy(), nil)
	ion := ionization("strand0")

	rec, err := s.SynthesizeStrand(sk.At(0), ion, []instrument.Instrument{boxImager(t, false)}, emission.ModeInstrument)
	require.NoError(t, err)
	assert.Equal(t, ion.Time, rec.Time)
	assert.Equal(t, []string{"TEST/171", "TEST/195"}, rec.Channels())
	for k := range rec.Time {
		assert.InEpsilon(t, ion.Fractions["h_1"][k]*1e-24, rec.Intensity["TEST/171"][k], 1e-12)
		assert.InDelta(t, ion.Fractions["h_2"][k]*2e-24, rec.Intensity["TEST/195"][k], 1e-36)
	}
}

func TestSynthesizeStrand_TemperatureResponseShortcut(t *testing.T) {
	sk := testutil.Skeleton(t)
	s := emission.NewSynthesizer(testutil.HydrogenModel(t), heating.Dummy(), nil)
	inst := boxImager(t, true)

	// The instrument asks for the shortcut but 195 has no response.
	_, err := s.SynthesizeStrand(sk.At(0), ionization("strand0"), []instrument.Instrument{inst}, emission.ModeInstrument)
	var de *core.DataError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "TEST/195", de.Channel)

	// A per-call override falls back to direct evaluation.
	rec, err := s.SynthesizeStrand(sk.At(0), ionization("strand0"), []instrument.Instrument{inst}, emission.ModeDirect)
	require.NoError(t, err)
	assert.InDelta(t, 0.75*2e-24, rec.Intensity["TEST/195"][2], 1e-36)
}

func TestSynthesizeStrand_ResponseTimesDensitySquared(t *testing.T) {
	sk := testutil.Skeleton(t)
	s := emission.NewSynthesizer(testutil.HydrogenModel(t), heating.Dummy(), nil)
	ch, err := instrument.NewImagingChannel("171", []float64{170, 172}, []float64{1, 1},
		&instrument.Response{LogTemperature: []float64{5, 7}, Values: []float64{k171, k171}})
	require.NoError(t, err)
	inst, err := instrument.NewImaging(instrument.Config{
		Name: "K", Interval: core.Interval{Start: 0, End: 2}, Cadence: 1, Exposure: 1,
		FieldOfView: instrument.DefaultFieldOfView, PixelScaleX: 1, PixelScaleY: 1,
		LineOfSight: core.Vec3{Z: -1},
	}, []*instrument.ImagingChannel{ch})
	require.NoError(t, err)

	rec, err := s.SynthesizeStrand(sk.At(0), ionization("strand0"), []instrument.Instrument{inst}, emission.ModeTemperatureResponse)
	require.NoError(t, err)
	want := k171 * testutil.FixtureDensity * testutil.FixtureDensity
	for _, v := range rec.Intensity["K/171"] {
		assert.InEpsilon(t, want, v, 1e-12)
	}
}

func TestSynthesizeStrand_MissingDataIsReported(t *testing.T) {
	sk := testutil.Skeleton(t)
	inst := []instrument.Instrument{boxImager(t, false)}

	t.Run("fractions", func(t *testing.T) {
		s := emission.NewSynthesizer(testutil.HydrogenModel(t), heating.Dummy(), nil)
		ion := ionization("strand0")
		delete(ion.Fractions, "h_2")
		_, err := s.SynthesizeStrand(sk.At(0), ion, inst, emission.ModeInstrument)
		var de *core.DataError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, "h_2", de.Species)
	})

	t.Run("contribution function", func(t *testing.T) {
		logT := []float64{4, 8}
		model, err := atomdb.New(
			[]atomdb.Element{{
				Symbol: "h", Z: 1, Abundance: 1, LogTemperature: logT,
				Ionization:    [][]float64{{0, 0}},
				Recombination: [][]float64{{1e-10, 1e-10}},
			}},
			[]string{"h_1", "h_2"},
			[]atomdb.ContributionFunction{
				{Ion: "h_1", Wavelength: testutil.LineNeutral, LogTemperature: logT, Values: [][]float64{{1e-24, 1e-24}}},
			},
		)
		require.NoError(t, err)
		s := emission.NewSynthesizer(model, heating.Dummy(), nil)
		_, err = s.SynthesizeStrand(sk.At(0), ionization("strand0"), inst, emission.ModeInstrument)
		require.ErrorIs(t, err, core.ErrDataCompleteness)
		assert.Contains(t, err.Error(), "no contribution function")
	})

	t.Run("abundance", func(t *testing.T) {
		model, err := atomdb.New(nil, []string{"fe_9"}, []atomdb.ContributionFunction{
			{Ion: "fe_9", Wavelength: 171.073, LogTemperature: []float64{5, 7}, Values: [][]float64{{1, 1}}},
		})
		require.NoError(t, err)
		s := emission.NewSynthesizer(model, heating.Dummy(), nil)
		_, err = s.SynthesizeStrand(sk.At(0), ionization("strand0"), inst, emission.ModeInstrument)
		require.ErrorIs(t, err, core.ErrDataCompleteness)
		assert.Contains(t, err.Error(), "no abundance")
	})
}

func TestSynthesizeStrand_SamplingMismatchIsRejected(t *testing.T) {
	sk := testutil.Skeleton(t)
	s := emission.NewSynthesizer(testutil.HydrogenModel(t), heating.Dummy(), nil)
	ion := ionization("strand0")
	ion.Time = []float64{0, 1.5, 2}

	_, err := s.SynthesizeStrand(sk.At(0), ion, []instrument.Instrument{boxImager(t, false)}, emission.ModeInstrument)
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrDataCompleteness)
}

func TestSynthesizeStrand_SpectralBinCapturesLine(t *testing.T) {
	sk := testutil.Skeleton(t)
	s := emission.NewSynthesizer(testutil.HydrogenModel(t), heating.Dummy(), nil)
	bin, err := instrument.NewSpectralChannel("bin", "w", testutil.LineIon-0.5, testutil.LineIon+0.5, 0.02)
	require.NoError(t, err)
	eis, err := instrument.NewSpectroscopic(instrument.Config{
		Name: "EIS", Interval: core.Interval{Start: 0, End: 2}, Cadence: 1, Exposure: 1,
		FieldOfView: instrument.DefaultFieldOfView, PixelScaleX: 1, PixelScaleY: 1,
		LineOfSight: core.Vec3{Z: -1}, UseTemperatureResponse: true,
	}, []*instrument.SpectralChannel{bin})
	require.NoError(t, err)

	rec, err := s.SynthesizeStrand(sk.At(0), ionization("strand0"), []instrument.Instrument{eis}, emission.ModeInstrument)
	require.NoError(t, err)
	assert.InEpsilon(t, 0.5*2e-24, rec.Intensity["EIS/bin"][1], 1e-9)
}

func TestSynthesize_WritesRowsResumesAndIsolates(t *testing.T) {
	sk := testutil.Skeleton(t)
	rows, err := rowstore.Open(rowstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rows.Close() })
	_, err = rows.PutIonization(ionization("strand0"), "in0")
	require.NoError(t, err)

	rec := trace.NewRecorder()
	s := emission.NewSynthesizer(testutil.HydrogenModel(t), heating.Dummy(), rows)
	s.Trace = rec
	insts := []instrument.Instrument{boxImager(t, false)}

	res, err := s.Synthesize(context.Background(), sk, insts)
	require.NoError(t, err)
	assert.Equal(t, []string{"strand0"}, res.Computed)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "strand1", res.Failed[0].Unit)
	assert.ErrorIs(t, res.Failed[0], core.ErrDataCompleteness)

	stored, _, ok, err := rows.Emission("strand0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, stored.Intensity, 2)

	_, err = rows.PutIonization(ionization("strand1"), "in1")
	require.NoError(t, err)
	res, err = s.Synthesize(context.Background(), sk, insts)
	require.NoError(t, err)
	assert.Equal(t, []string{"strand1"}, res.Computed)
	assert.Equal(t, []string{"strand0"}, res.Resumed)
	assert.Empty(t, res.Failed)

	// A new ionization row for strand0 invalidates its emission.
	ion := ionization("strand0")
	ion.Fractions["h_1"][2], ion.Fractions["h_2"][2] = 0.1, 0.9
	_, err = rows.PutIonization(ion, "in0")
	require.NoError(t, err)
	res, err = s.Synthesize(context.Background(), sk, insts)
	require.NoError(t, err)
	assert.Equal(t, []string{"strand0"}, res.Computed)

	tr := rec.Trace("skeleton", "")
	assert.Equal(t, 3, tr.Count(trace.EventStrandEmitted))
	assert.Equal(t, 2, tr.Count(trace.EventUnitResumed))
	assert.Equal(t, 1, tr.Count(trace.EventUnitFailed))
}

func TestSynthesize_RejectsIonizationOfOtherPlasma(t *testing.T) {
	sk := testutil.Skeleton(t)
	model := testutil.HydrogenModel(t)
	rows, err := rowstore.Open(rowstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rows.Close() })

	iv := core.Interval{Start: 0, End: 2}
	solver := nei.NewSolver(model, heating.Dummy(), rows)
	_, err = solver.Solve(context.Background(), sk, iv)
	require.NoError(t, err)

	hotter, err := sk.WithPlasma("strand0", testutil.Series([]float64{0, 1, 2}, 1e7, testutil.FixtureDensity, 0))
	require.NoError(t, err)
	expected, err := solver.ExpectedInputs(iv)
	require.NoError(t, err)

	s := emission.NewSynthesizer(model, heating.Dummy(), rows)
	s.IonizationInput = expected
	insts := []instrument.Instrument{boxImager(t, false)}

	res, err := s.Synthesize(context.Background(), hotter, insts)
	require.NoError(t, err)
	assert.Equal(t, []string{"strand1"}, res.Computed)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "strand0", res.Failed[0].Unit)
	assert.ErrorIs(t, res.Failed[0], core.ErrDataCompleteness)
	_, _, ok, err := rows.Emission("strand0")
	require.NoError(t, err)
	assert.False(t, ok, "stale ionization is never synthesized")

	res, err = s.Synthesize(context.Background(), sk, insts)
	require.NoError(t, err)
	assert.Equal(t, []string{"strand0"}, res.Computed)
	assert.Equal(t, []string{"strand1"}, res.Resumed)
}
