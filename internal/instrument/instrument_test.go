package instrument_test

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arsynth/internal/core"
	"arsynth/internal/instrument"
	"arsynth/internal/testutil"
)

var observing = core.Interval{Start: 0, End: 4990}

func TestGrid_DefaultLineOfSightLooksDownZ(t *testing.T) {
	sk := testutil.Skeleton(t)
	g := instrument.NewGrid(sk, instrument.DefaultFieldOfView, 1, 1, core.Vec3{Z: -1})

	assert.Equal(t, 200, g.Nx)
	assert.Equal(t, 200, g.Ny)
	assert.InDelta(t, 1, g.U.X, 1e-12)
	assert.InDelta(t, 1, g.V.Y, 1e-12)
	assert.InDelta(t, 0, g.U.Dot(g.V), 1e-12)

	x, y := g.Locate(core.Vec3{})
	assert.InDelta(t, 100, x, 1e-9)
	assert.InDelta(t, 100, y, 1e-9)
}

func TestGrid_ObliqueLineOfSightIsOrthonormal(t *testing.T) {
	sk := testutil.Skeleton(t)
	los := core.Vec3{X: 1, Y: 2, Z: -3}
	g := instrument.NewGrid(sk, instrument.DefaultFieldOfView, 1, 1, los)

	assert.InDelta(t, 1, g.U.Norm(), 1e-12)
	assert.InDelta(t, 1, g.V.Norm(), 1e-12)
	assert.InDelta(t, 0, g.U.Dot(g.V), 1e-12)
	assert.InDelta(t, 0, g.U.Dot(los), 1e-9)
	assert.InDelta(t, 0, g.V.Dot(los), 1e-9)
}

func sumWeights(fp []instrument.PixelWeight) float64 {
	var s float64
	for _, p := range fp {
		s += p.Weight
	}
	return s
}

func TestFootprint_ThinStrandConservesVolume(t *testing.T) {
	sk := testutil.Skeleton(t)
	aia, err := instrument.SDOAIA(observing)
	require.NoError(t, err)
	g := aia.Grid(sk)
	st := sk.At(0)

	fp := aia.Project(g, st, 0, sk.ConvertAngleToLength(0.3))
	require.NotEmpty(t, fp)

	want := st.Length() * 1e14 / (g.Dx * g.Dy)
	assert.InEpsilon(t, want, sumWeights(fp), 1e-9)

	for i := 1; i < len(fp); i++ {
		prev := fp[i-1].Y*g.Nx + fp[i-1].X
		cur := fp[i].Y*g.Nx + fp[i].X
		assert.Less(t, prev, cur, "footprint must be sorted by pixel index")
	}
	assert.Equal(t, fp, aia.Project(g, st, 2, sk.ConvertAngleToLength(0.3)), "footprint is independent of the sample")
}

func TestFootprint_ThickStrandSpreadsGaussian(t *testing.T) {
	plasma := testutil.Series([]float64{0}, 1e6, 1e9, 0)
	radius := 2 * 0.6 * testutil.CmPerArcsec
	area := math.Pi * radius * radius
	sk, err := core.NewSkeleton("heliocentric", testutil.CmPerArcsec, []core.Strand{
		testutil.StraightStrand("thick", -5, 5, 0, area, plasma),
	})
	require.NoError(t, err)
	aia, err := instrument.SDOAIA(observing)
	require.NoError(t, err)
	g := aia.Grid(sk)

	fp := instrument.Footprint(g, sk.At(0), sk.ConvertAngleToLength(0.3))
	want := sk.At(0).Length() * area / (g.Dx * g.Dy)
	assert.InEpsilon(t, want, sumWeights(fp), 1e-9)

	rows := map[int]bool{}
	for _, p := range fp {
		rows[p.Y] = true
	}
	assert.Greater(t, len(rows), 4, "a strand thicker than a pixel spreads over several rows")
}

func TestFootprint_OutsideFieldOfViewIsEmpty(t *testing.T) {
	plasma := testutil.Series([]float64{0}, 1e6, 1e9, 0)
	sk, err := core.NewSkeleton("heliocentric", testutil.CmPerArcsec, []core.Strand{
		testutil.StraightStrand("far", 500, 600, 500, 1e14, plasma),
	})
	require.NoError(t, err)
	aia, err := instrument.SDOAIA(observing)
	require.NoError(t, err)

	assert.Empty(t, aia.Project(aia.Grid(sk), sk.At(0), 0, sk.ConvertAngleToLength(0.3)))
}

func TestSDOAIA_Preset(t *testing.T) {
	aia, err := instrument.SDOAIA(observing)
	require.NoError(t, err)

	assert.Equal(t, instrument.KindImaging, aia.Kind())
	assert.False(t, aia.UseTemperatureResponse())

	var names []string
	for _, ch := range aia.Channels() {
		names = append(names, ch.Name())
	}
	assert.Equal(t, []string{"94", "131", "171", "193", "211", "335"}, names)

	times := aia.Times()
	require.Len(t, times, 832)
	assert.Equal(t, 4986.0, times[len(times)-1])

	plan := aia.BinPlan()
	assert.Len(t, plan.Windows, 416)
	assert.Equal(t, [2]float64{0, 12}, plan.Windows[0])
	require.Len(t, plan.Groups, 6)
	assert.Equal(t, []int{3}, plan.Groups[3].Members)
}

func TestSDOAIA_TemperatureResponses(t *testing.T) {
	tr := instrument.Response{LogTemperature: []float64{5, 7}, Values: []float64{1e-27, 3e-27}}
	aia, err := instrument.SDOAIA(observing,
		instrument.WithTemperatureResponse(true),
		instrument.WithTemperatureResponses(map[string]instrument.Response{"171": tr}),
	)
	require.NoError(t, err)
	assert.True(t, aia.UseTemperatureResponse())

	chs := aia.Channels()
	k, ok := chs[2].TemperatureResponse(1e6)
	require.True(t, ok)
	assert.InDelta(t, 2e-27, k, 1e-40)

	k, ok = chs[2].TemperatureResponse(1e8)
	assert.True(t, ok)
	assert.Zero(t, k)

	_, ok = chs[0].TemperatureResponse(1e6)
	assert.False(t, ok)
}

func TestImagingChannel_Weight(t *testing.T) {
	aia, err := instrument.SDOAIA(observing)
	require.NoError(t, err)
	ch171 := aia.Channels()[2]

	assert.InDelta(t, 1, ch171.Weight(171, 0), 1e-9)
	assert.Zero(t, ch171.Weight(195.119, 0))
	assert.Less(t, ch171.Weight(172.5, 0), ch171.Weight(171.5, 0))
}

func TestHinodeEIS_Preset(t *testing.T) {
	eis, err := instrument.HinodeEIS(observing, instrument.WithTemperatureResponse(true))
	require.NoError(t, err)

	assert.Equal(t, instrument.KindSpectroscopic, eis.Kind())
	assert.False(t, eis.UseTemperatureResponse())
	assert.Len(t, eis.Channels(), 48)
	assert.Len(t, eis.Times(), 500)

	plan := eis.BinPlan()
	require.Len(t, plan.Groups, 3)
	assert.Equal(t, "fe_12_195.119", plan.Groups[0].Name)
	assert.Len(t, plan.Groups[2].Members, 16)
	assert.Len(t, plan.Windows, 167)
}

func TestSpectralChannel_LineFluxIsConservedAcrossWindow(t *testing.T) {
	eis, err := instrument.HinodeEIS(observing)
	require.NoError(t, err)
	chs := eis.Channels()

	var total, shifted, blue, red float64
	for _, ch := range chs[:16] {
		total += ch.Weight(195.119, 0)
		w := ch.Weight(195.119, 1e6)
		shifted += w
		lo, hi := ch.(*instrument.SpectralChannel).Bounds()
		if 0.5*(lo+hi) < 195.119 {
			blue += w
		} else {
			red += w
		}
	}
	assert.InDelta(t, 1, total, 1e-6)
	assert.InDelta(t, 1, shifted, 1e-6)
	assert.Greater(t, red, blue, "a receding source is redshifted")

	assert.Zero(t, chs[20].Weight(195.119, 0))
}

func TestConfig_Validate(t *testing.T) {
	_, err := instrument.SDOAIA(observing, instrument.WithName("aia/left"), instrument.WithCadence(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path separators")
	assert.Contains(t, err.Error(), "cadence must be positive")
}

func TestTemperatureResponses_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aia_response.json")
	in := map[string]instrument.Response{
		"171": {LogTemperature: []float64{5, 6, 7}, Values: []float64{0, 1e-27, 0}},
	}
	require.NoError(t, instrument.SaveTemperatureResponses(path, "SDO_AIA", in))

	out, err := instrument.LoadTemperatureResponses(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestTemperatureResponses_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"instrument":"x","channels":{},"extra":1}`), 0o644))

	_, err := instrument.LoadTemperatureResponses(path)
	var se *core.SchemaError
	require.True(t, errors.As(err, &se))
	assert.ErrorIs(t, err, core.ErrSchema)
}
