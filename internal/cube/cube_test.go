package cube_test

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arsynth/internal/core"
	"arsynth/internal/cube"
)

func filled(instrument string, channels []string, times []float64, ny, nx int) *cube.Cube {
	c := cube.New(instrument, cube.StageBuilt, channels, times, ny, nx)
	for i := range c.Data {
		c.Data[i] = float64(i) + 0.25
	}
	return c
}

func TestCube_IndexIsRowMajor(t *testing.T) {
	c := filled("aia", []string{"171", "193"}, []float64{0, 6, 12}, 2, 3)

	assert.Equal(t, 0, c.Index(0, 0, 0, 0))
	assert.Equal(t, 1, c.Index(0, 0, 0, 1))
	assert.Equal(t, 3, c.Index(0, 0, 1, 0))
	assert.Equal(t, 6, c.Index(0, 1, 0, 0))
	assert.Equal(t, 18, c.Index(1, 0, 0, 0))
	assert.Equal(t, c.Data[c.Index(1, 2, 1, 2)], c.Frame(1, 2)[5])
}

func TestCube_AddRejectsShapeMismatch(t *testing.T) {
	a := cube.New("aia", cube.StageBuilt, []string{"171"}, []float64{0}, 2, 2)
	b := cube.New("aia", cube.StageBuilt, []string{"171"}, []float64{0}, 2, 3)
	assert.Error(t, a.Add(b))
}

func TestSum_PermutationsAgree(t *testing.T) {
	vals := []float64{1e16, 1, -1e16, 3.5, 1e-3}
	want := cube.Sum(vals)
	assert.InDelta(t, 4.501, want, 1e-9)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		perm := append([]float64(nil), vals...)
		rng.Shuffle(len(perm), func(a, b int) { perm[a], perm[b] = perm[b], perm[a] })
		assert.InDelta(t, want, cube.Sum(perm), 1e-12)
	}
}

func TestBin_SumsWindowsAndGroups(t *testing.T) {
	c := cube.New("eis", cube.StageBuilt, []string{"a0", "a1", "b0"}, []float64{0, 10, 20, 30}, 1, 2)
	for ch := 0; ch < 3; ch++ {
		for ti := 0; ti < 4; ti++ {
			frame := c.Frame(ch, ti)
			frame[0] = float64(ch + 1)
			frame[1] = float64(ti)
		}
	}

	out, err := cube.Bin(c,
		[][2]float64{{0, 30}, {30, 60}},
		[]cube.Group{{Name: "a", Members: []int{0, 1}}, {Name: "b", Members: []int{2}}},
	)
	require.NoError(t, err)

	assert.Equal(t, cube.StageBinned, out.Stage)
	assert.Equal(t, []string{"a", "b"}, out.Channels)
	assert.Equal(t, []float64{0, 30}, out.Times)
	assert.Equal(t, [][2]float64{{0, 30}, {30, 60}}, out.Windows)

	// group a, window 0: channels 1+2 over three samples
	assert.Equal(t, 9.0, out.At(0, 0, 0, 0))
	assert.Equal(t, 6.0, out.At(0, 0, 0, 1))
	assert.Equal(t, 3.0, out.At(1, 1, 0, 0))
	assert.Equal(t, 3.0, out.At(1, 1, 0, 1))

	assert.Equal(t, 1.0, c.At(0, 0, 0, 0), "input is unchanged")
}

func TestBin_IndependentOfAccumulationOrder(t *testing.T) {
	channels := []string{"171"}
	times := []float64{0, 6, 12, 18}
	rng := rand.New(rand.NewSource(11))
	partials := make([]*cube.Cube, 5)
	for i := range partials {
		p := cube.New("aia", cube.StageBuilt, channels, times, 3, 3)
		for k := range p.Data {
			p.Data[k] = math.Pow(10, rng.Float64()*12-6)
		}
		partials[i] = p
	}
	reduce := func(order []int) *cube.Cube {
		acc := cube.New("aia", cube.StageBuilt, channels, times, 3, 3)
		for _, i := range order {
			require.NoError(t, acc.Add(partials[i]))
		}
		out, err := cube.Bin(acc, [][2]float64{{0, 12}, {12, 24}}, []cube.Group{{Name: "171", Members: []int{0}}})
		require.NoError(t, err)
		return out
	}

	a := reduce([]int{0, 1, 2, 3, 4})
	b := reduce([]int{4, 2, 0, 3, 1})
	require.Equal(t, len(a.Data), len(b.Data))
	for i := range a.Data {
		assert.InEpsilon(t, a.Data[i], b.Data[i], 1e-12)
	}
}

func TestBin_RejectsOverlappingWindows(t *testing.T) {
	c := cube.New("aia", cube.StageBuilt, []string{"171"}, []float64{0, 6}, 1, 1)
	_, err := cube.Bin(c, [][2]float64{{0, 12}, {6, 18}}, []cube.Group{{Name: "171", Members: []int{0}}})
	assert.Error(t, err)
}

func TestFlatten_IndexMapIsInvertible(t *testing.T) {
	aia := filled("aia", []string{"171", "193"}, []float64{0, 6, 12}, 2, 3)
	eis := filled("eis", []string{"fe_12"}, []float64{0, 10}, 4, 2)
	eis.Stage = cube.StageBinned
	eis.Windows = [][2]float64{{0, 10}, {10, 20}}

	f, err := cube.Flatten([]*cube.Cube{aia, eis})
	require.NoError(t, err)
	m := f.IndexMap()
	require.Equal(t, aia.Len()+eis.Len(), m.Len())

	for i := 0; i < m.Len(); i++ {
		loc, err := m.Locate(i)
		require.NoError(t, err)
		j, err := m.Index(loc)
		require.NoError(t, err)
		require.Equal(t, i, j)

		src := aia
		if loc.Instrument == "eis" {
			src = eis
		}
		require.Equal(t, src.At(loc.Channel, loc.Time, loc.Y, loc.X), f.Values[i])
	}

	loc, err := m.Locate(aia.Len())
	require.NoError(t, err)
	assert.Equal(t, cube.Location{Instrument: "eis"}, loc)

	_, err = m.Locate(m.Len())
	assert.Error(t, err)
	_, err = m.Index(cube.Location{Instrument: "xrt"})
	assert.Error(t, err)

	back, err := f.Unflatten()
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.True(t, cube.Equal(aia, back[0]))
	assert.True(t, cube.Equal(eis, back[1]))
}

func TestFlatten_RejectsDuplicateInstrument(t *testing.T) {
	a := filled("aia", []string{"171"}, []float64{0}, 1, 1)
	_, err := cube.Flatten([]*cube.Cube{a, a.Clone()})
	assert.Error(t, err)
}

func TestWriteRead_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "detector", "aia", "built")
	c := filled("aia", []string{"171", "193"}, []float64{0, 6}, 2, 2)

	ok, err := cube.Exists(dir)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cube.Write(dir, c))
	ok, err = cube.Exists(dir)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := cube.Read(dir)
	require.NoError(t, err)
	assert.True(t, cube.Equal(c, got))

	c.Data[0] = 42
	require.NoError(t, cube.Write(dir, c), "rewriting replaces the directory")
	got, err = cube.Read(dir)
	require.NoError(t, err)
	assert.Equal(t, 42.0, got.Data[0])
}

func TestRead_DetectsCorruptBlob(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "built")
	require.NoError(t, cube.Write(dir, filled("aia", []string{"171"}, []float64{0}, 1, 2)))

	blob := filepath.Join(dir, cube.BlobFile)
	raw, err := os.ReadFile(blob)
	require.NoError(t, err)
	raw[0] ^= 0xff
	require.NoError(t, os.WriteFile(blob, raw, 0o644))

	_, err = cube.Read(dir)
	assert.ErrorIs(t, err, core.ErrSchema)
}

func TestReadFlat_RejectsCubeArtifact(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "built")
	require.NoError(t, cube.Write(dir, filled("aia", []string{"171"}, []float64{0}, 1, 1)))

	_, err := cube.ReadFlat(dir)
	assert.ErrorIs(t, err, core.ErrSchema)
}

func TestWriteReadFlat_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "flat")
	f, err := cube.Flatten([]*cube.Cube{
		filled("aia", []string{"171"}, []float64{0, 6}, 2, 2),
		filled("eis", []string{"fe_12"}, []float64{0}, 1, 3),
	})
	require.NoError(t, err)
	require.NoError(t, cube.WriteFlat(dir, f))

	got, err := cube.ReadFlat(dir)
	require.NoError(t, err)
	assert.Equal(t, f.Values, got.Values)
	assert.Equal(t, f.Segments, got.Segments)
}
