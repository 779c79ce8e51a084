package core_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arsynth/internal/core"
	"arsynth/internal/testutil"
)

func TestCheckpoint_RoundTripIsIdempotent(t *testing.T) {
	sk := testutil.Skeleton(t)
	first := t.TempDir()
	require.NoError(t, sk.Save(first))

	restored, err := core.Restore(first)
	require.NoError(t, err)
	assert.Equal(t, sk.Hash(), restored.Hash())
	assert.Equal(t, sk.IDs(), restored.IDs())
	assert.Equal(t, sk.LengthPerArcsec(), restored.LengthPerArcsec())

	second := t.TempDir()
	require.NoError(t, restored.Save(second))
	a, err := os.ReadFile(filepath.Join(first, core.SkeletonCheckpointFile))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(second, core.SkeletonCheckpointFile))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b), "restore then save reproduces the checkpoint byte for byte")
}

func TestRestore_RejectsMismatchedCheckpoints(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{"strand count", func(m map[string]any) { m["strand_count"] = 3.0 }},
		{"field list", func(m map[string]any) { m["fields"] = []any{"id", "path"} }},
		{"schema version", func(m map[string]any) { m["schema_version"] = 2.0 }},
		{"unknown field", func(m map[string]any) { m["extra"] = true }},
		{"content hash", func(m map[string]any) {
			strands := m["strands"].([]any)
			strands[0].(map[string]any)["id"] = "renamed"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, testutil.Skeleton(t).Save(dir))
			path := filepath.Join(dir, core.SkeletonCheckpointFile)
			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			var m map[string]any
			require.NoError(t, json.Unmarshal(raw, &m))
			tc.mutate(m)
			raw, err = json.Marshal(m)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, raw, 0o644))

			sk, err := core.Restore(dir)
			assert.Nil(t, sk)
			var se *core.SchemaError
			require.True(t, errors.As(err, &se), "got %v", err)
			assert.ErrorIs(t, err, core.ErrSchema)
		})
	}
}

func TestRestore_MissingCheckpointIsNotSchemaError(t *testing.T) {
	_, err := core.Restore(t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NotErrorIs(t, err, core.ErrSchema)
}

func TestSkeleton_WithPlasmaKeepsSampleCount(t *testing.T) {
	sk := testutil.Skeleton(t)
	before := sk.Hash()

	hot := testutil.Series([]float64{0, 1, 2}, 2e6, testutil.FixtureDensity, 0)
	next, err := sk.WithPlasma("strand0", hot)
	require.NoError(t, err)
	assert.Equal(t, before, sk.Hash(), "the receiver is not modified")
	assert.NotEqual(t, before, next.Hash())
	st, ok := next.Strand("strand0")
	require.True(t, ok)
	assert.Equal(t, 2e6, st.Plasma.Temperature[1])

	_, err = sk.WithPlasma("strand0", testutil.Series([]float64{0, 1}, 1e6, 1e9, 0))
	assert.ErrorContains(t, err, "sample count is fixed")
	_, err = sk.WithPlasma("nope", hot)
	assert.Error(t, err)
}

func TestNewSkeleton_CollectsErrors(t *testing.T) {
	plasma := testutil.Series([]float64{0, 1}, 1e6, 1e9, 0)
	st := testutil.StraightStrand("a", 0, 1, 0, 1e14, plasma)
	_, err := core.NewSkeleton("", 0, []core.Strand{st, st})
	require.Error(t, err)
	assert.ErrorContains(t, err, "frame is required")
	assert.ErrorContains(t, err, "length per arcsec")
	assert.ErrorContains(t, err, `duplicate strand id "a"`)
}

func TestStrand_ResamplePreservesLength(t *testing.T) {
	st := testutil.StraightStrand("a", -20, 20, 0, 1e14, core.PlasmaSeries{})
	total := st.Length()
	for _, ds := range []float64{0.3, 7, 13, 1e12} {
		samples := st.Resample(ds * testutil.CmPerArcsec)
		var sum float64
		for _, s := range samples {
			sum += s.Length
			assert.InDelta(t, 1e14, s.Area, 1)
		}
		assert.InEpsilon(t, total, sum, 1e-12, "ds=%g", ds)
	}
}

func TestHasher_FieldsDoNotCollide(t *testing.T) {
	a := core.NewHasher().Str("ab").Str("c").Sum()
	b := core.NewHasher().Str("a").Str("bc").Sum()
	assert.NotEqual(t, a, b)

	c := core.NewHasher().Float64s([]float64{1, 2}).Float64s(nil).Sum()
	d := core.NewHasher().Float64s([]float64{1}).Float64s([]float64{2}).Sum()
	assert.NotEqual(t, c, d)

	assert.Equal(t, core.NewHasher().Int(3).Float64(0.5).Sum(), core.NewHasher().Int(3).Float64(0.5).Sum())
}

func TestPlasmaSeries_AtAndWindow(t *testing.T) {
	p := core.PlasmaSeries{
		Time:        []float64{0, 10, 20},
		Temperature: []float64{1e6, 2e6, 4e6},
		Density:     []float64{1e9, 1e9, 3e9},
		Velocity:    []float64{0, 0, 0},
	}
	temp, dens, _ := p.At(15)
	assert.InDelta(t, 3e6, temp, 1e-6)
	assert.InDelta(t, 2e9, dens, 1e-3)
	temp, _, _ = p.At(-5)
	assert.Equal(t, 1e6, temp)

	w := p.Window(core.Interval{Start: 5, End: 20})
	assert.Equal(t, []float64{10, 20}, w.Time)
	w.Temperature[0] = 0
	assert.Equal(t, 2e6, p.Temperature[1], "window does not share memory")
}

func TestErrors_UnwrapToKinds(t *testing.T) {
	var err error = &core.NumericalError{StrandID: "s", Element: "fe", Retries: 3}
	assert.ErrorIs(t, err, core.ErrNumerical)
	assert.Contains(t, err.Error(), "strand=s")

	err = &core.DataError{StrandID: "s", Species: "fe_9", Msg: "no abundance"}
	assert.ErrorIs(t, err, core.ErrDataCompleteness)

	err = &core.SchemaError{Artifact: "x", Cause: os.ErrClosed}
	assert.ErrorIs(t, err, core.ErrSchema)
	assert.ErrorIs(t, err, os.ErrClosed)

	err = &core.StageError{Scope: "observer/eis", Missing: "BUILT", Have: "UNBUILT"}
	assert.ErrorIs(t, err, core.ErrStageOrder)
	assert.Equal(t, "stage prerequisite missing: observer/eis requires BUILT (current UNBUILT)", err.Error())
}
