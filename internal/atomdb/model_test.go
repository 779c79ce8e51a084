package atomdb_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arsynth/internal/atomdb"
	"arsynth/internal/core"
	"arsynth/internal/testutil"
)

func TestCheckpoint_RoundTrip(t *testing.T) {
	m := testutil.HydrogenModel(t)
	dir := t.TempDir()
	require.NoError(t, m.Save(dir))

	restored, err := atomdb.Restore(dir)
	require.NoError(t, err)
	assert.Equal(t, m.Hash(), restored.Hash())
	assert.Equal(t, []string{"h_1", "h_2"}, restored.Ions())
	ab, ok := restored.Abundance("h")
	require.True(t, ok)
	assert.Equal(t, 1.0, ab)
}

func TestRestore_SchemaErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := atomdb.Restore(dir)
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(dir, atomdb.CheckpointFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version":1,"elements":[],"ions":null,"contribution_functions":[],"hash":""}`), 0o644))
	_, err = atomdb.Restore(dir)
	assert.ErrorIs(t, err, core.ErrSchema)

	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version":1,"elements":[],"ions":[],"contribution_functions":[],"hash":"bad"}`), 0o644))
	_, err = atomdb.Restore(dir)
	var se *core.SchemaError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Msg, "content hash")

	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version":1} trailing`), 0o644))
	_, err = atomdb.Restore(dir)
	assert.ErrorIs(t, err, core.ErrSchema)
}

func TestNew_ValidatesTables(t *testing.T) {
	_, err := atomdb.New(
		[]atomdb.Element{
			{Symbol: "he", Z: 2, Abundance: 0.1, LogTemperature: []float64{4, 5}, Ionization: [][]float64{{1, 1}}, Recombination: [][]float64{{1, 1}, {1, 1}}},
			{Symbol: "c", Z: 1, Abundance: -1, LogTemperature: []float64{5, 4}, Ionization: [][]float64{{1, 1}}, Recombination: [][]float64{{1, 1}}},
		},
		[]string{"he_1", "he_1", "bogus"},
		[]atomdb.ContributionFunction{{Ion: "he_2", Wavelength: 0, LogTemperature: []float64{4, 5}, Values: [][]float64{{1}}}},
	)
	require.Error(t, err)
	for _, want := range []string{
		"ionization has 1 rows, want 2",
		"abundance must be >= 0",
		`duplicate ion "he_1"`,
		`malformed ion id "bogus"`,
		"wavelength must be positive",
		"values[0] has 1 points, want 2",
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestElement_RatesClampOutsideTable(t *testing.T) {
	m := testutil.CollisionalModel(t)
	el, ok := m.Element("h")
	require.True(t, ok)
	assert.Equal(t, []string{"h_1", "h_2"}, el.IonIDs())

	ionize := make([]float64, el.Stages())
	recombine := make([]float64, el.Stages())
	for _, temp := range []float64{1e3, 1e6, 1e9} {
		el.Rates(temp, ionize, recombine)
		assert.InDelta(t, 1e-9, ionize[0], 1e-20, "T=%g", temp)
		assert.Zero(t, ionize[1])
		assert.Zero(t, recombine[0])
		assert.InDelta(t, 1e-9, recombine[1], 1e-20, "T=%g", temp)
	}
}

func TestContributionFunction_Eval(t *testing.T) {
	m, err := atomdb.New(nil, []string{"fe_12"}, []atomdb.ContributionFunction{{
		Ion:            "fe_12",
		Wavelength:     195.119,
		LogTemperature: []float64{6, 7},
		LogDensity:     []float64{8, 10},
		Values:         [][]float64{{1, 3}, {2, 6}},
	}})
	require.NoError(t, err)
	fns := m.ContributionFunctions("fe_12")
	require.Len(t, fns, 1)
	cf := fns[0]

	assert.InDelta(t, 2, cf.Eval(1e6*3.1622776601683795, 1e8), 1e-9)
	assert.InDelta(t, 1.5, cf.Eval(1e6, 1e9), 1e-9)
	assert.InDelta(t, 6, cf.Eval(1e7, 1e12), 1e-9, "density clamps")
	assert.Zero(t, cf.Eval(1e5, 1e9), "zero below the table")
	assert.Zero(t, cf.Eval(1e8, 1e9), "zero above the table")
}

func TestIonID(t *testing.T) {
	assert.Equal(t, "fe_9", atomdb.IonID("Fe", 9))
	sym, stage, err := atomdb.ParseIonID("fe_9")
	require.NoError(t, err)
	assert.Equal(t, "fe", sym)
	assert.Equal(t, 9, stage)
	for _, bad := range []string{"fe", "fe_", "_9", "fe_0", "fe_x"} {
		_, _, err := atomdb.ParseIonID(bad)
		assert.Error(t, err, bad)
	}
}
