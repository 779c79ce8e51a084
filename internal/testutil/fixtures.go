// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"arsynth/internal/atomdb"
	"arsynth/internal/core"
)

// CmPerArcsec is the conversion used by the fixture skeletons.
const CmPerArcsec = 7.25e7

// RecombinationRate is the constant recombination coefficient of the
// hydrogen-like fixture (cm^3 s^-1).
const RecombinationRate = 5e-10

// FixtureDensity is the electron density of the fixture plasma (cm^-3).
// With RecombinationRate it gives n*alpha = 0.5 s^-1.
const FixtureDensity = 1e9

// Line wavelengths of the fixture model (Å).
const (
	LineNeutral = 171.0
	LineIon     = 195.119
)

// Series returns a constant-plasma series sampled at times.
func Series(times []float64, temperature, density, velocity float64) core.PlasmaSeries {
	n := len(times)
	s := core.PlasmaSeries{
		Time:        append([]float64(nil), times...),
		Temperature: make([]float64, n),
		Density:     make([]float64, n),
		Velocity:    make([]float64, n),
	}
	for i := 0; i < n; i++ {
		s.Temperature[i] = temperature
		s.Density[i] = density
		s.Velocity[i] = velocity
	}
	return s
}

// StraightStrand returns a strand running along x at height y (arcsec), from
// x0 to x1 (arcsec), with constant cross-section area (cm^2).
func StraightStrand(id string, x0, x1, y, area float64, plasma core.PlasmaSeries) core.Strand {
	const points = 5
	st := core.Strand{ID: id, Plasma: plasma}
	for i := 0; i < points; i++ {
		x := x0 + (x1-x0)*float64(i)/float64(points-1)
		st.Path = append(st.Path, core.Vec3{X: x * CmPerArcsec, Y: y * CmPerArcsec})
		st.Area = append(st.Area, area)
	}
	return st
}

// Skeleton returns two strands inside the default field of view, populated
// with a constant 1 MK plasma at 0, 1 and 2 s.
func Skeleton(t testing.TB) *core.Skeleton {
	t.Helper()
	plasma := Series([]float64{0, 1, 2}, 1e6, FixtureDensity, 0)
	sk, err := core.NewSkeleton("heliocentric", CmPerArcsec, []core.Strand{
		StraightStrand("strand0", -20, 20, 0, 1e14, plasma),
		StraightStrand("strand1", -10, 10, 10, 1e14, plasma),
	})
	require.NoError(t, err)
	return sk
}

// HydrogenModel returns a single-element model (Z = 1) without ionization
// and with a constant recombination rate, plus one line per stage.
func HydrogenModel(t testing.TB) *atomdb.EmissionModel {
	t.Helper()
	logT := []float64{4, 8}
	m, err := atomdb.New(
		[]atomdb.Element{{
			Symbol:         "h",
			Z:              1,
			Abundance:      1,
			LogTemperature: logT,
			Ionization:     [][]float64{{0, 0}},
			Recombination:  [][]float64{{RecombinationRate, RecombinationRate}},
		}},
		[]string{"h_1", "h_2"},
		[]atomdb.ContributionFunction{
			{Ion: "h_1", Wavelength: LineNeutral, LogTemperature: logT, Values: [][]float64{{1e-24, 1e-24}}},
			{Ion: "h_2", Wavelength: LineIon, LogTemperature: logT, Values: [][]float64{{2e-24, 2e-24}}},
		},
	)
	require.NoError(t, err)
	return m
}

// CollisionalModel returns a hydrogen-like model whose ionization and
// recombination balance at all temperatures, so that the equilibrium
// population is one half in each stage.
func CollisionalModel(t testing.TB) *atomdb.EmissionModel {
	t.Helper()
	logT := []float64{4, 8}
	m, err := atomdb.New(
		[]atomdb.Element{{
			Symbol:         "h",
			Z:              1,
			Abundance:      1,
			LogTemperature: logT,
			Ionization:     [][]float64{{1e-9, 1e-9}},
			Recombination:  [][]float64{{1e-9, 1e-9}},
		}},
		[]string{"h_1", "h_2"},
		[]atomdb.ContributionFunction{
			{Ion: "h_1", Wavelength: LineNeutral, LogTemperature: logT, Values: [][]float64{{1e-24, 1e-24}}},
			{Ion: "h_2", Wavelength: LineIon, LogTemperature: logT, Values: [][]float64{{2e-24, 2e-24}}},
		},
	)
	require.NoError(t, err)
	return m
}
