package core

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// PlasmaSeries is the time series of plasma state of one strand, as produced
// by the external heating-model solver.
type PlasmaSeries struct {
	Time        []float64 `json:"time"`        // s, strictly increasing
	Temperature []float64 `json:"temperature"` // K
	Density     []float64 `json:"density"`     // cm^-3
	Velocity    []float64 `json:"velocity"`    // cm/s
}

// Len returns the number of samples.
func (p PlasmaSeries) Len() int { return len(p.Time) }

// Empty reports whether the series has not been populated yet.
func (p PlasmaSeries) Empty() bool { return len(p.Time) == 0 }

func (p PlasmaSeries) Validate() error {
	var errs []error
	n := len(p.Time)
	if len(p.Temperature) != n || len(p.Density) != n || len(p.Velocity) != n {
		errs = append(errs, fmt.Errorf("series lengths differ: time=%d temperature=%d density=%d velocity=%d",
			n, len(p.Temperature), len(p.Density), len(p.Velocity)))
	}
	for i := 1; i < n; i++ {
		if !(p.Time[i] > p.Time[i-1]) {
			errs = append(errs, fmt.Errorf("time not strictly increasing at sample %d", i))
			break
		}
	}
	for i := 0; i < n && i < len(p.Temperature) && i < len(p.Density); i++ {
		if !(p.Temperature[i] > 0) || math.IsInf(p.Temperature[i], 0) {
			errs = append(errs, fmt.Errorf("temperature[%d] must be positive and finite", i))
			break
		}
		if p.Density[i] < 0 || math.IsNaN(p.Density[i]) || math.IsInf(p.Density[i], 0) {
			errs = append(errs, fmt.Errorf("density[%d] must be non-negative and finite", i))
			break
		}
	}
	return errors.Join(errs...)
}

// Window returns the samples whose time lies inside iv. The returned series
// does not share memory with p.
func (p PlasmaSeries) Window(iv Interval) PlasmaSeries {
	lo := sort.SearchFloat64s(p.Time, iv.Start)
	hi := sort.Search(len(p.Time), func(i int) bool { return p.Time[i] > iv.End })
	if hi < lo {
		hi = lo
	}
	return PlasmaSeries{
		Time:        append([]float64(nil), p.Time[lo:hi]...),
		Temperature: append([]float64(nil), p.Temperature[lo:hi]...),
		Density:     append([]float64(nil), p.Density[lo:hi]...),
		Velocity:    append([]float64(nil), p.Velocity[lo:hi]...),
	}
}

// At linearly interpolates temperature, density and velocity at time t.
// Times outside the series take the nearest end sample.
func (p PlasmaSeries) At(t float64) (temperature, density, velocity float64) {
	i, f := Bracket(p.Time, t)
	if f == 0 {
		return p.Temperature[i], p.Density[i], p.Velocity[i]
	}
	lerp := func(v []float64) float64 { return v[i] + f*(v[i+1]-v[i]) }
	return lerp(p.Temperature), lerp(p.Density), lerp(p.Velocity)
}

// Bracket locates t in the increasing slice xs and returns index i and
// fraction f so that t = xs[i] + f*(xs[i+1]-xs[i]). Outside the range it
// clamps to an end sample with f = 0. xs must not be empty.
func Bracket(xs []float64, t float64) (int, float64) {
	n := len(xs)
	if n == 1 || t <= xs[0] {
		return 0, 0
	}
	if t >= xs[n-1] {
		return n - 1, 0
	}
	i := sort.SearchFloat64s(xs, t)
	if xs[i] == t {
		return i, 0
	}
	i--
	return i, (t - xs[i]) / (xs[i+1] - xs[i])
}

// Interpolate linearly samples ys (tabulated at xs) at t, clamping outside the range.
func Interpolate(xs, ys []float64, t float64) float64 {
	i, f := Bracket(xs, t)
	if f == 0 {
		return ys[i]
	}
	return ys[i] + f*(ys[i+1]-ys[i])
}
