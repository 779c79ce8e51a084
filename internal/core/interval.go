package core

import "fmt"

// Interval is a closed time range [Start, End] in seconds.
type Interval struct {
	Start float64 `json:"start" toml:"start" yaml:"start"`
	End   float64 `json:"end" toml:"end" yaml:"end"`
}

func (iv Interval) Validate() error {
	if iv.End < iv.Start {
		return fmt.Errorf("interval end %g before start %g", iv.End, iv.Start)
	}
	return nil
}

// Contains reports whether t lies inside the interval.
func (iv Interval) Contains(t float64) bool {
	return t >= iv.Start && t <= iv.End
}

// Grid returns the sample times Start, Start+step, ... not exceeding End.
func (iv Interval) Grid(step float64) []float64 {
	if step <= 0 {
		return []float64{iv.Start}
	}
	n := int((iv.End-iv.Start)/step+1e-9) + 1
	out := make([]float64, n)
	for i := range out {
		out[i] = iv.Start + float64(i)*step
	}
	return out
}
