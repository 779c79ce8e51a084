package core

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Strand is one discretized flux-tube segment.
//
// Path and Area are fixed when the skeleton is built; only Plasma is
// populated by later stages.
type Strand struct {
	ID     string       `json:"id"`
	Path   []Vec3       `json:"path"` // cm
	Area   []float64    `json:"area"` // cm^2, one per path point
	Plasma PlasmaSeries `json:"plasma"`
}

func (s *Strand) Validate() error {
	var errs []error
	if strings.TrimSpace(s.ID) == "" {
		errs = append(errs, errors.New("strand id is required"))
	}
	if len(s.Path) < 2 {
		errs = append(errs, fmt.Errorf("strand %q: path needs at least 2 points, got %d", s.ID, len(s.Path)))
	}
	if len(s.Area) != len(s.Path) {
		errs = append(errs, fmt.Errorf("strand %q: %d areas for %d path points", s.ID, len(s.Area), len(s.Path)))
	}
	for i, a := range s.Area {
		if !(a > 0) || math.IsInf(a, 0) {
			errs = append(errs, fmt.Errorf("strand %q: area[%d] must be positive", s.ID, i))
			break
		}
	}
	if err := s.Plasma.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("strand %q: %w", s.ID, err))
	}
	return errors.Join(errs...)
}

// Length returns the arc length of the strand path.
func (s *Strand) Length() float64 {
	var l float64
	for i := 1; i < len(s.Path); i++ {
		l += s.Path[i].Sub(s.Path[i-1]).Norm()
	}
	return l
}

// Sample is one point of a resampled strand path.
type Sample struct {
	Position Vec3
	Length   float64 // path length represented by this sample (cm)
	Area     float64 // cross-section at Position (cm^2)
}

// Resample walks the path at spacing ds and returns the midpoints of the
// resulting segments with their length and interpolated area. The segment
// lengths always add up to Length(); the last segment absorbs the remainder.
func (s *Strand) Resample(ds float64) []Sample {
	total := s.Length()
	if total == 0 {
		return nil
	}
	if ds <= 0 || ds > total {
		ds = total
	}
	n := int(math.Ceil(total/ds - 1e-9))
	cum := make([]float64, len(s.Path))
	for i := 1; i < len(s.Path); i++ {
		cum[i] = cum[i-1] + s.Path[i].Sub(s.Path[i-1]).Norm()
	}
	locate := func(d float64) (Vec3, float64) {
		i, f := Bracket(cum, d)
		if f == 0 {
			return s.Path[i], s.Area[i]
		}
		return s.Path[i].Lerp(s.Path[i+1], f), s.Area[i] + f*(s.Area[i+1]-s.Area[i])
	}
	out := make([]Sample, 0, n)
	for k := 0; k < n; k++ {
		lo := float64(k) * ds
		hi := math.Min(lo+ds, total)
		pos, area := locate(0.5 * (lo + hi))
		out = append(out, Sample{Position: pos, Length: hi - lo, Area: area})
	}
	return out
}

func (s *Strand) clone() Strand {
	return Strand{
		ID:   s.ID,
		Path: append([]Vec3(nil), s.Path...),
		Area: append([]float64(nil), s.Area...),
		Plasma: PlasmaSeries{
			Time:        append([]float64(nil), s.Plasma.Time...),
			Temperature: append([]float64(nil), s.Plasma.Temperature...),
			Density:     append([]float64(nil), s.Plasma.Density...),
			Velocity:    append([]float64(nil), s.Plasma.Velocity...),
		},
	}
}
