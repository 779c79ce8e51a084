package core

import (
	"errors"
	"fmt"
	"strings"
)

// Skeleton is the ordered ensemble of strands.
//
// A Skeleton is read-only once constructed: the strand count and order never
// change and a strand's sample count is fixed once its plasma series is
// populated. WithPlasma returns a new Skeleton instead of mutating.
type Skeleton struct {
	frame           string
	lengthPerArcsec float64
	strands         []Strand
	index           map[string]int
}

// NewSkeleton validates and builds a Skeleton. The strands are copied.
func NewSkeleton(frame string, lengthPerArcsec float64, strands []Strand) (*Skeleton, error) {
	var errs []error
	if strings.TrimSpace(frame) == "" {
		errs = append(errs, errors.New("frame is required"))
	}
	if !(lengthPerArcsec > 0) {
		errs = append(errs, fmt.Errorf("length per arcsec must be positive, got %g", lengthPerArcsec))
	}
	if len(strands) == 0 {
		errs = append(errs, errors.New("skeleton has no strands"))
	}
	index := make(map[string]int, len(strands))
	copied := make([]Strand, len(strands))
	for i := range strands {
		if err := strands[i].Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := index[strands[i].ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate strand id %q", strands[i].ID))
			continue
		}
		index[strands[i].ID] = i
		copied[i] = strands[i].clone()
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Skeleton{frame: frame, lengthPerArcsec: lengthPerArcsec, strands: copied, index: index}, nil
}

// Frame returns the coordinate-system label of the strand paths.
func (s *Skeleton) Frame() string { return s.frame }

// LengthPerArcsec returns the physical length (cm) subtended by one arcsecond.
func (s *Skeleton) LengthPerArcsec() float64 { return s.lengthPerArcsec }

// ConvertAngleToLength converts an angle in arcsec to a length in cm.
func (s *Skeleton) ConvertAngleToLength(arcsec float64) float64 {
	return arcsec * s.lengthPerArcsec
}

// Len returns the number of strands.
func (s *Skeleton) Len() int { return len(s.strands) }

// At returns the i-th strand. The pointer must be treated as read-only.
func (s *Skeleton) At(i int) *Strand { return &s.strands[i] }

// Strand looks up a strand by ID. The pointer must be treated as read-only.
func (s *Skeleton) Strand(id string) (*Strand, bool) {
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return &s.strands[i], true
}

// IDs returns the strand IDs in skeleton order.
func (s *Skeleton) IDs() []string {
	out := make([]string, len(s.strands))
	for i := range s.strands {
		out[i] = s.strands[i].ID
	}
	return out
}

// WithPlasma returns a copy of the skeleton with the plasma series of strand
// id replaced. Replacing a populated series with one of a different sample
// count is rejected.
func (s *Skeleton) WithPlasma(id string, series PlasmaSeries) (*Skeleton, error) {
	i, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("unknown strand %q", id)
	}
	if err := series.Validate(); err != nil {
		return nil, fmt.Errorf("strand %q: %w", id, err)
	}
	cur := s.strands[i].Plasma
	if !cur.Empty() && cur.Len() != series.Len() {
		return nil, fmt.Errorf("strand %q: sample count is fixed at %d, got %d", id, cur.Len(), series.Len())
	}
	strands := make([]Strand, len(s.strands))
	copy(strands, s.strands)
	st := s.strands[i].clone()
	st.Plasma = PlasmaSeries{
		Time:        append([]float64(nil), series.Time...),
		Temperature: append([]float64(nil), series.Temperature...),
		Density:     append([]float64(nil), series.Density...),
		Velocity:    append([]float64(nil), series.Velocity...),
	}
	strands[i] = st
	return &Skeleton{frame: s.frame, lengthPerArcsec: s.lengthPerArcsec, strands: strands, index: s.index}, nil
}

// Hash returns the content identity of the skeleton: frame, conversion and
// every strand's geometry and plasma series, in skeleton order.
func (s *Skeleton) Hash() Digest {
	h := NewHasher().Str(s.frame).Float64(s.lengthPerArcsec).Int(len(s.strands))
	for i := range s.strands {
		writeStrand(h, &s.strands[i])
	}
	return h.Sum()
}

func writeStrand(h *Hasher, st *Strand) {
	h.Str(st.ID).Int(len(st.Path))
	for _, p := range st.Path {
		h.Float64(p.X).Float64(p.Y).Float64(p.Z)
	}
	h.Float64s(st.Area)
	h.Float64s(st.Plasma.Time).Float64s(st.Plasma.Temperature).
		Float64s(st.Plasma.Density).Float64s(st.Plasma.Velocity)
}
