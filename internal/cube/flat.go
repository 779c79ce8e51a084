package cube

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"arsynth/internal/core"
)

// Segment describes the slice of a Flat holding one instrument's cube.
type Segment struct {
	Instrument string       `json:"instrument"`
	Stage      Stage        `json:"stage"`
	Channels   []string     `json:"channels"`
	Times      []float64    `json:"times"`
	Windows    [][2]float64 `json:"windows,omitempty"`
	Ny         int          `json:"ny"`
	Nx         int          `json:"nx"`
	Offset     int          `json:"offset"`
}

// Len returns the number of values in the segment.
func (s Segment) Len() int { return len(s.Channels) * len(s.Times) * s.Ny * s.Nx }

func segmentOf(c *Cube, offset int) Segment {
	return Segment{
		Instrument: c.Instrument,
		Stage:      c.Stage,
		Channels:   slices.Clone(c.Channels),
		Times:      slices.Clone(c.Times),
		Windows:    slices.Clone(c.Windows),
		Ny:         c.Ny,
		Nx:         c.Nx,
		Offset:     offset,
	}
}

// Flat is the concatenation of several instruments' cubes into one array.
//
// Value i belongs to the segment s with s.Offset <= i < s.Offset+s.Len() and
// sits at s.Offset + ((c*T + t)*Ny + y)*Nx + x within it.
type Flat struct {
	Segments []Segment
	Values   []float64
}

// Flatten concatenates cubes in the given order. Instrument names must be unique.
func Flatten(cubes []*Cube) (*Flat, error) {
	f := &Flat{}
	seen := make(map[string]bool, len(cubes))
	total := 0
	for _, c := range cubes {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("flatten %s: %w", c.Instrument, err)
		}
		if seen[c.Instrument] {
			return nil, fmt.Errorf("flatten: duplicate instrument %q", c.Instrument)
		}
		seen[c.Instrument] = true
		f.Segments = append(f.Segments, segmentOf(c, total))
		total += c.Len()
	}
	f.Values = make([]float64, 0, total)
	for _, c := range cubes {
		f.Values = append(f.Values, c.Data...)
	}
	return f, nil
}

// Digest returns the content identity of the flat product.
func (f *Flat) Digest() core.Digest {
	h := core.NewHasher().Int(len(f.Segments))
	for _, s := range f.Segments {
		h.Str(s.Instrument).Str(string(s.Stage)).Int(s.Offset).Int(s.Len())
	}
	return h.Float64s(f.Values).Sum()
}

// Unflatten reconstructs the cubes exactly.
func (f *Flat) Unflatten() ([]*Cube, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	out := make([]*Cube, len(f.Segments))
	for i, s := range f.Segments {
		out[i] = &Cube{
			Instrument: s.Instrument,
			Stage:      s.Stage,
			Channels:   slices.Clone(s.Channels),
			Times:      slices.Clone(s.Times),
			Windows:    slices.Clone(s.Windows),
			Ny:         s.Ny,
			Nx:         s.Nx,
			Data:       slices.Clone(f.Values[s.Offset : s.Offset+s.Len()]),
		}
	}
	return out, nil
}

func (f *Flat) Validate() error {
	var errs []error
	next := 0
	for i, s := range f.Segments {
		if s.Offset != next {
			errs = append(errs, fmt.Errorf("segment %d (%s): offset %d, want %d", i, s.Instrument, s.Offset, next))
		}
		next = s.Offset + s.Len()
	}
	if next != len(f.Values) {
		errs = append(errs, fmt.Errorf("segments cover %d values, have %d", next, len(f.Values)))
	}
	return errors.Join(errs...)
}

// IndexMap returns the index map of f.
func (f *Flat) IndexMap() IndexMap {
	return IndexMap{segments: f.Segments}
}

// Location addresses one value of a Flat.
type Location struct {
	Instrument string
	Channel    int
	Time       int
	Y, X       int
}

// IndexMap converts between flat indices and Locations. Locate and Index are
// mutual inverses over the valid range.
type IndexMap struct {
	segments []Segment
}

// Len returns the number of addressable values.
func (m IndexMap) Len() int {
	if len(m.segments) == 0 {
		return 0
	}
	last := m.segments[len(m.segments)-1]
	return last.Offset + last.Len()
}

// Locate returns the Location of flat index i.
func (m IndexMap) Locate(i int) (Location, error) {
	if i < 0 || i >= m.Len() {
		return Location{}, fmt.Errorf("flat index %d out of range [0, %d)", i, m.Len())
	}
	k := sort.Search(len(m.segments), func(k int) bool {
		return m.segments[k].Offset+m.segments[k].Len() > i
	})
	s := m.segments[k]
	r := i - s.Offset
	x := r % s.Nx
	r /= s.Nx
	y := r % s.Ny
	r /= s.Ny
	t := r % len(s.Times)
	ch := r / len(s.Times)
	return Location{Instrument: s.Instrument, Channel: ch, Time: t, Y: y, X: x}, nil
}

// Index returns the flat index of loc.
func (m IndexMap) Index(loc Location) (int, error) {
	for _, s := range m.segments {
		if s.Instrument != loc.Instrument {
			continue
		}
		if loc.Channel < 0 || loc.Channel >= len(s.Channels) || loc.Time < 0 || loc.Time >= len(s.Times) ||
			loc.Y < 0 || loc.Y >= s.Ny || loc.X < 0 || loc.X >= s.Nx {
			return 0, fmt.Errorf("location %+v outside segment shape [%d %d %d %d]", loc, len(s.Channels), len(s.Times), s.Ny, s.Nx)
		}
		return s.Offset + ((loc.Channel*len(s.Times)+loc.Time)*s.Ny+loc.Y)*s.Nx + loc.X, nil
	}
	return 0, fmt.Errorf("no segment for instrument %q", loc.Instrument)
}
