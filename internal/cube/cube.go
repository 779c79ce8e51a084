// Package cube holds detector count arrays and the pure transforms between
// observer stages: binning over exposure windows and passbands, and
// flattening into one analysis array with an invertible index map.
//
// Every transform returns a new Cube; no input is modified.
package cube

import (
	"errors"
	"fmt"
	"slices"

	"arsynth/internal/core"
)

// Stage labels the observer stage that produced a cube.
type Stage string

const (
	StageBuilt  Stage = "built"
	StageBinned Stage = "binned"
)

// Cube is a row-major [channel][time][y][x] array of detector counts of one
// instrument.
type Cube struct {
	Instrument string
	Stage      Stage
	Channels   []string
	Times      []float64
	// Windows holds the exposure window of each time sample; binned only.
	Windows [][2]float64
	Ny, Nx  int
	Data    []float64
}

// New returns a zero-filled cube of the given shape.
func New(instrument string, stage Stage, channels []string, times []float64, ny, nx int) *Cube {
	return &Cube{
		Instrument: instrument,
		Stage:      stage,
		Channels:   slices.Clone(channels),
		Times:      slices.Clone(times),
		Ny:         ny,
		Nx:         nx,
		Data:       make([]float64, len(channels)*len(times)*ny*nx),
	}
}

// Digest returns the content identity of the cube, labels included.
func (c *Cube) Digest() core.Digest {
	h := core.NewHasher().Str(c.Instrument).Str(string(c.Stage)).Int(len(c.Channels))
	for _, ch := range c.Channels {
		h.Str(ch)
	}
	h.Float64s(c.Times).Int(len(c.Windows))
	for _, w := range c.Windows {
		h.Float64(w[0]).Float64(w[1])
	}
	return h.Int(c.Ny).Int(c.Nx).Float64s(c.Data).Sum()
}

// Len returns the number of elements.
func (c *Cube) Len() int { return len(c.Channels) * len(c.Times) * c.Ny * c.Nx }

// Shape returns (channels, times, ny, nx).
func (c *Cube) Shape() [4]int { return [4]int{len(c.Channels), len(c.Times), c.Ny, c.Nx} }

// Index returns the position of (ch, t, y, x) in Data.
func (c *Cube) Index(ch, t, y, x int) int {
	return ((ch*len(c.Times)+t)*c.Ny+y)*c.Nx + x
}

func (c *Cube) At(ch, t, y, x int) float64 { return c.Data[c.Index(ch, t, y, x)] }

// Frame returns the Ny*Nx image of channel ch at time index t. It aliases Data.
func (c *Cube) Frame(ch, t int) []float64 {
	n := c.Ny * c.Nx
	off := (ch*len(c.Times) + t) * n
	return c.Data[off : off+n : off+n]
}

// Add accumulates o into c element-wise. Shapes and labels must match.
func (c *Cube) Add(o *Cube) error {
	if c.Shape() != o.Shape() || !slices.Equal(c.Channels, o.Channels) || !slices.Equal(c.Times, o.Times) {
		return fmt.Errorf("cube %s: cannot add cube of shape %v to %v", c.Instrument, o.Shape(), c.Shape())
	}
	for i, v := range o.Data {
		c.Data[i] += v
	}
	return nil
}

// Clone returns a deep copy.
func (c *Cube) Clone() *Cube {
	out := *c
	out.Channels = slices.Clone(c.Channels)
	out.Times = slices.Clone(c.Times)
	out.Windows = slices.Clone(c.Windows)
	out.Data = slices.Clone(c.Data)
	return &out
}

// Equal reports whether a and b carry identical labels and data.
func Equal(a, b *Cube) bool {
	return a.Instrument == b.Instrument && a.Stage == b.Stage &&
		a.Ny == b.Ny && a.Nx == b.Nx &&
		slices.Equal(a.Channels, b.Channels) && slices.Equal(a.Times, b.Times) &&
		slices.Equal(a.Windows, b.Windows) && slices.Equal(a.Data, b.Data)
}

func (c *Cube) Validate() error {
	var errs []error
	if c.Instrument == "" {
		errs = append(errs, errors.New("instrument is required"))
	}
	if c.Stage != StageBuilt && c.Stage != StageBinned {
		errs = append(errs, fmt.Errorf("unknown stage %q", c.Stage))
	}
	if c.Ny < 0 || c.Nx < 0 {
		errs = append(errs, fmt.Errorf("negative image size %dx%d", c.Ny, c.Nx))
	}
	if len(c.Data) != c.Len() {
		errs = append(errs, fmt.Errorf("data has %d elements, shape %v needs %d", len(c.Data), c.Shape(), c.Len()))
	}
	if c.Windows != nil && len(c.Windows) != len(c.Times) {
		errs = append(errs, fmt.Errorf("%d windows for %d times", len(c.Windows), len(c.Times)))
	}
	for i := 1; i < len(c.Times); i++ {
		if !(c.Times[i] > c.Times[i-1]) {
			errs = append(errs, fmt.Errorf("times not strictly increasing at %d", i))
			break
		}
	}
	return errors.Join(errs...)
}
