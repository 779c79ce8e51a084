package cube

import (
	"fmt"
	"math"
	"slices"
)

// Group names a set of channel indices summed into one binned channel.
type Group struct {
	Name    string
	Members []int
}

// Sum adds xs with Neumaier compensation. The result is within a few ulps of
// the exact sum for any ordering of xs.
func Sum(xs []float64) float64 {
	var sum, comp float64
	for _, x := range xs {
		t := sum + x
		if math.Abs(sum) >= math.Abs(x) {
			comp += (sum - t) + x
		} else {
			comp += (x - t) + sum
		}
		sum = t
	}
	return sum + comp
}

// Bin sums the time samples of c falling in each half-open window and the
// channels of each group. Source samples are gathered in index order and
// summed with Sum. The result has one time sample per window, labelled with
// the window start; windows with no samples are zero.
func Bin(c *Cube, windows [][2]float64, groups []Group) (*Cube, error) {
	for gi, g := range groups {
		if len(g.Members) == 0 {
			return nil, fmt.Errorf("cube %s: group %q is empty", c.Instrument, g.Name)
		}
		for _, m := range g.Members {
			if m < 0 || m >= len(c.Channels) {
				return nil, fmt.Errorf("cube %s: group %d references channel %d of %d", c.Instrument, gi, m, len(c.Channels))
			}
		}
	}
	members := make([][]int, len(windows))
	times := make([]float64, len(windows))
	for w, win := range windows {
		if !(win[1] > win[0]) {
			return nil, fmt.Errorf("cube %s: empty exposure window [%g, %g)", c.Instrument, win[0], win[1])
		}
		if w > 0 && !(win[0] >= windows[w-1][1]) {
			return nil, fmt.Errorf("cube %s: exposure windows overlap at %d", c.Instrument, w)
		}
		times[w] = win[0]
		for t, ts := range c.Times {
			if ts >= win[0] && ts < win[1] {
				members[w] = append(members[w], t)
			}
		}
	}

	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = g.Name
	}
	out := New(c.Instrument, StageBinned, names, times, c.Ny, c.Nx)
	out.Windows = slices.Clone(windows)

	pixels := c.Ny * c.Nx
	buf := make([]float64, 0, 64)
	for g, grp := range groups {
		for w := range windows {
			dst := out.Frame(g, w)
			for p := 0; p < pixels; p++ {
				buf = buf[:0]
				for _, ch := range grp.Members {
					for _, t := range members[w] {
						buf = append(buf, c.Frame(ch, t)[p])
					}
				}
				dst[p] = Sum(buf)
			}
		}
	}
	return out, nil
}
