package instrument

import (
	"math"
	"sort"

	"arsynth/internal/core"
)

// PixelWeight is the share of a strand's emission deposited in pixel (X, Y).
// Weight has units of volume per pixel area (cm), so intensity per unit
// volume times Weight gives the column-integrated contribution.
type PixelWeight struct {
	X, Y   int
	Weight float64
}

// Footprint projects the strand onto g. The path is resampled at spacing ds
// (cm); each segment deposits L*A/(Dx*Dy). A segment thinner than a pixel is
// spread bilinearly over the four nearest pixel centres; a thicker one with a
// normalized Gaussian of sigma equal to its radius. Deposits outside the grid
// are dropped, so a strand fully outside the field of view has an empty
// footprint. The result is sorted by pixel index.
func Footprint(g Grid, st *core.Strand, ds float64) []PixelWeight {
	if g.Nx <= 0 || g.Ny <= 0 {
		return nil
	}
	acc := make(map[int]float64)
	deposit := func(ix, iy int, w float64) {
		if ix < 0 || iy < 0 || ix >= g.Nx || iy >= g.Ny || w == 0 {
			return
		}
		acc[iy*g.Nx+ix] += w
	}
	pitch := math.Min(g.Dx, g.Dy)
	for _, s := range st.Resample(ds) {
		px, py := g.Locate(s.Position)
		w := s.Length * s.Area / (g.Dx * g.Dy)
		radius := math.Sqrt(s.Area / math.Pi)
		if 2*radius < pitch {
			spreadBilinear(px, py, w, deposit)
		} else {
			spreadGaussian(px, py, radius/g.Dx, radius/g.Dy, w, deposit)
		}
	}
	if len(acc) == 0 {
		return nil
	}
	idx := make([]int, 0, len(acc))
	for k := range acc {
		idx = append(idx, k)
	}
	sort.Ints(idx)
	out := make([]PixelWeight, len(idx))
	for i, k := range idx {
		out[i] = PixelWeight{X: k % g.Nx, Y: k / g.Nx, Weight: acc[k]}
	}
	return out
}

func spreadBilinear(px, py, w float64, deposit func(int, int, float64)) {
	fx, fy := px-0.5, py-0.5
	ix, iy := int(math.Floor(fx)), int(math.Floor(fy))
	tx, ty := fx-float64(ix), fy-float64(iy)
	deposit(ix, iy, w*(1-tx)*(1-ty))
	deposit(ix+1, iy, w*tx*(1-ty))
	deposit(ix, iy+1, w*(1-tx)*ty)
	deposit(ix+1, iy+1, w*tx*ty)
}

func spreadGaussian(px, py, sx, sy, w float64, deposit func(int, int, float64)) {
	kx, ky := int(math.Ceil(3*sx)), int(math.Ceil(3*sy))
	cx, cy := int(math.Floor(px)), int(math.Floor(py))
	type cell struct {
		x, y int
		k    float64
	}
	cells := make([]cell, 0, (2*kx+1)*(2*ky+1))
	var norm float64
	for iy := cy - ky; iy <= cy+ky; iy++ {
		dy := (float64(iy) + 0.5 - py) / sy
		for ix := cx - kx; ix <= cx+kx; ix++ {
			dx := (float64(ix) + 0.5 - px) / sx
			k := math.Exp(-0.5 * (dx*dx + dy*dy))
			norm += k
			cells = append(cells, cell{ix, iy, k})
		}
	}
	if norm == 0 {
		return
	}
	for _, c := range cells {
		deposit(c.x, c.y, w*c.k/norm)
	}
}
