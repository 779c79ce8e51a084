package instrument

import (
	"math"

	"arsynth/internal/core"
)

// FieldOfView bounds the image plane in arcsec.
type FieldOfView struct {
	XMin float64 `json:"x_min" toml:"x_min" yaml:"x_min"`
	XMax float64 `json:"x_max" toml:"x_max" yaml:"x_max"`
	YMin float64 `json:"y_min" toml:"y_min" yaml:"y_min"`
	YMax float64 `json:"y_max" toml:"y_max" yaml:"y_max"`
}

// Grid is the detector pixel grid expressed in the skeleton's length units.
//
// Image-plane coordinates of a point r are (r·U, r·V); pixel (i, j) covers
// [X0+i*Dx, X0+(i+1)*Dx) x [Y0+j*Dy, Y0+(j+1)*Dy).
type Grid struct {
	Nx, Ny int
	Dx, Dy float64 // cm
	X0, Y0 float64 // cm
	U, V   core.Vec3
}

// NewGrid derives the pixel grid of fov at pixel scale (arcsec/pixel) seen
// along lineOfSight, converting angles through the skeleton.
func NewGrid(sk *core.Skeleton, fov FieldOfView, scaleX, scaleY float64, lineOfSight core.Vec3) Grid {
	u, v := imagePlane(lineOfSight)
	return Grid{
		Nx: int(math.Ceil((fov.XMax-fov.XMin)/scaleX - 1e-9)),
		Ny: int(math.Ceil((fov.YMax-fov.YMin)/scaleY - 1e-9)),
		Dx: sk.ConvertAngleToLength(scaleX),
		Dy: sk.ConvertAngleToLength(scaleY),
		X0: sk.ConvertAngleToLength(fov.XMin),
		Y0: sk.ConvertAngleToLength(fov.YMin),
		U:  u,
		V:  v,
	}
}

// Pixels returns Nx*Ny.
func (g Grid) Pixels() int { return g.Nx * g.Ny }

// Locate returns the continuous pixel coordinates of p; pixel centres sit at
// half-integers.
func (g Grid) Locate(p core.Vec3) (float64, float64) {
	return (p.Dot(g.U) - g.X0) / g.Dx, (p.Dot(g.V) - g.Y0) / g.Dy
}

// imagePlane returns an orthonormal basis (u, v) perpendicular to the line of
// sight. Looking down -z gives u = +x and v = +y.
func imagePlane(los core.Vec3) (core.Vec3, core.Vec3) {
	l := los.Unit()
	if l.Norm() == 0 {
		l = core.Vec3{Z: -1}
	}
	up := core.Vec3{Y: 1}
	if math.Abs(l.Z) < 1-1e-9 {
		up = core.Vec3{Z: 1}
	}
	u := l.Cross(up).Unit()
	v := u.Cross(l).Unit()
	return u, v
}
