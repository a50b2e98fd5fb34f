// Package plane fits planes to world points. It is used for the base (sea level) plane of the
// sandbox and for the ceiling plane that cuts off props held above the surface.
package plane

import (
	"image"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

var (
	// ErrTooFewPoints is returned when fewer than three points are given to Fit.
	ErrTooFewPoints = errors.New("at least 3 points are needed to fit a plane")
	// ErrDegenerate is returned when the points are collinear or coincident.
	ErrDegenerate = errors.New("points do not define a plane")
)

// Plane is the set of points p with Normal·p + Offset = 0. Normal has unit length.
type Plane struct {
	Normal r3.Vector `json:"normal"`
	Offset float64   `json:"offset"`
}

// New returns the plane through point with the given normal. The normal is normalized.
func New(normal, point r3.Vector) Plane {
	n := normal.Normalize()
	return Plane{Normal: n, Offset: -n.Dot(point)}
}

// Equation returns the coefficients [a, b, c, d] of ax + by + cz + d = 0.
func (p Plane) Equation() [4]float64 {
	return [4]float64{p.Normal.X, p.Normal.Y, p.Normal.Z, p.Offset}
}

// Valid reports whether the plane has a unit normal and finite coefficients.
func (p Plane) Valid() bool {
	for _, v := range p.Equation() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return math.Abs(p.Normal.Norm()-1) < 1e-6
}

// Distance is the signed distance from pt to the plane, positive on the side the normal points to.
func (p Plane) Distance(pt r3.Vector) float64 {
	return p.Normal.Dot(pt) + p.Offset
}

// Intersect returns the point where the line through p0 and p1 crosses the plane, or nil when the
// line is parallel to it.
func (p Plane) Intersect(p0, p1 r3.Vector) *r3.Vector {
	dir := p1.Sub(p0)
	denom := p.Normal.Dot(dir)
	if math.Abs(denom) < 1e-12 {
		return nil
	}
	t := -p.Distance(p0) / denom
	result := p0.Add(dir.Mul(t))
	return &result
}

// Shift returns a parallel plane moved by d along the normal.
func (p Plane) Shift(d float64) Plane {
	return Plane{Normal: p.Normal, Offset: p.Offset - d}
}

type axis int

const (
	axisX axis = iota
	axisY
	axisZ
)

// Fit returns the least squares plane through points. Of the three systems obtained by fixing
// one normal component, the one with the largest determinant is solved. The normal is oriented
// towards +Z, away from the sensor.
func Fit(points []r3.Vector) (Plane, error) {
	p, _, err := fit(points)
	return p, err
}

func fit(points []r3.Vector) (Plane, axis, error) {
	if len(points) < 3 {
		return Plane{}, 0, errors.Wrapf(ErrTooFewPoints, "got %d", len(points))
	}
	var centroid r3.Vector
	for _, pt := range points {
		centroid = centroid.Add(pt)
	}
	centroid = centroid.Mul(1 / float64(len(points)))

	var xx, xy, xz, yy, yz, zz float64
	for _, pt := range points {
		r := pt.Sub(centroid)
		xx += r.X * r.X
		xy += r.X * r.Y
		xz += r.X * r.Z
		yy += r.Y * r.Y
		yz += r.Y * r.Z
		zz += r.Z * r.Z
	}

	detX := yy*zz - yz*yz
	detY := xx*zz - xz*xz
	detZ := xx*yy - xy*xy

	trace := xx + yy + zz
	best := math.Max(detX, math.Max(detY, detZ))
	if trace == 0 || best <= 1e-12*trace*trace {
		return Plane{}, 0, ErrDegenerate
	}

	var n r3.Vector
	var branch axis
	switch best {
	case detX:
		n = r3.Vector{X: detX, Y: xz*yz - xy*zz, Z: xy*yz - xz*yy}
		branch = axisX
	case detY:
		n = r3.Vector{X: xz*yz - xy*zz, Y: detY, Z: xy*xz - yz*xx}
		branch = axisY
	default:
		n = r3.Vector{X: xy*yz - xz*yy, Y: xy*xz - yz*xx, Z: detZ}
		branch = axisZ
	}
	n = n.Normalize()
	if n.Z < 0 {
		n = n.Mul(-1)
	}
	return Plane{Normal: n, Offset: -n.Dot(centroid)}, branch, nil
}

// WorldSource yields the world point seen at a sensor pixel, and false when the pixel has no
// valid depth.
type WorldSource interface {
	WorldPoint(x, y int) (r3.Vector, bool)
}

// FitDepthRegion fits a plane to the world points of every step-th pixel of rect.
func FitDepthRegion(src WorldSource, rect image.Rectangle, step int) (Plane, error) {
	if step < 1 {
		step = 1
	}
	var points []r3.Vector
	for y := rect.Min.Y; y < rect.Max.Y; y += step {
		for x := rect.Min.X; x < rect.Max.X; x += step {
			if pt, ok := src.WorldPoint(x, y); ok {
				points = append(points, pt)
			}
		}
	}
	p, err := Fit(points)
	if err != nil {
		return Plane{}, errors.Wrapf(err, "cannot fit plane to region %v", rect)
	}
	return p, nil
}
