package transform

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ReferencePoint is a world point reported by the sensor for a pixel at a known depth.
type ReferencePoint struct {
	PixelX float64 `json:"pixel_x"`
	PixelY float64 `json:"pixel_y"`
	Depth  float64 `json:"depth"`
	WorldX float64 `json:"world_x"`
	WorldY float64 `json:"world_y"`
	WorldZ float64 `json:"world_z"`
}

// WorldMatrix back-projects a sensor pixel and its depth d into world space by multiplying the
// homogeneous vector (x·d, y·d, d, 1).
type WorldMatrix struct {
	m *mat.Dense
}

// NewWorldMatrixFromReferences derives the world matrix from two reference points that differ
// in both pixel coordinates.
func NewWorldMatrixFromReferences(p1, p2 ReferencePoint) (WorldMatrix, error) {
	if p1.Depth <= 0 || p2.Depth <= 0 {
		return WorldMatrix{}, errors.New("reference depths must be positive")
	}
	if p1.PixelX == p2.PixelX || p1.PixelY == p2.PixelY {
		return WorldMatrix{}, errors.New("reference points must differ in both pixel coordinates")
	}
	rx1, ry1 := p1.WorldX/p1.Depth, p1.WorldY/p1.Depth
	rx2, ry2 := p2.WorldX/p2.Depth, p2.WorldY/p2.Depth
	sx := (rx2 - rx1) / (p2.PixelX - p1.PixelX)
	sy := (ry2 - ry1) / (p2.PixelY - p1.PixelY)
	sz := p1.WorldZ / p1.Depth
	if sx == 0 || sy == 0 || sz == 0 {
		return WorldMatrix{}, errors.New("reference points do not span world space")
	}
	m := mat.NewDense(4, 4, []float64{
		sx, 0, rx1 - sx*p1.PixelX, 0,
		0, sy, ry1 - sy*p1.PixelY, 0,
		0, 0, sz, 0,
		0, 0, 0, 1,
	})
	return WorldMatrix{m: m}, nil
}

// NewWorldMatrixFromIntrinsics derives the world matrix of a pinhole sensor.
func NewWorldMatrixFromIntrinsics(params *Intrinsics) (WorldMatrix, error) {
	if err := params.CheckValid(); err != nil {
		return WorldMatrix{}, err
	}
	return NewWorldMatrixFromReferences(params.ReferencePoints())
}

// IsZero reports whether the matrix has not been initialized.
func (w WorldMatrix) IsZero() bool {
	return w.m == nil
}

// At returns the matrix entry (i, j).
func (w WorldMatrix) At(i, j int) float64 {
	return w.m.At(i, j)
}

// Apply returns the world point of pixel (x, y) at depth d.
func (w WorldMatrix) Apply(x, y, d float64) r3.Vector {
	m := w.m
	return r3.Vector{
		X: (m.At(0, 0)*x+m.At(0, 1)*y+m.At(0, 2))*d + m.At(0, 3),
		Y: (m.At(1, 0)*x+m.At(1, 1)*y+m.At(1, 2))*d + m.At(1, 3),
		Z: (m.At(2, 0)*x+m.At(2, 1)*y+m.At(2, 2))*d + m.At(2, 3),
	}
}

// Ray returns the world direction of pixel (x, y), the point seen at unit depth.
func (w WorldMatrix) Ray(x, y float64) r3.Vector {
	m := w.m
	return r3.Vector{
		X: m.At(0, 0)*x + m.At(0, 1)*y + m.At(0, 2),
		Y: m.At(1, 0)*x + m.At(1, 1)*y + m.At(1, 2),
		Z: m.At(2, 0)*x + m.At(2, 1)*y + m.At(2, 2),
	}
}

// Pixel is the inverse of Apply: it returns the pixel and depth of a world point. ok is false for
// points the sensor cannot see.
func (w WorldMatrix) Pixel(p r3.Vector) (x, y, d float64, ok bool) {
	var inv mat.Dense
	if err := inv.Inverse(w.m); err != nil {
		return 0, 0, 0, false
	}
	h := mat.NewVecDense(4, []float64{p.X, p.Y, p.Z, 1})
	var out mat.VecDense
	out.MulVec(&inv, h)
	d = out.AtVec(2)
	if d <= 0 || math.IsNaN(d) {
		return 0, 0, 0, false
	}
	return out.AtVec(0) / d, out.AtVec(1) / d, d, true
}
