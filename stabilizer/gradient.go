package stabilizer

import (
	"image"

	"github.com/golang/geo/r2"

	"github.com/arsandbox/sandcore/rimage"
)

// Gradient summarizes the slope of filtered over every GradientResolution square cell that
// intersects the ROI. Each cell holds the mean forward difference along x and along y of its
// valid sample pairs, with the vector length clamped to MaxGradient. Cells outside the ROI are
// zero. The returned field is reused by the next call.
func (s *Stabilizer) Gradient(filtered *rimage.FilteredDepthFrame) *rimage.GradientField {
	return summarizeGradient(filtered, s.gradient, s.cfg.ROI, s.cfg.MaxGradient)
}

func summarizeGradient(
	filtered *rimage.FilteredDepthFrame,
	field *rimage.GradientField,
	roi image.Rectangle,
	maxGradient float64,
) *rimage.GradientField {
	res := field.Resolution()
	for cy := 0; cy < field.Rows(); cy++ {
		for cx := 0; cx < field.Cols(); cx++ {
			cell := image.Rect(cx*res, cy*res, (cx+1)*res, (cy+1)*res).Intersect(roi)
			if cell.Empty() {
				field.SetCell(cx, cy, r2.Point{})
				continue
			}
			field.SetCell(cx, cy, clampLength(cellGradient(filtered, cell, roi), maxGradient))
		}
	}
	return field
}

func cellGradient(filtered *rimage.FilteredDepthFrame, cell, roi image.Rectangle) r2.Point {
	var sx, sy float64
	var nx, ny int
	for y := cell.Min.Y; y < cell.Max.Y; y++ {
		for x := cell.Min.X; x < cell.Max.X; x++ {
			d := filtered.Get(x, y)
			if d == 0 {
				continue
			}
			if x+1 < roi.Max.X {
				if r := filtered.Get(x+1, y); r != 0 {
					sx += float64(r - d)
					nx++
				}
			}
			if y+1 < roi.Max.Y {
				if b := filtered.Get(x, y+1); b != 0 {
					sy += float64(b - d)
					ny++
				}
			}
		}
	}
	var g r2.Point
	if nx > 0 {
		g.X = sx / float64(nx)
	}
	if ny > 0 {
		g.Y = sy / float64(ny)
	}
	return g
}

func clampLength(v r2.Point, limit float64) r2.Point {
	if limit <= 0 {
		return v
	}
	if n := v.Norm(); n > limit {
		return v.Mul(limit / n)
	}
	return v
}
