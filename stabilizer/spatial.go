package stabilizer

import (
	"image"

	"github.com/arsandbox/sandcore/rimage"
)

const spatialIterations = 2

// applySpatialFilter smooths the output inside the ROI with a 1-2-1 kernel, rows first then
// columns. Taps falling outside the ROI or on empty pixels are dropped and the remaining weights
// renormalized; empty pixels stay empty.
func (s *Stabilizer) applySpatialFilter() {
	for i := 0; i < spatialIterations; i++ {
		smoothPass(s.output, s.scratch, s.cfg.ROI, image.Pt(1, 0))
		copyRect(s.output, s.scratch, s.cfg.ROI)
		smoothPass(s.output, s.scratch, s.cfg.ROI, image.Pt(0, 1))
		copyRect(s.output, s.scratch, s.cfg.ROI)
	}
}

func smoothPass(src, dst *rimage.FilteredDepthFrame, roi image.Rectangle, step image.Point) {
	for y := roi.Min.Y; y < roi.Max.Y; y++ {
		for x := roi.Min.X; x < roi.Max.X; x++ {
			center := src.Get(x, y)
			if center == 0 {
				dst.Set(x, y, 0)
				continue
			}
			acc := 2 * center
			weight := float32(2)
			for _, p := range [2]image.Point{image.Pt(x-step.X, y-step.Y), image.Pt(x+step.X, y+step.Y)} {
				if !p.In(roi) {
					continue
				}
				if v := src.Get(p.X, p.Y); v != 0 {
					acc += v
					weight++
				}
			}
			dst.Set(x, y, acc/weight)
		}
	}
}

func copyRect(dst, src *rimage.FilteredDepthFrame, roi image.Rectangle) {
	for y := roi.Min.Y; y < roi.Max.Y; y++ {
		copy(dst.Row(y)[roi.Min.X:roi.Max.X], src.Row(y)[roi.Min.X:roi.Max.X])
	}
}
