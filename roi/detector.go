// Package roi finds the working surface of the sandbox in a depth image.
package roi

import (
	"image"
	"math"

	"github.com/pkg/errors"

	"github.com/arsandbox/sandcore/rimage"
)

// ErrNotFound is returned when no blob contains the image center at any cutoff.
var ErrNotFound = errors.New("no contour contains the image center")

// DefaultCutoffs sweeps the gray range in steps of 10.
func DefaultCutoffs() []uint8 {
	cutoffs := make([]uint8, 0, 25)
	for c := 10; c < 256; c += 10 {
		cutoffs = append(cutoffs, uint8(c))
	}
	return cutoffs
}

// Threshold returns a binary image that is 255 where img is at or below cutoff.
func Threshold(img *image.Gray, cutoff uint8) *image.Gray {
	out := image.NewGray(img.Bounds())
	for i, v := range img.Pix {
		if v <= cutoff {
			out.Pix[i] = 255
		}
	}
	return out
}

// Detect sweeps cutoffs in order. At each level it keeps the smallest blob that contains the
// image center and does not touch the image border; the bounding box of the largest such blob
// over all levels is returned, clipped to the image.
func Detect(img *image.Gray, cutoffs []uint8, extractor ContourExtractor) (image.Rectangle, error) {
	bounds := img.Bounds()
	center := image.Pt((bounds.Min.X+bounds.Max.X)/2, (bounds.Min.Y+bounds.Max.Y)/2)

	var best *Contour
	bestArea := -1.0
	for _, cutoff := range cutoffs {
		contours, err := extractor.FindContours(Threshold(img, cutoff))
		if err != nil {
			return image.Rectangle{}, errors.Wrapf(err, "cannot extract contours at cutoff %d", cutoff)
		}
		var levelBest *Contour
		levelArea := math.Inf(1)
		for i := range contours {
			c := &contours[i]
			if c.Hole || c.TouchesBorder(bounds) || !c.Contains(center) {
				continue
			}
			if a := c.Area(); a < levelArea {
				levelBest, levelArea = c, a
			}
		}
		if levelBest != nil && levelArea > bestArea {
			best, bestArea = levelBest, levelArea
		}
	}
	if best == nil {
		return image.Rectangle{}, ErrNotFound
	}
	return best.Bounds().Intersect(bounds), nil
}

// DepthToGray renders the filtered depth inside rect so that the farthest valid depth is black
// and the nearest is white. Pixels without depth and outside rect are black.
func DepthToGray(filtered *rimage.FilteredDepthFrame, rect image.Rectangle) *image.Gray {
	rect = rect.Intersect(filtered.Bounds())
	near, far := math.Inf(1), math.Inf(-1)
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for _, d := range filtered.Row(y)[rect.Min.X:rect.Max.X] {
			if d <= 0 {
				continue
			}
			near = math.Min(near, float64(d))
			far = math.Max(far, float64(d))
		}
	}
	if math.IsInf(near, 0) || far <= near {
		return image.NewGray(filtered.Bounds())
	}
	return filtered.ToGray(rect, near, far)
}
