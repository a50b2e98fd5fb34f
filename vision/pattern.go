// Package vision describes the fiducial pattern projected during calibration and the detector
// that finds it again in the sensor's color frame.
package vision

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/golang/geo/r2"
)

// PatternDetector finds the interior corners of a checkerboard with grid.X × grid.Y interior
// corners. Corners are returned row by row in image coordinates of img, with sub-pixel accuracy.
type PatternDetector interface {
	Detect(img *image.Gray, grid image.Point) (corners []r2.Point, found bool)
}

// Checkerboard is the pattern drawn by the projector. Grid counts interior corners.
type Checkerboard struct {
	Grid   image.Point `json:"grid"`
	Square float64     `json:"square"`
}

// DefaultCheckerboard is a 5×4 interior corner board of 60 pixel squares.
func DefaultCheckerboard() Checkerboard {
	return Checkerboard{Grid: image.Pt(5, 4), Square: 60}
}

// Extent returns the width and height of the whole board.
func (c Checkerboard) Extent() r2.Point {
	return r2.Point{X: float64(c.Grid.X+1) * c.Square, Y: float64(c.Grid.Y+1) * c.Square}
}

// Corners returns the interior corners, row by row, of the board centered on center.
func (c Checkerboard) Corners(center r2.Point) []r2.Point {
	origin := center.Sub(c.Extent().Mul(0.5))
	corners := make([]r2.Point, 0, c.Grid.X*c.Grid.Y)
	for j := 1; j <= c.Grid.Y; j++ {
		for i := 1; i <= c.Grid.X; i++ {
			corners = append(corners, origin.Add(r2.Point{X: float64(i) * c.Square, Y: float64(j) * c.Square}))
		}
	}
	return corners
}

// Bounds returns the pixel rectangle covered by the board centered on center.
func (c Checkerboard) Bounds(center r2.Point) image.Rectangle {
	ext := c.Extent()
	minX := int(math.Round(center.X - ext.X/2))
	minY := int(math.Round(center.Y - ext.Y/2))
	return image.Rect(minX, minY, minX+int(math.Round(ext.X)), minY+int(math.Round(ext.Y)))
}

// Render draws the board centered on center onto dst, on a white margin of one square.
func (c Checkerboard) Render(dst draw.Image, center r2.Point) {
	board := c.Bounds(center)
	margin := int(c.Square)
	draw.Draw(dst, board.Inset(-margin), image.NewUniform(color.White), image.Point{}, draw.Src)
	sq := int(math.Round(c.Square))
	for j := 0; j <= c.Grid.Y; j++ {
		for i := 0; i <= c.Grid.X; i++ {
			if (i+j)%2 == 1 {
				continue
			}
			r := image.Rect(board.Min.X+i*sq, board.Min.Y+j*sq, board.Min.X+(i+1)*sq, board.Min.Y+(j+1)*sq)
			draw.Draw(dst, r, image.NewUniform(color.Black), image.Point{}, draw.Src)
		}
	}
}

// ToGray converts a color frame to 8 bit luminance, keeping its bounds.
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	out := image.NewGray(img.Bounds())
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Src)
	return out
}
