package rimage

import (
	"image"
	"math"
)

// FilteredDepthFrame is the stabilized height field: one float depth per sensor pixel, row-major.
// A value of zero means no valid depth has been accepted for that pixel yet.
type FilteredDepthFrame struct {
	width  int
	height int
	data   []float32
}

// NewFilteredDepthFrame returns a zeroed frame of the given size.
func NewFilteredDepthFrame(width, height int) *FilteredDepthFrame {
	return &FilteredDepthFrame{width: width, height: height, data: make([]float32, width*height)}
}

// Width returns the horizontal size of the frame.
func (f *FilteredDepthFrame) Width() int {
	return f.width
}

// Height returns the vertical size of the frame.
func (f *FilteredDepthFrame) Height() int {
	return f.height
}

// Bounds returns the rectangle covering the whole frame.
func (f *FilteredDepthFrame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.width, f.height)
}

// Contains reports whether (x, y) is inside the frame.
func (f *FilteredDepthFrame) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < f.width && y < f.height
}

// Get returns the filtered depth at (x, y).
func (f *FilteredDepthFrame) Get(x, y int) float32 {
	return f.data[y*f.width+x]
}

// Set writes the filtered depth at (x, y).
func (f *FilteredDepthFrame) Set(x, y int, v float32) {
	f.data[y*f.width+x] = v
}

// Clamped returns the depth at the nearest in-bounds pixel to (x, y).
func (f *FilteredDepthFrame) Clamped(x, y int) float32 {
	x = ClampInt(x, 0, f.width-1)
	y = ClampInt(y, 0, f.height-1)
	return f.Get(x, y)
}

// Row returns the backing slice of row y.
func (f *FilteredDepthFrame) Row(y int) []float32 {
	return f.data[y*f.width : (y+1)*f.width]
}

// CopyFrom overwrites the frame with src. Both frames must have the same size.
func (f *FilteredDepthFrame) CopyFrom(src *FilteredDepthFrame) {
	copy(f.data, src.data)
}

// Clone returns a deep copy.
func (f *FilteredDepthFrame) Clone() *FilteredDepthFrame {
	out := NewFilteredDepthFrame(f.width, f.height)
	copy(out.data, f.data)
	return out
}

// ToGray maps depths inside rect to an 8 bit image where near is bright and far is dark.
// Pixels outside rect and pixels without depth are black.
func (f *FilteredDepthFrame) ToGray(rect image.Rectangle, near, far float64) *image.Gray {
	img := image.NewGray(f.Bounds())
	rect = rect.Intersect(f.Bounds())
	span := far - near
	if span <= 0 {
		return img
	}
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			d := float64(f.Get(x, y))
			if d <= 0 {
				continue
			}
			v := 255 * (far - d) / span
			img.Pix[img.PixOffset(x, y)] = uint8(math.Max(0, math.Min(255, math.Round(v))))
		}
	}
	return img
}

// ClampInt clamps v into [lo, hi].
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
