// Package rimage holds the frame types passed between the sensor, the stabilizer and consumers.
package rimage

import (
	"image"

	"github.com/pkg/errors"
)

// Depth is the range reading of one sensor pixel in millimeters. Zero means the sensor had no
// reading for that pixel.
type Depth uint16

// MaxDepth is the largest representable depth reading.
const MaxDepth = Depth(65535)

// RawDepthFrame is one tick of unsigned range samples, stored row-major.
type RawDepthFrame struct {
	width  int
	height int
	data   []Depth
}

// NewRawDepthFrame returns a zeroed frame of the given size.
func NewRawDepthFrame(width, height int) *RawDepthFrame {
	return &RawDepthFrame{width: width, height: height, data: make([]Depth, width*height)}
}

// NewRawDepthFrameFromData wraps sensor samples. The slice is copied.
func NewRawDepthFrameFromData(width, height int, data []uint16) (*RawDepthFrame, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid frame size (%d, %d)", width, height)
	}
	if len(data) != width*height {
		return nil, errors.Errorf("frame data has %d samples, expected %d", len(data), width*height)
	}
	frame := NewRawDepthFrame(width, height)
	for i, v := range data {
		frame.data[i] = Depth(v)
	}
	return frame, nil
}

// Width returns the horizontal size of the frame.
func (f *RawDepthFrame) Width() int {
	return f.width
}

// Height returns the vertical size of the frame.
func (f *RawDepthFrame) Height() int {
	return f.height
}

// Bounds returns the rectangle covering the whole frame.
func (f *RawDepthFrame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.width, f.height)
}

// Contains reports whether (x, y) is inside the frame.
func (f *RawDepthFrame) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < f.width && y < f.height
}

func (f *RawDepthFrame) kxy(x, y int) int {
	return y*f.width + x
}

// Get returns the sample at (x, y).
func (f *RawDepthFrame) Get(x, y int) Depth {
	return f.data[f.kxy(x, y)]
}

// Set writes the sample at (x, y).
func (f *RawDepthFrame) Set(x, y int, d Depth) {
	f.data[f.kxy(x, y)] = d
}

// Fill sets every sample of the frame to d.
func (f *RawDepthFrame) Fill(d Depth) {
	for i := range f.data {
		f.data[i] = d
	}
}

// Clone returns a deep copy.
func (f *RawDepthFrame) Clone() *RawDepthFrame {
	out := &RawDepthFrame{width: f.width, height: f.height, data: make([]Depth, len(f.data))}
	copy(out.data, f.data)
	return out
}
