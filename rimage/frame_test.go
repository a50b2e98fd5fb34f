package rimage

import (
	"image"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
)

func TestRawDepthFrameFromData(t *testing.T) {
	_, err := NewRawDepthFrameFromData(0, 2, nil)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewRawDepthFrameFromData(2, 2, []uint16{1, 2, 3})
	test.That(t, err, test.ShouldNotBeNil)

	data := []uint16{1, 2, 3, 4, 5, 6}
	f, err := NewRawDepthFrameFromData(3, 2, data)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Bounds(), test.ShouldResemble, image.Rect(0, 0, 3, 2))
	test.That(t, f.Get(2, 1), test.ShouldEqual, Depth(6))

	data[5] = 100
	test.That(t, f.Get(2, 1), test.ShouldEqual, Depth(6))

	c := f.Clone()
	c.Set(0, 0, 42)
	test.That(t, f.Get(0, 0), test.ShouldEqual, Depth(1))
	test.That(t, f.Contains(3, 0), test.ShouldBeFalse)
}

func TestFilteredToGray(t *testing.T) {
	f := NewFilteredDepthFrame(4, 1)
	f.Set(0, 0, 1000)
	f.Set(1, 0, 1500)
	f.Set(2, 0, 2000)
	f.Set(3, 0, 0)

	img := f.ToGray(f.Bounds(), 1000, 2000)
	test.That(t, img.GrayAt(0, 0).Y, test.ShouldEqual, uint8(255))
	test.That(t, img.GrayAt(1, 0).Y, test.ShouldEqual, uint8(128))
	test.That(t, img.GrayAt(2, 0).Y, test.ShouldEqual, uint8(0))
	test.That(t, img.GrayAt(3, 0).Y, test.ShouldEqual, uint8(0))

	img = f.ToGray(image.Rect(1, 0, 2, 1), 1000, 2000)
	test.That(t, img.GrayAt(0, 0).Y, test.ShouldEqual, uint8(0))
	test.That(t, img.GrayAt(1, 0).Y, test.ShouldEqual, uint8(128))

	test.That(t, f.Clamped(-5, 9), test.ShouldEqual, float32(1000))
}

func TestGradientFieldCells(t *testing.T) {
	g := NewGradientField(10, 5, 4)
	test.That(t, g.Cols(), test.ShouldEqual, 3)
	test.That(t, g.Rows(), test.ShouldEqual, 2)

	g.SetCell(2, 1, r2.Point{X: 1, Y: -1})
	test.That(t, g.At(9, 4), test.ShouldResemble, r2.Point{X: 1, Y: -1})
	test.That(t, g.At(50, 50), test.ShouldResemble, r2.Point{X: 1, Y: -1})
	test.That(t, g.At(0, 0), test.ShouldResemble, r2.Point{})

	c := g.Clone()
	c.SetCell(2, 1, r2.Point{})
	test.That(t, g.Cell(2, 1), test.ShouldResemble, r2.Point{X: 1, Y: -1})
}
