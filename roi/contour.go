package roi

import (
	"image"
	"math"
)

// Contour is a closed polygon through the centers of the border pixels of a blob. Hole contours
// bound a background region enclosed by a blob.
type Contour struct {
	Points []image.Point
	Hole   bool
}

// Area returns the area enclosed by the polygon.
func (c Contour) Area() float64 {
	n := len(c.Points)
	if n < 3 {
		return 0
	}
	var twice int
	for i, p := range c.Points {
		q := c.Points[(i+1)%n]
		twice += p.X*q.Y - q.X*p.Y
	}
	return math.Abs(float64(twice)) / 2
}

// Bounds returns the smallest rectangle holding every contour pixel.
func (c Contour) Bounds() image.Rectangle {
	if len(c.Points) == 0 {
		return image.Rectangle{}
	}
	r := image.Rectangle{Min: c.Points[0], Max: c.Points[0].Add(image.Pt(1, 1))}
	for _, p := range c.Points[1:] {
		r = r.Union(image.Rectangle{Min: p, Max: p.Add(image.Pt(1, 1))})
	}
	return r
}

// TouchesBorder reports whether any contour pixel lies on the edge of bounds.
func (c Contour) TouchesBorder(bounds image.Rectangle) bool {
	for _, p := range c.Points {
		if p.X <= bounds.Min.X || p.Y <= bounds.Min.Y || p.X >= bounds.Max.X-1 || p.Y >= bounds.Max.Y-1 {
			return true
		}
	}
	return false
}

// Contains reports whether pt lies inside the polygon or on its border.
func (c Contour) Contains(pt image.Point) bool {
	n := len(c.Points)
	inside := false
	for i := 0; i < n; i++ {
		a, b := c.Points[i], c.Points[(i+1)%n]
		if onSegment(pt, a, b) {
			return true
		}
		if (a.Y > pt.Y) != (b.Y > pt.Y) {
			// x coordinate where edge ab crosses the horizontal line through pt
			cross := float64(a.X) + float64(pt.Y-a.Y)*float64(b.X-a.X)/float64(b.Y-a.Y)
			if float64(pt.X) < cross {
				inside = !inside
			}
		}
	}
	return inside
}

func onSegment(p, a, b image.Point) bool {
	d1, d2 := p.Sub(a), b.Sub(a)
	if d1.X*d2.Y-d1.Y*d2.X != 0 {
		return false
	}
	return p.X >= min(a.X, b.X) && p.X <= max(a.X, b.X) && p.Y >= min(a.Y, b.Y) && p.Y <= max(a.Y, b.Y)
}

// ContourExtractor finds the contours of the nonzero blobs of a binary image.
type ContourExtractor interface {
	FindContours(binary *image.Gray) ([]Contour, error)
}
