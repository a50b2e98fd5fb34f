package roi

import (
	"image"
)

// mooreDirs lists the eight neighbors clockwise, starting west.
var mooreDirs = [8]image.Point{
	{-1, 0}, {-1, -1}, {0, -1}, {1, -1}, {1, 0}, {1, 1}, {0, 1}, {-1, 1},
}

func dirIndex(d image.Point) int {
	for i, m := range mooreDirs {
		if m == d {
			return i
		}
	}
	return 0
}

// BorderFollower is a ContourExtractor that labels the 8-connected foreground blobs of the image,
// traces the outer border of each, and traces one hole contour for every 4-connected background
// region that does not reach the image edge.
type BorderFollower struct{}

// FindContours implements ContourExtractor.
func (BorderFollower) FindContours(binary *image.Gray) ([]Contour, error) {
	bounds := binary.Bounds()
	fg := func(p image.Point) bool {
		return p.In(bounds) && binary.GrayAt(p.X, p.Y).Y != 0
	}
	bg := func(p image.Point) bool {
		return p.In(bounds) && binary.GrayAt(p.X, p.Y).Y == 0
	}

	var contours []Contour
	for _, blob := range label(bounds, fg, true) {
		contours = append(contours, Contour{Points: traceBorder(blob.member, blob.start, blob.size)})
	}
	for _, region := range label(bounds, bg, false) {
		if region.touchesEdge {
			continue
		}
		contours = append(contours, Contour{Points: traceBorder(region.member, region.start, region.size), Hole: true})
	}
	return contours, nil
}

type component struct {
	start       image.Point
	size        int
	touchesEdge bool
	member      func(image.Point) bool
}

// label groups the pixels accepted by in into connected components, in raster order of their
// first pixel.
func label(bounds image.Rectangle, in func(image.Point) bool, eight bool) []component {
	w := bounds.Dx()
	labels := make([]int32, w*bounds.Dy())
	at := func(p image.Point) *int32 {
		return &labels[(p.Y-bounds.Min.Y)*w+p.X-bounds.Min.X]
	}
	steps := []image.Point{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}
	if eight {
		steps = mooreDirs[:]
	}

	var comps []component
	var queue []image.Point
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			p := image.Pt(x, y)
			if *at(p) != 0 || !in(p) {
				continue
			}
			id := int32(len(comps) + 1)
			comp := component{start: p}
			*at(p) = id
			queue = append(queue[:0], p)
			for len(queue) > 0 {
				q := queue[len(queue)-1]
				queue = queue[:len(queue)-1]
				comp.size++
				if q.X == bounds.Min.X || q.Y == bounds.Min.Y || q.X == bounds.Max.X-1 || q.Y == bounds.Max.Y-1 {
					comp.touchesEdge = true
				}
				for _, s := range steps {
					n := q.Add(s)
					if n.In(bounds) && *at(n) == 0 && in(n) {
						*at(n) = id
						queue = append(queue, n)
					}
				}
			}
			comp.member = func(p image.Point) bool {
				return p.In(bounds) && *at(p) == id
			}
			comps = append(comps, comp)
		}
	}
	return comps
}

// traceBorder walks the border of the component holding start clockwise with Moore neighbor
// tracing. start must be the first component pixel in raster order, so its west neighbor is
// outside the component. Tracing stops when it is about to repeat its first step.
func traceBorder(member func(image.Point) bool, start image.Point, size int) []image.Point {
	contour := []image.Point{start}
	c, b := start, start.Add(mooreDirs[0])
	var second image.Point
	hasSecond := false
	for iter := 0; iter < 8*size+8; iter++ {
		k := dirIndex(b.Sub(c))
		found := false
		var next, backtrack image.Point
		for i := 1; i <= 8; i++ {
			if n := c.Add(mooreDirs[(k+i)%8]); member(n) {
				next = n
				backtrack = c.Add(mooreDirs[(k+i-1)%8])
				found = true
				break
			}
		}
		if !found {
			return contour
		}
		if !hasSecond {
			second, hasSecond = next, true
		} else if c == start && next == second {
			return contour
		}
		c, b = next, backtrack
		if c != start {
			contour = append(contour, c)
		}
	}
	return contour
}
