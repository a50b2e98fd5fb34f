package rimage

import (
	"github.com/golang/geo/r2"
)

// GradientField is a coarse grid of slope vectors, one per Resolution×Resolution block of pixels.
type GradientField struct {
	resolution int
	cols       int
	rows       int
	data       []r2.Point
}

// NewGradientField allocates a field covering a width×height frame.
func NewGradientField(width, height, resolution int) *GradientField {
	if resolution <= 0 {
		resolution = 1
	}
	cols := (width + resolution - 1) / resolution
	rows := (height + resolution - 1) / resolution
	return &GradientField{resolution: resolution, cols: cols, rows: rows, data: make([]r2.Point, cols*rows)}
}

// Resolution is the size in pixels of one cell side.
func (g *GradientField) Resolution() int {
	return g.resolution
}

// Cols returns the number of cells per row.
func (g *GradientField) Cols() int {
	return g.cols
}

// Rows returns the number of cell rows.
func (g *GradientField) Rows() int {
	return g.rows
}

// Cell returns the vector of cell (cx, cy).
func (g *GradientField) Cell(cx, cy int) r2.Point {
	return g.data[cy*g.cols+cx]
}

// SetCell writes the vector of cell (cx, cy).
func (g *GradientField) SetCell(cx, cy int, v r2.Point) {
	g.data[cy*g.cols+cx] = v
}

// At returns the vector of the cell containing sensor pixel (x, y). Out of range pixels are
// clamped to the nearest cell.
func (g *GradientField) At(x, y int) r2.Point {
	cx := ClampInt(x/g.resolution, 0, g.cols-1)
	cy := ClampInt(y/g.resolution, 0, g.rows-1)
	return g.Cell(cx, cy)
}

// Clone returns a deep copy.
func (g *GradientField) Clone() *GradientField {
	out := &GradientField{resolution: g.resolution, cols: g.cols, rows: g.rows, data: make([]r2.Point, len(g.data))}
	copy(out.data, g.data)
	return out
}
