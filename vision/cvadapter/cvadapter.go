//go:build !notc

// Package cvadapter backs the pattern detector and the contour extractor with OpenCV.
package cvadapter

import (
	"image"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/arsandbox/sandcore/roi"
	"github.com/arsandbox/sandcore/vision"
)

// grayMat copies img into a new single channel Mat. The caller must Close it.
func grayMat(img *image.Gray) (gocv.Mat, error) {
	b := img.Bounds()
	pix := img.Pix
	if img.Stride != b.Dx() || len(pix) != b.Dx()*b.Dy() {
		compact := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		for y := 0; y < b.Dy(); y++ {
			copy(compact.Pix[y*b.Dx():(y+1)*b.Dx()], img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):])
		}
		pix = compact.Pix
	}
	return gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC1, pix)
}

// ChessboardDetector finds checkerboard corners with cv::findChessboardCorners and refines them
// with cv::cornerSubPix.
type ChessboardDetector struct {
	Flags      gocv.CalibCBFlag
	RefineWin  image.Point
	Iterations int
	Epsilon    float64
}

// NewChessboardDetector returns a detector with the usual refinement settings.
func NewChessboardDetector() *ChessboardDetector {
	return &ChessboardDetector{
		Flags:      gocv.CalibCBAdaptiveThresh | gocv.CalibCBNormalizeImage | gocv.CalibCBFastCheck,
		RefineWin:  image.Pt(11, 11),
		Iterations: 30,
		Epsilon:    0.1,
	}
}

var _ vision.PatternDetector = (*ChessboardDetector)(nil)

// Detect implements vision.PatternDetector.
func (d *ChessboardDetector) Detect(img *image.Gray, grid image.Point) ([]r2.Point, bool) {
	src, err := grayMat(img)
	if err != nil {
		return nil, false
	}
	defer src.Close()

	corners := gocv.NewMat()
	defer corners.Close()
	if !gocv.FindChessboardCorners(src, grid, &corners, d.Flags) {
		return nil, false
	}
	criteria := gocv.NewTermCriteria(gocv.Count|gocv.EPS, d.Iterations, d.Epsilon)
	gocv.CornerSubPix(src, &corners, d.RefineWin, image.Pt(-1, -1), criteria)

	origin := img.Bounds().Min
	n := corners.Rows() * corners.Cols()
	if n != grid.X*grid.Y {
		return nil, false
	}
	out := make([]r2.Point, 0, n)
	for i := 0; i < corners.Rows(); i++ {
		v := corners.GetVecfAt(i, 0)
		out = append(out, r2.Point{X: float64(v[0]) + float64(origin.X), Y: float64(v[1]) + float64(origin.Y)})
	}
	return out, true
}

// ContourExtractor finds two level contours (outer borders and holes) with cv::findContours.
type ContourExtractor struct{}

var _ roi.ContourExtractor = ContourExtractor{}

// FindContours implements roi.ContourExtractor.
func (ContourExtractor) FindContours(binary *image.Gray) ([]roi.Contour, error) {
	src, err := grayMat(binary)
	if err != nil {
		return nil, errors.Wrap(err, "cannot convert binary image")
	}
	defer src.Close()

	hierarchy := gocv.NewMat()
	defer hierarchy.Close()
	found := gocv.FindContoursWithParams(src, &hierarchy, gocv.RetrievalCComp, gocv.ChainApproxNone)
	defer found.Close()

	origin := binary.Bounds().Min
	contours := make([]roi.Contour, 0, found.Size())
	for i := 0; i < found.Size(); i++ {
		pts := found.At(i).ToPoints()
		for j := range pts {
			pts[j] = pts[j].Add(origin)
		}
		// hierarchy entries are [next, previous, first child, parent]
		parent := hierarchy.GetVeciAt(0, i)[3]
		contours = append(contours, roi.Contour{Points: pts, Hole: parent >= 0})
	}
	return contours, nil
}
