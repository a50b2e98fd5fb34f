// Package calibration solves and persists the projective mapping between sensor world space and
// projector pixels.
package calibration

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
)

// NumCoefficients is the number of free parameters of a ProjectiveCalibration.
const NumCoefficients = 11

// ProjectiveCalibration holds the first 11 entries, row-major, of a 3×4 homogeneous matrix whose
// last entry is fixed to 1. It maps a world point to a projector pixel.
type ProjectiveCalibration [NumCoefficients]float64

// PointPair is one correspondence between a world point seen by the sensor and the projector
// pixel that lit it.
type PointPair struct {
	World     r3.Vector `json:"world"`
	Projector r2.Point  `json:"projector"`
}

// Matrix returns the full 3×4 matrix.
func (c ProjectiveCalibration) Matrix() [3][4]float64 {
	return [3][4]float64{
		{c[0], c[1], c[2], c[3]},
		{c[4], c[5], c[6], c[7]},
		{c[8], c[9], c[10], 1},
	}
}

// Project maps a world point to projector pixel coordinates. A point on the plane at infinity
// maps to NaN coordinates.
func (c ProjectiveCalibration) Project(p r3.Vector) r2.Point {
	w := c[8]*p.X + c[9]*p.Y + c[10]*p.Z + 1
	if w == 0 {
		return r2.Point{X: math.NaN(), Y: math.NaN()}
	}
	return r2.Point{
		X: (c[0]*p.X + c[1]*p.Y + c[2]*p.Z + c[3]) / w,
		Y: (c[4]*p.X + c[5]*p.Y + c[6]*p.Z + c[7]) / w,
	}
}

// IsZero reports whether no coefficient has been set.
func (c ProjectiveCalibration) IsZero() bool {
	return c == ProjectiveCalibration{}
}

// ReprojectionErrors returns the pixel distance between every pair's projector point and the
// projection of its world point.
func (c ProjectiveCalibration) ReprojectionErrors(pairs []PointPair) []float64 {
	errs := make([]float64, len(pairs))
	for i, pair := range pairs {
		errs[i] = c.Project(pair.World).Sub(pair.Projector).Norm()
	}
	return errs
}

// ReprojectionError returns the mean reprojection error over pairs.
func (c ProjectiveCalibration) ReprojectionError(pairs []PointPair) (float64, error) {
	if len(pairs) == 0 {
		return 0, errors.New("no point pairs to measure reprojection error on")
	}
	mean, err := stats.Mean(c.ReprojectionErrors(pairs))
	if err != nil {
		return 0, errors.Wrap(err, "cannot compute mean reprojection error")
	}
	if math.IsNaN(mean) {
		return math.Inf(1), nil
	}
	return mean, nil
}

// ErrorSummary describes the spread of the reprojection error of a solve.
type ErrorSummary struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Max    float64 `json:"max"`
	Pairs  int     `json:"pairs"`
}

// Summarize computes an ErrorSummary over pairs.
func (c ProjectiveCalibration) Summarize(pairs []PointPair) (ErrorSummary, error) {
	data := stats.Float64Data(c.ReprojectionErrors(pairs))
	mean, err := data.Mean()
	if err != nil {
		return ErrorSummary{}, errors.Wrap(err, "cannot summarize reprojection error")
	}
	median, err := data.Median()
	if err != nil {
		return ErrorSummary{}, err
	}
	maxErr, err := data.Max()
	if err != nil {
		return ErrorSummary{}, err
	}
	return ErrorSummary{Mean: mean, Median: median, Max: maxErr, Pairs: len(pairs)}, nil
}
