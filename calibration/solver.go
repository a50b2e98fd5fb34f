package calibration

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// MinPairs is the smallest number of correspondences Solve accepts. Each pair gives two equations
// and the system has NumCoefficients unknowns, so fewer pairs cannot determine a calibration.
const MinPairs = (NumCoefficients + 1) / 2

// ErrTooFewPairs is returned when Solve is given fewer than MinPairs correspondences.
var ErrTooFewPairs = errors.Errorf("at least %d point pairs are needed to solve a calibration", MinPairs)

// Solve fits a ProjectiveCalibration to pairs in the least squares sense. Each pair contributes
// the two rows
//
//	[X Y Z 1 0 0 0 0 -uX -uY -uZ] · c = u
//	[0 0 0 0 X Y Z 1 -vX -vY -vZ] · c = v
//
// and the overdetermined system is solved through a QR decomposition. Pairs whose world points
// are coplanar leave the system rank deficient and produce an error.
func Solve(pairs []PointPair) (ProjectiveCalibration, error) {
	if len(pairs) < MinPairs {
		return ProjectiveCalibration{}, errors.Wrapf(ErrTooFewPairs, "got %d", len(pairs))
	}
	rows := 2 * len(pairs)
	a := mat.NewDense(rows, NumCoefficients, nil)
	b := mat.NewVecDense(rows, nil)
	for i, pair := range pairs {
		x, y, z := pair.World.X, pair.World.Y, pair.World.Z
		u, v := pair.Projector.X, pair.Projector.Y
		a.SetRow(2*i, []float64{x, y, z, 1, 0, 0, 0, 0, -u * x, -u * y, -u * z})
		a.SetRow(2*i+1, []float64{0, 0, 0, 0, x, y, z, 1, -v * x, -v * y, -v * z})
		b.SetVec(2*i, u)
		b.SetVec(2*i+1, v)
	}

	var qr mat.QR
	qr.Factorize(a)
	var sol mat.VecDense
	if err := qr.SolveVecTo(&sol, false, b); err != nil {
		return ProjectiveCalibration{}, errors.Wrap(err, "calibration system is ill-conditioned")
	}

	var c ProjectiveCalibration
	for i := range c {
		c[i] = sol.AtVec(i)
	}
	return c, nil
}
