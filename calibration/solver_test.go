package calibration

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

var knownCalibration = ProjectiveCalibration{
	1.2, 0.05, 0.3, 400,
	-0.02, 1.1, 0.25, 300,
	0.0001, 0.00005, 0.0008,
}

// syntheticPairs samples a 5×4 grid on two heights so the points are not coplanar.
func syntheticPairs(c ProjectiveCalibration) []PointPair {
	var pairs []PointPair
	for _, z := range []float64{900, 1100} {
		for i := 0; i < 5; i++ {
			for j := 0; j < 4; j++ {
				w := r3.Vector{X: -300 + 150*float64(i), Y: -200 + 133*float64(j), Z: z + 7*float64(i-j)}
				pairs = append(pairs, PointPair{World: w, Projector: c.Project(w)})
			}
		}
	}
	return pairs
}

func TestProject(t *testing.T) {
	var identity ProjectiveCalibration
	identity[0], identity[5] = 1, 1
	p := identity.Project(r3.Vector{X: 3, Y: -4, Z: 10})
	test.That(t, p, test.ShouldResemble, r2.Point{X: 3, Y: -4})

	m := knownCalibration.Matrix()
	test.That(t, m[2][3], test.ShouldEqual, 1.0)
	test.That(t, m[1][2], test.ShouldEqual, 0.25)

	var atInfinity ProjectiveCalibration
	atInfinity[10] = -1
	p = atInfinity.Project(r3.Vector{Z: 1})
	test.That(t, math.IsNaN(p.X), test.ShouldBeTrue)
	test.That(t, atInfinity.IsZero(), test.ShouldBeFalse)
	test.That(t, ProjectiveCalibration{}.IsZero(), test.ShouldBeTrue)
}

func TestSolveRecoversKnownMatrix(t *testing.T) {
	pairs := syntheticPairs(knownCalibration)
	got, err := Solve(pairs)
	test.That(t, err, test.ShouldBeNil)
	for i := range got {
		test.That(t, got[i], test.ShouldAlmostEqual, knownCalibration[i], 1e-6)
	}
	mean, err := got.ReprojectionError(pairs)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mean, test.ShouldBeLessThan, 1e-6)

	// six pairs in general position are enough
	var few []PointPair
	for _, i := range []int{0, 6, 13, 19, 25, 34} {
		few = append(few, pairs[i])
	}
	got, err = Solve(few)
	test.That(t, err, test.ShouldBeNil)
	mean, err = got.ReprojectionError(pairs)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mean, test.ShouldBeLessThan, 1e-3)
}

func TestSolveWithNoiseDegradesGracefully(t *testing.T) {
	clean := syntheticPairs(knownCalibration)
	rng := rand.New(rand.NewSource(42))
	previous := 0.0
	for _, sigma := range []float64{0.1, 0.5, 1, 2} {
		noisy := make([]PointPair, len(clean))
		for i, p := range clean {
			noisy[i] = p
			noisy[i].Projector.X += rng.NormFloat64() * sigma
			noisy[i].Projector.Y += rng.NormFloat64() * sigma
		}
		got, err := Solve(noisy)
		test.That(t, err, test.ShouldBeNil)
		mean, err := got.ReprojectionError(noisy)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, mean, test.ShouldBeGreaterThan, 0)
		test.That(t, mean, test.ShouldBeLessThan, 3*sigma)
		test.That(t, mean, test.ShouldBeGreaterThan, previous/10)
		previous = mean

		summary, err := got.Summarize(noisy)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, summary.Pairs, test.ShouldEqual, len(noisy))
		test.That(t, summary.Mean, test.ShouldAlmostEqual, mean)
		test.That(t, summary.Max, test.ShouldBeGreaterThanOrEqualTo, summary.Median)
	}
}

func TestSolveRejectsBadInput(t *testing.T) {
	pairs := syntheticPairs(knownCalibration)
	_, err := Solve(pairs[:3])
	test.That(t, errors.Is(err, ErrTooFewPairs), test.ShouldBeTrue)
	_, err = Solve(nil)
	test.That(t, errors.Is(err, ErrTooFewPairs), test.ShouldBeTrue)

	// four and five pairs give fewer equations than unknowns
	for _, n := range []int{4, 5} {
		_, err = Solve(pairs[:n])
		test.That(t, errors.Is(err, ErrTooFewPairs), test.ShouldBeTrue)
	}
	test.That(t, MinPairs, test.ShouldEqual, 6)
	_, err = Solve(pairs[:MinPairs])
	test.That(t, errors.Is(err, ErrTooFewPairs), test.ShouldBeFalse)

	flat := make([]PointPair, len(pairs))
	for i, p := range pairs {
		flat[i] = p
		flat[i].World.Z = 0
	}
	_, err = Solve(flat)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = knownCalibration.ReprojectionError(nil)
	test.That(t, err, test.ShouldNotBeNil)
}
