package transform

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/arsandbox/sandcore/calibration"
	"github.com/arsandbox/sandcore/plane"
	"github.com/arsandbox/sandcore/rimage"
)

var testIntrinsics = &Intrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240}

var testCalibration = calibration.ProjectiveCalibration{
	1.2, 0.05, 0.3, 400,
	-0.02, 1.1, 0.25, 300,
	0.0001, 0.00005, 0.0008,
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	world, err := NewWorldMatrixFromIntrinsics(testIntrinsics)
	test.That(t, err, test.ShouldBeNil)
	return NewEngine(world)
}

func TestIntrinsics(t *testing.T) {
	test.That(t, testIntrinsics.CheckValid(), test.ShouldBeNil)
	var missing *Intrinsics
	test.That(t, errors.Is(missing.CheckValid(), ErrNoIntrinsics), test.ShouldBeTrue)
	bad := *testIntrinsics
	bad.Fx = 0
	test.That(t, errors.Is(bad.CheckValid(), ErrNoIntrinsics), test.ShouldBeTrue)

	x, y, z := testIntrinsics.PixelToPoint(420, 140, 1000)
	test.That(t, x, test.ShouldAlmostEqual, 200)
	test.That(t, y, test.ShouldAlmostEqual, -200)
	test.That(t, z, test.ShouldEqual, 1000.0)
	px, py := testIntrinsics.PointToPixel(x, y, z)
	test.That(t, px, test.ShouldAlmostEqual, 420)
	test.That(t, py, test.ShouldAlmostEqual, 140)
	px, py = testIntrinsics.PointToPixel(1, 1, 0)
	test.That(t, px, test.ShouldEqual, -1.0)
	test.That(t, py, test.ShouldEqual, -1.0)

	path := filepath.Join(t.TempDir(), "intrinsics.json")
	data := `{"width_px": 640, "height_px": 480, "fx": 500, "fy": 500, "ppx": 320, "ppy": 240}`
	test.That(t, os.WriteFile(path, []byte(data), 0o600), test.ShouldBeNil)
	loaded, err := NewIntrinsicsFromJSONFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded, test.ShouldResemble, testIntrinsics)
}

func TestWorldMatrix(t *testing.T) {
	world, err := NewWorldMatrixFromIntrinsics(testIntrinsics)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, world.IsZero(), test.ShouldBeFalse)
	test.That(t, world.At(3, 3), test.ShouldEqual, 1.0)

	p := world.Apply(320, 240, 1000)
	test.That(t, p.X, test.ShouldAlmostEqual, 0)
	test.That(t, p.Y, test.ShouldAlmostEqual, 0)
	test.That(t, p.Z, test.ShouldAlmostEqual, 1000)

	// agrees with the pinhole model everywhere, not only at the reference points
	for _, px := range [][2]float64{{0, 0}, {639, 479}, {100.5, 377.25}} {
		got := world.Apply(px[0], px[1], 850)
		x, y, z := testIntrinsics.PixelToPoint(px[0], px[1], 850)
		test.That(t, got.X, test.ShouldAlmostEqual, x, 1e-9)
		test.That(t, got.Y, test.ShouldAlmostEqual, y, 1e-9)
		test.That(t, got.Z, test.ShouldAlmostEqual, z, 1e-9)

		bx, by, bd, ok := world.Pixel(got)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, bx, test.ShouldAlmostEqual, px[0], 1e-9)
		test.That(t, by, test.ShouldAlmostEqual, px[1], 1e-9)
		test.That(t, bd, test.ShouldAlmostEqual, 850, 1e-9)
	}
	_, _, _, ok := world.Pixel(r3.Vector{Z: -5})
	test.That(t, ok, test.ShouldBeFalse)

	p1, p2 := testIntrinsics.ReferencePoints()
	_, err = NewWorldMatrixFromReferences(p1, p1)
	test.That(t, err, test.ShouldNotBeNil)
	p2.Depth = 0
	_, err = NewWorldMatrixFromReferences(p1, p2)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSensorToWorldClampsAndElevation(t *testing.T) {
	e := newTestEngine(t)
	test.That(t, e.SensorToWorld(5, 5), test.ShouldResemble, e.SensorToWorldAt(5, 5, 0))

	frame := rimage.NewFilteredDepthFrame(640, 480)
	frame.Set(639, 479, 950)
	frame.Set(320, 240, 900)
	e.SetDepthFrame(frame)

	test.That(t, e.SensorToWorld(1000, 1000), test.ShouldResemble, e.SensorToWorld(639, 479))
	test.That(t, e.SensorToWorld(639, 479).Z, test.ShouldAlmostEqual, 950)
	test.That(t, e.SensorToWorld(-3, -3).Z, test.ShouldEqual, 0.0)

	_, ok := e.WorldPoint(0, 0)
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = e.WorldPoint(640, 0)
	test.That(t, ok, test.ShouldBeFalse)
	pt, ok := e.WorldPoint(320, 240)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pt.Z, test.ShouldAlmostEqual, 900)

	e.SetBasePlane(plane.New(r3.Vector{Z: 1}, r3.Vector{Z: 1000}))
	test.That(t, e.ElevationAt(320, 240), test.ShouldAlmostEqual, 100)
	test.That(t, e.ElevationAt(639, 479), test.ShouldAlmostEqual, 50)

	for _, px := range [][2]int{{320, 240}, {10, 400}, {639, 0}} {
		d := e.ElevationToDepth(100, px[0], px[1])
		test.That(t, d, test.ShouldAlmostEqual, 900)
	}

	tilted := plane.New(r3.Vector{X: 0.2, Z: 1}, r3.Vector{Z: 1000})
	e.SetBasePlane(tilted)
	d := e.ElevationToDepth(40, 100, 50)
	test.That(t, -tilted.Distance(e.SensorToWorldAt(100, 50, d)), test.ShouldAlmostEqual, 40, 1e-9)

	e.SetBasePlane(plane.Plane{Normal: r3.Vector{X: 1}})
	test.That(t, e.ElevationToDepth(10, 320, 240), test.ShouldEqual, 0.0)
}

func TestProjectorMapping(t *testing.T) {
	e := newTestEngine(t)
	_, ok := e.Calibration()
	test.That(t, ok, test.ShouldBeFalse)
	_, err := e.ProjectorAndWorldZToWorld(100, 100, 900)
	test.That(t, errors.Is(err, ErrDegenerate), test.ShouldBeTrue)

	e.SetCalibration(testCalibration)
	c, ok := e.Calibration()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, c, test.ShouldResemble, testCalibration)

	frame := rimage.NewFilteredDepthFrame(640, 480)
	frame.Set(200, 100, 1000)
	e.SetDepthFrame(frame)

	world := e.SensorToWorld(200, 100)
	proj := e.SensorToProjector(200, 100)
	test.That(t, proj, test.ShouldResemble, testCalibration.Project(world))

	back, err := e.ProjectorAndWorldZToWorld(proj.X, proj.Y, world.Z)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, back.X, test.ShouldAlmostEqual, world.X, 1e-6)
	test.That(t, back.Y, test.ShouldAlmostEqual, world.Y, 1e-6)
	test.That(t, back.Z, test.ShouldEqual, world.Z)

	e.ClearCalibration()
	_, ok = e.Calibration()
	test.That(t, ok, test.ShouldBeFalse)
}

func TestEngineConcurrentAccess(t *testing.T) {
	e := newTestEngine(t)
	e.SetBasePlane(plane.New(r3.Vector{Z: 1}, r3.Vector{Z: 1000}))
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			f := rimage.NewFilteredDepthFrame(640, 480)
			f.Set(1, 1, float32(900+i))
			e.SetDepthFrame(f)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = e.ElevationAt(1, 1)
			_ = e.SensorToProjector(1, 1)
		}
	}()
	wg.Wait()
	test.That(t, e.DepthFrame().Get(1, 1), test.ShouldEqual, float32(999))
}
