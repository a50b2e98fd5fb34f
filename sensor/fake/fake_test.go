package fake

import (
	"context"
	"image"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"

	"github.com/arsandbox/sandcore/logging"
	"github.com/arsandbox/sandcore/rimage"
	"github.com/arsandbox/sandcore/sensor"
	"github.com/arsandbox/sandcore/transform"
	"github.com/arsandbox/sandcore/vision"
)

var testIntrinsics = &transform.Intrinsics{Width: 160, Height: 120, Fx: 150, Fy: 150, Ppx: 80, Ppy: 60}

func testWorld(t *testing.T) transform.WorldMatrix {
	t.Helper()
	world, err := transform.NewWorldMatrixFromIntrinsics(testIntrinsics)
	test.That(t, err, test.ShouldBeNil)
	return world
}

func TestSensorOpenFailures(t *testing.T) {
	logger := logging.NewTestLogger(t)
	frame := rimage.NewRawDepthFrame(160, 120)
	frame.Fill(1000)
	replay := NewReplay([]*rimage.RawDepthFrame{frame}, nil, false)

	_, err := NewSensor(Config{}, replay, logger)
	test.That(t, err, test.ShouldNotBeNil)

	s, err := NewSensor(Config{Intrinsics: testIntrinsics, FailOpens: 2}, replay, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Resolution(), test.ShouldResemble, image.Pt(160, 120))

	_, _, ok := s.Frame()
	test.That(t, ok, test.ShouldBeFalse)

	ctx := context.Background()
	test.That(t, s.Open(ctx), test.ShouldNotBeNil)
	test.That(t, s.Open(ctx), test.ShouldNotBeNil)
	test.That(t, s.Open(ctx), test.ShouldBeNil)
	test.That(t, s.OpenAttempts(), test.ShouldEqual, 3)

	depth, _, ok := s.Frame()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, depth.Get(5, 5), test.ShouldEqual, rimage.Depth(1000))
	depth.Set(5, 5, 1)
	test.That(t, frame.Get(5, 5), test.ShouldEqual, rimage.Depth(1000))

	_, _, ok = s.Frame()
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, replay.Played(), test.ShouldEqual, 1)

	world, err := sensor.WorldMatrix(s)
	test.That(t, err, test.ShouldBeNil)
	p := world.Apply(80, 60, 1000)
	test.That(t, p.X, test.ShouldAlmostEqual, 0)
	test.That(t, p.Z, test.ShouldAlmostEqual, 1000)

	test.That(t, s.Close(), test.ShouldBeNil)
	_, _, ok = s.Frame()
	test.That(t, ok, test.ShouldBeFalse)
}

func TestSceneDepth(t *testing.T) {
	cfg := DefaultSceneConfig(160, 120)
	cfg.Frames = 2
	scene, err := NewScene(cfg, testWorld(t))
	test.That(t, err, test.ShouldBeNil)

	depth, _, ok := scene.Next()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, depth.Get(0, 0), test.ShouldEqual, rimage.Depth(1300))
	test.That(t, depth.Get(cfg.Rim.Min.X, cfg.Rim.Min.Y), test.ShouldEqual, rimage.Depth(900))
	test.That(t, depth.Get(80, 60), test.ShouldEqual, rimage.Depth(1100))

	scene.SetBoard(true)
	depth, _, ok = scene.Next()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, depth.Get(80, 60), test.ShouldEqual, rimage.Depth(950))
	test.That(t, scene.SurfaceDepth(), test.ShouldEqual, 950.0)

	_, _, ok = scene.Next()
	test.That(t, ok, test.ShouldBeFalse)

	cfg.Sand = image.Rect(0, 0, 200, 200)
	_, err = NewScene(cfg, testWorld(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestProjectorDetectsWhatItShows(t *testing.T) {
	world := testWorld(t)
	cfg := DefaultSceneConfig(160, 120)
	scene, err := NewScene(cfg, world)
	test.That(t, err, test.ShouldBeNil)

	resolution := image.Pt(320, 240)
	truth := ProjectorCalibration(resolution, world, cfg.Sand, cfg.SandDepth, 0.05)
	proj := NewProjector(resolution, truth, world, scene)
	board := vision.Checkerboard{Grid: image.Pt(5, 4), Square: 16}
	full := image.NewGray(image.Rect(0, 0, 160, 120))

	_, ok := proj.Detect(full, board.Grid)
	test.That(t, ok, test.ShouldBeFalse)

	center := r2.Point{X: 160, Y: 120}
	proj.ShowPattern(board, center)
	corners, ok := proj.Detect(full, board.Grid)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, corners, test.ShouldHaveLength, 20)
	want := board.Corners(center)
	for i, c := range corners {
		got := truth.Project(world.Apply(c.X, c.Y, cfg.SandDepth))
		test.That(t, got.X, test.ShouldAlmostEqual, want[i].X, 1e-6)
		test.That(t, got.Y, test.ShouldAlmostEqual, want[i].Y, 1e-6)
	}

	_, ok = proj.Detect(full, image.Pt(4, 4))
	test.That(t, ok, test.ShouldBeFalse)

	proj.FailDetections(1)
	_, ok = proj.Detect(full, board.Grid)
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = proj.Detect(full, board.Grid)
	test.That(t, ok, test.ShouldBeTrue)

	// a crop that leaves corners out finds nothing
	_, ok = proj.Detect(full.SubImage(image.Rect(0, 0, 80, 120)).(*image.Gray), board.Grid)
	test.That(t, ok, test.ShouldBeFalse)

	// the color frame shows the board: the projector corner at the board origin is black
	_, color, ok := scene.Next()
	test.That(t, ok, test.ShouldBeTrue)
	gray := vision.ToGray(color)
	test.That(t, gray.GrayAt(0, 0).Y, test.ShouldEqual, uint8(ambient))
	first := corners[0]
	inBlack := gray.GrayAt(int(first.X)-1, int(first.Y)-1).Y
	inWhite := gray.GrayAt(int(first.X)+2, int(first.Y)-2).Y
	test.That(t, inBlack, test.ShouldEqual, uint8(0))
	test.That(t, inWhite, test.ShouldEqual, uint8(255))

	proj.ClearPattern()
	_, ok = proj.Detect(full, board.Grid)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, proj.PatternsShown(), test.ShouldEqual, 1)
}
