package autocalib

import (
	"image"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/arsandbox/sandcore/acquisition"
	"github.com/arsandbox/sandcore/calibration"
	"github.com/arsandbox/sandcore/rimage"
	"github.com/arsandbox/sandcore/roi"
	"github.com/arsandbox/sandcore/vision"
)

func TestAppStateTransitions(t *testing.T) {
	for _, tc := range []struct {
		from AppState
		ev   AppEvent
		to   AppState
		ok   bool
	}{
		{AppSetup, EventStartCalibration, AppCalibrating, true},
		{AppSetup, EventRun, AppRunning, true},
		{AppSetup, EventAbort, AppSetup, false},
		{AppSetup, EventCalibrationEnded, AppSetup, false},
		{AppCalibrating, EventCalibrationEnded, AppSetup, true},
		{AppCalibrating, EventAbort, AppSetup, true},
		{AppCalibrating, EventStartCalibration, AppCalibrating, false},
		{AppCalibrating, EventRun, AppCalibrating, false},
		{AppRunning, EventAbort, AppSetup, true},
		{AppRunning, EventStartCalibration, AppRunning, false},
	} {
		t.Run(tc.from.String()+"/"+tc.ev.String(), func(t *testing.T) {
			next, err := tc.from.Next(tc.ev)
			test.That(t, next, test.ShouldEqual, tc.to)
			if tc.ok {
				test.That(t, err, test.ShouldBeNil)
			} else {
				test.That(t, errors.Is(err, ErrInvalidTransition), test.ShouldBeTrue)
			}
		})
	}
}

func TestCalibrationModes(t *testing.T) {
	for m := ModeFullAuto; m <= ModeProjKinectManual; m++ {
		parsed, err := ParseCalibrationMode(m.String())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, parsed, test.ShouldEqual, m)
	}
	_, err := ParseCalibrationMode("semi_auto")
	test.That(t, err, test.ShouldNotBeNil)

	s := FullRoiDetermination
	s = s.Next()
	test.That(t, s, test.ShouldEqual, FullAutocalib)
	s = s.Next()
	test.That(t, s, test.ShouldEqual, FullDone)
	test.That(t, s.Next(), test.ShouldEqual, FullDone)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	test.That(t, cfg.Validate(), test.ShouldBeNil)

	bad := cfg
	bad.ShrinkFactor = 1
	test.That(t, bad.Validate(), test.ShouldNotBeNil)
	bad = cfg
	bad.MaxRetries = 0
	test.That(t, bad.Validate(), test.ShouldNotBeNil)
	bad = cfg
	bad.Board.Grid = image.Pt(1, 4)
	test.That(t, bad.Validate(), test.ShouldNotBeNil)
	bad = cfg
	bad.Cutoffs = nil
	test.That(t, bad.Validate(), test.ShouldNotBeNil)
}

func sandboxFrame(w, h int) *rimage.FilteredDepthFrame {
	frame := rimage.NewFilteredDepthFrame(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			switch p := image.Pt(x, y); {
			case p.In(image.Rect(11, 9, 53, 39)):
				frame.Set(x, y, 1100)
			case p.In(image.Rect(8, 6, 56, 42)):
				frame.Set(x, y, 900)
			default:
				frame.Set(x, y, 1300)
			}
		}
	}
	return frame
}

func runRoi(in RoiInputs, ticks int) (RoiState, []Effect) {
	var s RoiState = RoiInit{}
	var all []Effect
	for i := 0; i < ticks; i++ {
		var effects []Effect
		s, effects = StepRoi(s, in)
		all = append(all, effects...)
	}
	return s, all
}

func TestRoiDetection(t *testing.T) {
	bounds := image.Rect(0, 0, 64, 48)
	in := RoiInputs{
		Bounds:    bounds,
		Filtered:  sandboxFrame(64, 48),
		Extractor: roi.BorderFollower{},
		Cutoffs:   roi.DefaultCutoffs(),
	}

	s, effects := StepRoi(RoiInit{}, in)
	test.That(t, s, test.ShouldResemble, RoiReadyToMoveUp{})
	test.That(t, effects, test.ShouldResemble, []Effect{
		SubmitCommand{Command: acquisition.SetROI(bounds)},
		SubmitCommand{Command: acquisition.ResetStabilizer()},
	})

	// waits for the stabilizer
	s, effects = StepRoi(s, in)
	test.That(t, s, test.ShouldResemble, RoiReadyToMoveUp{})
	test.That(t, effects, test.ShouldBeEmpty)

	in.Stabilized = true
	s, effects = runRoi(in, 3)
	done, ok := s.(RoiDone)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, done.Err, test.ShouldBeNil)
	test.That(t, done.ROI, test.ShouldResemble, image.Rect(11, 9, 53, 39))
	test.That(t, effects[len(effects)-1], test.ShouldResemble, ApplyROI{ROI: done.ROI})

	// done is terminal
	next, effects := StepRoi(done, in)
	test.That(t, next, test.ShouldResemble, done)
	test.That(t, effects, test.ShouldBeEmpty)
}

func TestRoiDetectionAlwaysFinishes(t *testing.T) {
	flat := rimage.NewFilteredDepthFrame(64, 48)
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			flat.Set(x, y, 1000)
		}
	}
	in := RoiInputs{
		Bounds:     flat.Bounds(),
		Stabilized: true,
		Filtered:   flat,
		Extractor:  roi.BorderFollower{},
		Cutoffs:    roi.DefaultCutoffs(),
	}
	s, effects := runRoi(in, 3)
	done, ok := s.(RoiDone)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, done.ROI.Empty(), test.ShouldBeTrue)
	test.That(t, errors.Is(done.Err, roi.ErrNotFound), test.ShouldBeTrue)
	for _, e := range effects {
		_, applied := e.(ApplyROI)
		test.That(t, applied, test.ShouldBeFalse)
	}

	s, _ = StepRoi(RoiMoveUp{}, RoiInputs{Bounds: flat.Bounds()})
	done = s.(RoiDone)
	test.That(t, done.Err, test.ShouldNotBeNil)
}

func TestPlanFiducials(t *testing.T) {
	cfg := DefaultConfig()
	fiducials := PlanFiducials(cfg)
	test.That(t, fiducials, test.ShouldHaveLength, 10)
	for i, f := range fiducials {
		if i < 5 {
			test.That(t, f.Radius, test.ShouldEqual, cfg.LowRadius)
		} else {
			test.That(t, f.Radius, test.ShouldEqual, cfg.HighRadius)
		}
		test.That(t, f.Direction, test.ShouldResemble, fiducials[i%5].Direction)
	}

	board := vision.Checkerboard{Grid: image.Pt(5, 4), Square: 16}
	projector := image.Pt(320, 240)
	test.That(t, fiducials[4].Center(projector, board, 1), test.ShouldResemble, r2.Point{X: 160, Y: 120})

	// the largest offset keeps a square of margin around the board
	corner := Fiducial{Direction: r2.Point{X: 1, Y: 1}, Radius: 1}.Center(projector, board, 1)
	test.That(t, corner.X, test.ShouldAlmostEqual, 256)
	test.That(t, corner.Y, test.ShouldAlmostEqual, 184)
	shrunk := Fiducial{Direction: r2.Point{X: -1, Y: 1}, Radius: 0.5}.Center(projector, board, 0.5)
	test.That(t, shrunk.X, test.ShouldAlmostEqual, 160-24)
	test.That(t, shrunk.Y, test.ShouldAlmostEqual, 120+16)
}

var truthCalibration = calibration.ProjectiveCalibration{
	1.2, 0.05, 0.3, 400,
	-0.02, 1.1, 0.25, 300,
	0.0001, 0.00005, 0.0008,
}

func truthPairs() []calibration.PointPair {
	var pairs []calibration.PointPair
	for _, z := range []float64{900, 1100} {
		for y := 0; y < 4; y++ {
			for x := 0; x < 5; x++ {
				w := r3.Vector{X: float64(x*50 - 100), Y: float64(y*50 - 75), Z: z}
				pairs = append(pairs, calibration.PointPair{World: w, Projector: truthCalibration.Project(w)})
			}
		}
	}
	return pairs
}

func TestCompute(t *testing.T) {
	cfg := DefaultConfig()

	state, effects := Compute(nil, cfg)
	test.That(t, errors.Is(state.(AutoFailed).Err, ErrNoPairs), test.ShouldBeTrue)
	test.That(t, effects, test.ShouldBeEmpty)

	state, effects = Compute(truthPairs(), cfg)
	done, ok := state.(AutoDone)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, done.Summary.Mean, test.ShouldBeLessThan, 1e-3)
	test.That(t, done.Summary.Pairs, test.ShouldEqual, 40)
	test.That(t, effects, test.ShouldHaveLength, 2)
	test.That(t, effects[0], test.ShouldResemble, ApplyCalibration{Calibration: done.Calibration, Summary: done.Summary})
	test.That(t, effects[1].(RecordRun).Accepted, test.ShouldBeTrue)

	noisy := truthPairs()
	for i := range noisy {
		if i%2 == 0 {
			noisy[i].Projector.X += 20
		} else {
			noisy[i].Projector.X -= 20
		}
	}
	cfg.MaxReprojectionError = 1
	state, effects = Compute(noisy, cfg)
	failed, ok := state.(AutoFailed)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, errors.Is(failed.Err, ErrReprojection), test.ShouldBeTrue)
	test.That(t, effects, test.ShouldHaveLength, 1)
	record := effects[0].(RecordRun)
	test.That(t, record.Accepted, test.ShouldBeFalse)
	test.That(t, record.Reason, test.ShouldNotBeEmpty)
	test.That(t, record.Calibration, test.ShouldNotBeNil)
	test.That(t, record.Summary.Mean, test.ShouldBeGreaterThan, 1)
}

func TestCrop(t *testing.T) {
	test.That(t, crop(image.Rect(0, 0, 100, 40), 0.25), test.ShouldResemble, image.Rect(25, 10, 75, 30))
	test.That(t, crop(image.Rect(10, 10, 20, 20), 0), test.ShouldResemble, image.Rect(10, 10, 20, 20))
}
