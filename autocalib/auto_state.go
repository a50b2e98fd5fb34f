package autocalib

import (
	"fmt"
	"image"
	"math"
	"slices"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/arsandbox/sandcore/acquisition"
	"github.com/arsandbox/sandcore/calibration"
	"github.com/arsandbox/sandcore/plane"
	"github.com/arsandbox/sandcore/rimage"
	"github.com/arsandbox/sandcore/transform"
	"github.com/arsandbox/sandcore/vision"
)

var (
	// ErrNoPairs is returned when a run ends without a single correspondence.
	ErrNoPairs = errors.New("no calibration point pairs were collected")
	// ErrReprojection is returned when a solved calibration does not reproduce its own pairs.
	ErrReprojection = errors.New("reprojection error is above the acceptable maximum")
)

const (
	flattenMessage = "Flatten the sand surface, then confirm."
	coverMessage   = "Cover the sand with a flat board, then confirm."
)

// AutoState is the progress of the projector/sensor calibration.
type AutoState interface {
	String() string
	autoState()
}

// AutoInitFirstPlane disables the ceiling and waits for the user to flatten the sand.
type AutoInitFirstPlane struct {
	Prompted bool
}

// AutoInitPoint fits the base plane once the stabilizer has settled.
type AutoInitPoint struct{}

// AutoNextPoint collects the corners of the pattern at position Index.
type AutoNextPoint struct {
	Index   int
	Retries int
	// Scale shrinks the offset of the current position from the screen center.
	Scale float64
	// Settle counts down the frames to skip after drawing a pattern.
	Settle         int
	AwaitingCover  bool
	AwaitingStable bool
}

// AutoCompute solves the calibration from the collected pairs.
type AutoCompute struct{}

// AutoDone is an accepted calibration.
type AutoDone struct {
	Calibration calibration.ProjectiveCalibration
	Summary     calibration.ErrorSummary
}

// AutoFailed ends a run that could not produce a calibration.
type AutoFailed struct {
	Err error
}

func (AutoInitFirstPlane) autoState() {}
func (AutoInitPoint) autoState()      {}
func (AutoNextPoint) autoState()      {}
func (AutoCompute) autoState()        {}
func (AutoDone) autoState()           {}
func (AutoFailed) autoState()         {}

func (AutoInitFirstPlane) String() string { return "init_first_plane" }
func (AutoInitPoint) String() string      { return "init_point" }
func (s AutoNextPoint) String() string    { return fmt.Sprintf("next_point(%d)", s.Index) }
func (AutoCompute) String() string        { return "compute" }
func (AutoDone) String() string           { return "done" }
func (AutoFailed) String() string         { return "failed" }

// Fiducial is a planned pattern position: a direction from the projector center and the
// fraction of the largest on-screen offset to move along it.
type Fiducial struct {
	Direction r2.Point
	Radius    float64
}

// fiducialDirections covers the four corners and the center.
var fiducialDirections = []r2.Point{{X: -1, Y: -1}, {X: 1, Y: -1}, {X: 1, Y: 1}, {X: -1, Y: 1}, {X: 0, Y: 0}}

// PlanFiducials returns the five low positions followed by the same five at the high radius.
func PlanFiducials(cfg Config) []Fiducial {
	return lo.FlatMap([]float64{cfg.LowRadius, cfg.HighRadius}, func(radius float64, _ int) []Fiducial {
		return lo.Map(fiducialDirections, func(dir r2.Point, _ int) Fiducial {
			return Fiducial{Direction: dir, Radius: radius}
		})
	})
}

// Center returns the projector pixel the board is centered on, with the offset scaled by scale.
// The board keeps its white margin on screen.
func (f Fiducial) Center(projector image.Point, board vision.Checkerboard, scale float64) r2.Point {
	center := r2.Point{X: float64(projector.X) / 2, Y: float64(projector.Y) / 2}
	ext := board.Extent()
	half := r2.Point{
		X: math.Max(0, center.X-ext.X/2-board.Square),
		Y: math.Max(0, center.Y-ext.Y/2-board.Square),
	}
	offset := r2.Point{X: f.Direction.X * half.X, Y: f.Direction.Y * half.Y}
	return center.Add(offset.Mul(f.Radius * scale))
}

// AutoRun is a projector/sensor calibration in progress.
type AutoRun struct {
	State     AutoState
	Fiducials []Fiducial
	Pairs     []calibration.PointPair
	Base      plane.Plane
	// Ceiling is the ceiling computed from the board, zero until then.
	Ceiling float64

	ROI             image.Rectangle
	OriginalCeiling float64
}

// NewAutoRun starts a run over roi. ceiling is restored when the run ends.
func NewAutoRun(cfg Config, roi image.Rectangle, ceiling float64) AutoRun {
	return AutoRun{
		State:           AutoInitFirstPlane{},
		Fiducials:       PlanFiducials(cfg),
		ROI:             roi,
		OriginalCeiling: ceiling,
	}
}

// AutoInputs is what an AutoRun transition looks at.
type AutoInputs struct {
	Config       Config
	Stabilized   bool
	Acknowledged bool
	Filtered     *rimage.FilteredDepthFrame
	Color        image.Image
	World        transform.WorldMatrix
	Detector     vision.PatternDetector
	Projector    image.Point
}

// lowCount is the number of fiducials placed on the sand before the board goes down.
func (r AutoRun) lowCount() int {
	return len(r.Fiducials) / 2
}

// Step advances the run by one tick.
func (r AutoRun) Step(in AutoInputs) (AutoRun, []Effect) {
	switch s := r.State.(type) {
	case AutoInitFirstPlane:
		if !s.Prompted {
			r.State = AutoInitFirstPlane{Prompted: true}
			return r, []Effect{
				SubmitCommand{Command: acquisition.SetCeilingOffset(0)},
				Prompt{Message: flattenMessage},
			}
		}
		if !in.Acknowledged {
			return r, nil
		}
		r.State = AutoInitPoint{}
		return r, []Effect{ClearPrompt{}, SubmitCommand{Command: acquisition.ResetStabilizer()}}

	case AutoInitPoint:
		if !in.Stabilized || in.Filtered == nil {
			return r, nil
		}
		base, err := fitRegion(in, crop(r.ROI, in.Config.PlaneCrop))
		if err != nil {
			r.State = AutoFailed{Err: errors.Wrap(err, "cannot fit the base plane")}
			return r, nil
		}
		r.Base = base
		next := AutoNextPoint{Scale: 1, Settle: in.Config.SettleTicks}
		r.State = next
		return r, []Effect{ApplyBasePlane{Plane: base}, r.showPattern(in, next)}

	case AutoNextPoint:
		return r.nextPoint(s, in)

	case AutoCompute:
		state, solved := Compute(r.Pairs, in.Config)
		r.State = state
		effects := []Effect{SubmitCommand{Command: acquisition.SetROI(r.ROI)}}
		if _, ok := state.(AutoDone); ok && r.Ceiling > 0 {
			effects = append(effects, ApplyCeiling{Depth: r.Ceiling})
		} else {
			effects = append(effects, SubmitCommand{Command: acquisition.SetCeilingOffset(r.OriginalCeiling)})
		}
		return r, append(effects, solved...)

	default:
		return r, nil
	}
}

func (r AutoRun) nextPoint(s AutoNextPoint, in AutoInputs) (AutoRun, []Effect) {
	switch {
	case s.AwaitingCover:
		if !in.Acknowledged {
			return r, nil
		}
		s.AwaitingCover, s.AwaitingStable = false, true
		r.State = s
		return r, []Effect{ClearPrompt{}, SubmitCommand{Command: acquisition.ResetStabilizer()}}
	case s.AwaitingStable:
		if !in.Stabilized {
			return r, nil
		}
		s.AwaitingStable = false
		s.Settle = in.Config.SettleTicks
		r.State = s
		return r, []Effect{r.showPattern(in, s)}
	case s.Settle > 0:
		s.Settle--
		r.State = s
		return r, nil
	}

	pairs, ok := r.collect(s, in)
	if !ok {
		s.Retries++
		if s.Retries < in.Config.MaxRetries {
			r.State = s
			return r, nil
		}
		s.Retries = 0
		s.Scale *= in.Config.ShrinkFactor
		s.Settle = in.Config.SettleTicks
		r.State = s
		return r, []Effect{r.showPattern(in, s)}
	}

	r.Pairs = append(slices.Clip(r.Pairs), pairs...)
	next := AutoNextPoint{Index: s.Index + 1, Scale: 1, Settle: in.Config.SettleTicks}
	switch next.Index {
	case len(r.Fiducials):
		ceiling, err := r.ceilingFromBoard(in)
		if err != nil {
			r.State = AutoFailed{Err: errors.Wrap(err, "cannot fit the ceiling plane")}
			return r, []Effect{ClearPattern{}}
		}
		r.Ceiling = ceiling
		r.State = AutoCompute{}
		return r, []Effect{ClearPattern{}}
	case r.lowCount():
		next.AwaitingCover = true
		r.State = next
		return r, []Effect{ClearPattern{}, Prompt{Message: coverMessage}}
	default:
		r.State = next
		return r, []Effect{r.showPattern(in, next)}
	}
}

func (r AutoRun) center(in AutoInputs, s AutoNextPoint) r2.Point {
	return r.Fiducials[s.Index].Center(in.Projector, in.Config.Board, s.Scale)
}

func (r AutoRun) showPattern(in AutoInputs, s AutoNextPoint) Effect {
	return ShowPattern{Board: in.Config.Board, Center: r.center(in, s)}
}

// collect detects the pattern of the current position and pairs each corner with the world point
// under it. It fails when the pattern is not found or any corner lacks depth.
func (r AutoRun) collect(s AutoNextPoint, in AutoInputs) ([]calibration.PointPair, bool) {
	if in.Color == nil || in.Filtered == nil || in.Detector == nil {
		return nil, false
	}
	gray := vision.ToGray(in.Color)
	window := r.ROI.Intersect(gray.Bounds())
	sub, ok := gray.SubImage(window).(*image.Gray)
	if !ok || window.Empty() {
		return nil, false
	}
	board := in.Config.Board
	corners, found := in.Detector.Detect(sub, board.Grid)
	if !found || len(corners) != board.Grid.X*board.Grid.Y {
		return nil, false
	}

	projected := board.Corners(r.center(in, s))
	pairs := make([]calibration.PointPair, len(corners))
	for i, c := range corners {
		px, py := int(math.Round(c.X)), int(math.Round(c.Y))
		if !in.Filtered.Contains(px, py) {
			return nil, false
		}
		d := float64(in.Filtered.Get(px, py))
		if d <= 0 {
			return nil, false
		}
		pairs[i] = calibration.PointPair{World: in.World.Apply(c.X, c.Y, d), Projector: projected[i]}
	}
	return pairs, true
}

// ceilingFromBoard fits the board plane over the ROI and returns the depth, at the ROI center,
// of a ceiling CeilingMargin in front of it.
func (r AutoRun) ceilingFromBoard(in AutoInputs) (float64, error) {
	if in.Filtered == nil {
		return 0, errors.New("no depth frame")
	}
	board, err := fitRegion(in, crop(r.ROI, in.Config.PlaneCrop))
	if err != nil {
		return 0, err
	}
	c := r.ROI.Min.Add(r.ROI.Max).Div(2)
	ray := in.World.Ray(float64(c.X), float64(c.Y))
	denom := board.Normal.Dot(ray)
	if math.Abs(denom) < 1e-12 {
		return 0, errors.New("board plane is parallel to the sensor ray")
	}
	depth := -board.Offset / denom
	return math.Max(0, depth-in.Config.CeilingMargin), nil
}

// Compute solves pairs and checks the result against the reprojection limit.
func Compute(pairs []calibration.PointPair, cfg Config) (AutoState, []Effect) {
	if len(pairs) == 0 {
		return AutoFailed{Err: ErrNoPairs}, nil
	}
	solved, err := calibration.Solve(pairs)
	if err != nil {
		return AutoFailed{Err: err}, []Effect{RecordRun{
			Summary: calibration.ErrorSummary{Pairs: len(pairs)},
			Reason:  err.Error(),
		}}
	}
	summary, err := solved.Summarize(pairs)
	if err != nil {
		return AutoFailed{Err: err}, nil
	}
	if math.IsNaN(summary.Mean) || summary.Mean > cfg.MaxReprojectionError {
		err := errors.Wrapf(ErrReprojection, "mean %.2f px over %d pairs, limit %.2f px",
			summary.Mean, len(pairs), cfg.MaxReprojectionError)
		return AutoFailed{Err: err}, []Effect{RecordRun{
			Summary:     summary,
			Reason:      err.Error(),
			Calibration: &solved,
		}}
	}
	return AutoDone{Calibration: solved, Summary: summary}, []Effect{
		ApplyCalibration{Calibration: solved, Summary: summary},
		RecordRun{Summary: summary, Accepted: true, Calibration: &solved},
	}
}

// crop removes frac of the width and height of r from each side.
func crop(r image.Rectangle, frac float64) image.Rectangle {
	dx := int(float64(r.Dx()) * frac)
	dy := int(float64(r.Dy()) * frac)
	return image.Rect(r.Min.X+dx, r.Min.Y+dy, r.Max.X-dx, r.Max.Y-dy)
}

// frameWorld back-projects the pixels of one filtered frame.
type frameWorld struct {
	world    transform.WorldMatrix
	filtered *rimage.FilteredDepthFrame
}

func (f frameWorld) WorldPoint(x, y int) (r3.Vector, bool) {
	if !f.filtered.Contains(x, y) {
		return r3.Vector{}, false
	}
	d := f.filtered.Get(x, y)
	if d <= 0 {
		return r3.Vector{}, false
	}
	return f.world.Apply(float64(x), float64(y), float64(d)), true
}

func fitRegion(in AutoInputs, rect image.Rectangle) (plane.Plane, error) {
	return plane.FitDepthRegion(frameWorld{world: in.World, filtered: in.Filtered}, rect, in.Config.PlaneStep)
}
