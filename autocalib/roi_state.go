package autocalib

import (
	"image"

	"github.com/pkg/errors"

	"github.com/arsandbox/sandcore/acquisition"
	"github.com/arsandbox/sandcore/rimage"
	"github.com/arsandbox/sandcore/roi"
)

// ErrEmptyROI is returned when the region of interest search produced nothing usable.
var ErrEmptyROI = errors.New("region of interest is empty")

// RoiState is the progress of a region of interest detection.
type RoiState interface {
	String() string
	roiState()
}

// RoiInit widens the ROI to the whole frame and restarts the stabilizer.
type RoiInit struct{}

// RoiReadyToMoveUp waits for the stabilizer to warm up on the whole frame.
type RoiReadyToMoveUp struct{}

// RoiMoveUp sweeps the threshold over the depth image.
type RoiMoveUp struct{}

// RoiDone holds the result of the sweep. ROI is empty and Err set when nothing was found.
type RoiDone struct {
	ROI image.Rectangle
	Err error
}

func (RoiInit) roiState()          {}
func (RoiReadyToMoveUp) roiState() {}
func (RoiMoveUp) roiState()        {}
func (RoiDone) roiState()          {}

func (RoiInit) String() string          { return "init" }
func (RoiReadyToMoveUp) String() string { return "ready_to_move_up" }
func (RoiMoveUp) String() string        { return "move_up" }
func (RoiDone) String() string          { return "done" }

// RoiInputs is what a RoiState transition looks at.
type RoiInputs struct {
	// Bounds is the whole sensor frame.
	Bounds     image.Rectangle
	Stabilized bool
	Filtered   *rimage.FilteredDepthFrame
	Extractor  roi.ContourExtractor
	Cutoffs    []uint8
}

// StepRoi advances s by one tick. MoveUp always reaches Done.
func StepRoi(s RoiState, in RoiInputs) (RoiState, []Effect) {
	switch s.(type) {
	case RoiInit:
		return RoiReadyToMoveUp{}, []Effect{
			SubmitCommand{Command: acquisition.SetROI(in.Bounds)},
			SubmitCommand{Command: acquisition.ResetStabilizer()},
		}
	case RoiReadyToMoveUp:
		if !in.Stabilized || in.Filtered == nil {
			return s, nil
		}
		return RoiMoveUp{}, nil
	case RoiMoveUp:
		done := sweep(in)
		if done.Err != nil {
			return done, nil
		}
		return done, []Effect{ApplyROI{ROI: done.ROI}}
	default:
		return s, nil
	}
}

func sweep(in RoiInputs) RoiDone {
	if in.Filtered == nil {
		return RoiDone{Err: errors.New("no depth frame to search")}
	}
	gray := roi.DepthToGray(in.Filtered, in.Bounds)
	rect, err := roi.Detect(gray, in.Cutoffs, in.Extractor)
	if err != nil {
		return RoiDone{Err: err}
	}
	rect = rect.Intersect(in.Bounds)
	if rect.Empty() {
		return RoiDone{Err: ErrEmptyROI}
	}
	return RoiDone{ROI: rect}
}
