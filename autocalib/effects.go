package autocalib

import (
	"image"

	"github.com/golang/geo/r2"

	"github.com/arsandbox/sandcore/acquisition"
	"github.com/arsandbox/sandcore/calibration"
	"github.com/arsandbox/sandcore/plane"
	"github.com/arsandbox/sandcore/vision"
)

// Effect is a side effect requested by a state transition.
type Effect interface {
	effect()
}

// SubmitCommand sends a command to the acquisition worker.
type SubmitCommand struct {
	Command acquisition.Command
}

// ShowPattern draws a checkerboard centered on Center in projector pixels.
type ShowPattern struct {
	Board  vision.Checkerboard
	Center r2.Point
}

// ClearPattern removes the checkerboard.
type ClearPattern struct{}

// Prompt asks the user to do something and acknowledge it.
type Prompt struct {
	Message string
}

// ClearPrompt removes the prompt.
type ClearPrompt struct{}

// ApplyROI makes ROI the active region of interest and persists it.
type ApplyROI struct {
	ROI image.Rectangle
}

// ApplyBasePlane makes Plane the base plane and persists it.
type ApplyBasePlane struct {
	Plane plane.Plane
}

// ApplyCeiling makes Depth the active ceiling and persists it.
type ApplyCeiling struct {
	Depth float64
}

// ApplyCalibration makes Calibration the active projective calibration and saves it.
type ApplyCalibration struct {
	Calibration calibration.ProjectiveCalibration
	Summary     calibration.ErrorSummary
}

// RecordRun stores the outcome of a solve in the calibration history.
type RecordRun struct {
	Summary     calibration.ErrorSummary
	Accepted    bool
	Reason      string
	Calibration *calibration.ProjectiveCalibration
}

func (SubmitCommand) effect()    {}
func (ShowPattern) effect()      {}
func (ClearPattern) effect()     {}
func (Prompt) effect()           {}
func (ClearPrompt) effect()      {}
func (ApplyROI) effect()         {}
func (ApplyBasePlane) effect()   {}
func (ApplyCeiling) effect()     {}
func (ApplyCalibration) effect() {}
func (RecordRun) effect()        {}
