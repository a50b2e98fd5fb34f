// Package autocalib sequences the calibration of the sandbox: finding the region of interest,
// fitting the base plane, collecting sensor/projector correspondences from projected
// checkerboards and solving the projective calibration.
//
// Every state machine is a value with a pure transition function. Transitions return the next
// state and the Effects the Orchestrator must carry out, so each machine can be driven and
// tested without a sensor, a projector or a worker.
package autocalib

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidTransition is returned when an event is not allowed in the current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// AppState is the top level state of the application.
type AppState int

// The application states.
const (
	AppSetup AppState = iota
	AppCalibrating
	AppRunning
)

func (s AppState) String() string {
	switch s {
	case AppSetup:
		return "setup"
	case AppCalibrating:
		return "calibrating"
	case AppRunning:
		return "running"
	default:
		return fmt.Sprintf("app_state(%d)", int(s))
	}
}

// AppEvent drives AppState.
type AppEvent int

// The application events.
const (
	// EventStartCalibration enters calibration. Only allowed from setup.
	EventStartCalibration AppEvent = iota
	// EventCalibrationEnded leaves calibration, whether it succeeded or failed.
	EventCalibrationEnded
	// EventRun starts normal operation.
	EventRun
	// EventAbort is the user going back to setup.
	EventAbort
)

func (e AppEvent) String() string {
	switch e {
	case EventStartCalibration:
		return "start_calibration"
	case EventCalibrationEnded:
		return "calibration_ended"
	case EventRun:
		return "run"
	case EventAbort:
		return "abort"
	default:
		return fmt.Sprintf("app_event(%d)", int(e))
	}
}

// Next returns the state after ev.
func (s AppState) Next(ev AppEvent) (AppState, error) {
	switch {
	case s == AppSetup && ev == EventStartCalibration:
		return AppCalibrating, nil
	case s == AppSetup && ev == EventRun:
		return AppRunning, nil
	case s == AppCalibrating && (ev == EventCalibrationEnded || ev == EventAbort):
		return AppSetup, nil
	case s == AppRunning && ev == EventAbort:
		return AppSetup, nil
	default:
		return s, errors.Wrapf(ErrInvalidTransition, "%v on %v", s, ev)
	}
}

// CalibrationMode selects the calibration flow.
type CalibrationMode int

// The calibration flows.
const (
	ModeFullAuto CalibrationMode = iota
	ModeRoiAuto
	ModeRoiManual
	ModeProjKinectAuto
	ModeProjKinectManual
)

func (m CalibrationMode) String() string {
	switch m {
	case ModeFullAuto:
		return "full_auto"
	case ModeRoiAuto:
		return "roi_auto"
	case ModeRoiManual:
		return "roi_manual"
	case ModeProjKinectAuto:
		return "proj_kinect_auto"
	case ModeProjKinectManual:
		return "proj_kinect_manual"
	default:
		return fmt.Sprintf("calibration_mode(%d)", int(m))
	}
}

// ParseCalibrationMode is the inverse of CalibrationMode.String.
func ParseCalibrationMode(s string) (CalibrationMode, error) {
	for m := ModeFullAuto; m <= ModeProjKinectManual; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, errors.Errorf("unknown calibration mode %q", s)
}

// FullState is the progress of a full automatic calibration.
type FullState int

// The full calibration states.
const (
	FullRoiDetermination FullState = iota
	FullAutocalib
	FullDone
)

func (s FullState) String() string {
	switch s {
	case FullRoiDetermination:
		return "roi_determination"
	case FullAutocalib:
		return "autocalib"
	case FullDone:
		return "done"
	default:
		return fmt.Sprintf("full_state(%d)", int(s))
	}
}

// Next advances to the following stage. Done is terminal.
func (s FullState) Next() FullState {
	if s >= FullDone {
		return FullDone
	}
	return s + 1
}
