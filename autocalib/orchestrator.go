package autocalib

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"github.com/arsandbox/sandcore/acquisition"
	"github.com/arsandbox/sandcore/calibration"
	"github.com/arsandbox/sandcore/calibration/history"
	"github.com/arsandbox/sandcore/logging"
	"github.com/arsandbox/sandcore/plane"
	"github.com/arsandbox/sandcore/rimage"
	"github.com/arsandbox/sandcore/roi"
	"github.com/arsandbox/sandcore/transform"
	"github.com/arsandbox/sandcore/vision"
)

// ErrCanceled is the reason reported for a calibration the user canceled.
var ErrCanceled = errors.New("calibration canceled")

// Display shows patterns and prompts through the projector.
type Display interface {
	ShowPattern(board vision.Checkerboard, center r2.Point)
	ClearPattern()
	ShowMessage(msg string)
	ClearMessage()
}

// Controller accepts stabilizer commands. Submit returns a sequence number that the worker
// reports back through Inputs.Applied once the command has been processed.
type Controller interface {
	Submit(cmd acquisition.Command) uint64
}

// Listener is told about every result a calibration applies. It typically persists settings.
type Listener interface {
	ROIChanged(roi image.Rectangle)
	BasePlaneChanged(p plane.Plane)
	CeilingChanged(depth float64)
	CalibrationChanged(c calibration.ProjectiveCalibration)
}

// Dependencies are the collaborators of an Orchestrator. Listener and History are optional.
type Dependencies struct {
	Engine     *transform.Engine
	Controller Controller
	Display    Display
	Detector   vision.PatternDetector
	Extractor  roi.ContourExtractor
	Listener   Listener
	History    *history.Store
	Clock      clock.Clock

	// Projector and Sensor are the resolutions of the live session.
	Projector image.Point
	Sensor    image.Point
}

// Inputs is the state of the acquisition side at one tick.
type Inputs struct {
	Filtered   *rimage.FilteredDepthFrame
	Color      image.Image
	Stabilized bool
	// Applied is the sequence number of the last command the worker processed.
	Applied uint64
	ROI     image.Rectangle
	Ceiling float64
}

// Status is a snapshot of the orchestrator for display.
type Status struct {
	App        AppState
	Mode       CalibrationMode
	Full       FullState
	Roi        RoiState
	Auto       AutoState
	Prompt     string
	Err        error
	Calibrated bool
	// PointsDone and PointsTotal count pattern positions of the running calibration.
	PointsDone  int
	PointsTotal int
	Pairs       int
	Summary     calibration.ErrorSummary
}

// Orchestrator drives calibrations. Tick is called from the update loop; the other methods
// may be called from any goroutine.
type Orchestrator struct {
	mu     sync.Mutex
	logger logging.Logger
	cfg    Config
	deps   Dependencies

	app        AppState
	mode       CalibrationMode
	full       FullState
	roiState   RoiState
	auto       *AutoRun
	manualROI  *image.Rectangle
	manualOK   bool
	manual     []calibration.PointPair
	acked      bool
	prompt     string
	lastErr    error
	calibrated bool
	summary    calibration.ErrorSummary
	startedAt  time.Time
	pending    uint64

	// restoreROI is the ROI to put back when a run fails after sending a provisional one.
	restoreROI image.Rectangle
	haveROI    bool
	roiTouched bool
}

// New returns an Orchestrator in the setup state.
func New(cfg Config, deps Dependencies, logger logging.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid calibration config")
	}
	if deps.Engine == nil || deps.Controller == nil || deps.Display == nil {
		return nil, errors.New("orchestrator needs an engine, a controller and a display")
	}
	if deps.Extractor == nil {
		deps.Extractor = roi.BorderFollower{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Projector.X <= 0 || deps.Projector.Y <= 0 || deps.Sensor.X <= 0 || deps.Sensor.Y <= 0 {
		return nil, errors.New("projector and sensor resolutions must be set")
	}
	_, calibrated := deps.Engine.Calibration()
	return &Orchestrator{
		logger:     logger,
		cfg:        cfg,
		deps:       deps,
		app:        AppSetup,
		roiState:   RoiInit{},
		calibrated: calibrated,
	}, nil
}

// Start enters calibration in mode. It fails unless the application is in setup.
func (o *Orchestrator) Start(mode CalibrationMode) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	next, err := o.app.Next(EventStartCalibration)
	if err != nil {
		return err
	}
	o.app = next
	o.mode = mode
	o.full = FullRoiDetermination
	o.roiState = RoiInit{}
	o.auto = nil
	o.manualROI = nil
	o.manual = nil
	o.manualOK = false
	o.acked = false
	o.lastErr = nil
	o.haveROI = false
	o.roiTouched = false
	o.startedAt = o.deps.Clock.Now()
	if mode == ModeProjKinectManual {
		o.setPrompt("Add point pairs, then confirm to solve.")
	}
	o.logger.Infow("calibration started", "mode", mode.String())
	return nil
}

// Run leaves setup for normal operation.
func (o *Orchestrator) Run() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	next, err := o.app.Next(EventRun)
	if err != nil {
		return err
	}
	o.app = next
	return nil
}

// Cancel returns to setup, abandoning a calibration in progress.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.app == AppCalibrating {
		o.fail(ErrCanceled)
		return nil
	}
	next, err := o.app.Next(EventAbort)
	if err != nil {
		return err
	}
	o.app = next
	return nil
}

// Acknowledge answers the current prompt.
func (o *Orchestrator) Acknowledge() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.acked = true
}

// SetManualROI supplies the ROI of a manual ROI calibration.
func (o *Orchestrator) SetManualROI(rect image.Rectangle) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.app != AppCalibrating || o.mode != ModeRoiManual {
		return errors.Wrap(ErrInvalidTransition, "not in a manual roi calibration")
	}
	o.manualROI = &rect
	return nil
}

// AddManualPair adds a correspondence to a manual projector calibration.
func (o *Orchestrator) AddManualPair(pair calibration.PointPair) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.app != AppCalibrating || o.mode != ModeProjKinectManual {
		return errors.Wrap(ErrInvalidTransition, "not in a manual projector calibration")
	}
	o.manual = append(o.manual, pair)
	return nil
}

// IsCalibrated reports whether a projective calibration is active.
func (o *Orchestrator) IsCalibrated() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calibrated
}

// Status returns a snapshot of the orchestrator.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		App:        o.app,
		Mode:       o.mode,
		Full:       o.full,
		Roi:        o.roiState,
		Prompt:     o.prompt,
		Err:        o.lastErr,
		Calibrated: o.calibrated,
		Summary:    o.summary,
		Pairs:      len(o.manual),
	}
	if o.auto != nil {
		st.Auto = o.auto.State
		st.PointsTotal = len(o.auto.Fiducials)
		st.Pairs = len(o.auto.Pairs)
		switch s := o.auto.State.(type) {
		case AutoNextPoint:
			st.PointsDone = s.Index
		case AutoCompute, AutoDone:
			st.PointsDone = st.PointsTotal
		}
	}
	return st
}

// Tick advances the active calibration by one step.
func (o *Orchestrator) Tick(ctx context.Context, in Inputs) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.app != AppCalibrating {
		return nil
	}
	if !o.haveROI {
		o.restoreROI, o.haveROI = in.ROI, true
	}
	// the stabilizer only counts as settled once it has seen every command sent to it
	in.Stabilized = in.Stabilized && in.Applied >= o.pending

	switch o.mode {
	case ModeFullAuto:
		switch o.full {
		case FullRoiDetermination:
			if rect, ok := o.stepRoi(ctx, in); ok {
				o.full = o.full.Next()
				run := NewAutoRun(o.cfg, rect, in.Ceiling)
				o.auto = &run
			}
		case FullAutocalib:
			if o.stepAuto(ctx, in) {
				o.full = o.full.Next()
				o.finish()
			}
		case FullDone:
		}
	case ModeRoiAuto:
		if _, ok := o.stepRoi(ctx, in); ok {
			o.finish()
		}
	case ModeRoiManual:
		o.stepManualROI(ctx)
	case ModeProjKinectAuto:
		if o.auto == nil {
			run := NewAutoRun(o.cfg, in.ROI, in.Ceiling)
			o.auto = &run
		}
		if o.stepAuto(ctx, in) {
			o.finish()
		}
	case ModeProjKinectManual:
		o.stepManualPairs(ctx)
	}
	return nil
}

// stepRoi runs one tick of ROI detection. It returns the ROI once it has been applied.
func (o *Orchestrator) stepRoi(ctx context.Context, in Inputs) (image.Rectangle, bool) {
	next, effects := StepRoi(o.roiState, RoiInputs{
		Bounds:     image.Rectangle{Max: o.deps.Sensor},
		Stabilized: in.Stabilized,
		Filtered:   in.Filtered,
		Extractor:  o.deps.Extractor,
		Cutoffs:    o.cfg.Cutoffs,
	})
	o.roiState = next
	o.apply(ctx, effects)
	done, ok := next.(RoiDone)
	if !ok {
		return image.Rectangle{}, false
	}
	if done.Err != nil || done.ROI.Empty() {
		err := done.Err
		if err == nil {
			err = ErrEmptyROI
		}
		o.fail(errors.Wrap(err, "region of interest detection failed"))
		return image.Rectangle{}, false
	}
	return done.ROI, true
}

// stepAuto runs one tick of the projector calibration. It returns true once it is done.
func (o *Orchestrator) stepAuto(ctx context.Context, in Inputs) bool {
	run, effects := o.auto.Step(AutoInputs{
		Config:       o.cfg,
		Stabilized:   in.Stabilized,
		Acknowledged: o.acked,
		Filtered:     in.Filtered,
		Color:        in.Color,
		World:        o.deps.Engine.WorldMatrix(),
		Detector:     o.deps.Detector,
		Projector:    o.deps.Projector,
	})
	if _, ok := run.State.(AutoNextPoint); ok && run.State != o.auto.State {
		o.logger.CDebugw(ctx, "calibration progress", "state", run.State.String(), "pairs", len(run.Pairs))
	}
	o.auto = &run
	o.apply(ctx, effects)
	switch s := run.State.(type) {
	case AutoFailed:
		o.fail(s.Err)
	case AutoDone:
		return true
	}
	return false
}

func (o *Orchestrator) stepManualROI(ctx context.Context) {
	if o.manualROI == nil {
		return
	}
	rect := o.manualROI.Intersect(image.Rectangle{Max: o.deps.Sensor})
	if rect.Empty() {
		o.fail(ErrEmptyROI)
		return
	}
	o.apply(ctx, []Effect{ApplyROI{ROI: rect}})
	o.finish()
}

func (o *Orchestrator) stepManualPairs(ctx context.Context) {
	if !o.acked {
		return
	}
	o.clearPrompt()
	state, effects := Compute(o.manual, o.cfg)
	o.apply(ctx, effects)
	if failed, ok := state.(AutoFailed); ok {
		o.fail(failed.Err)
		return
	}
	o.finish()
}

func (o *Orchestrator) apply(ctx context.Context, effects []Effect) {
	for _, e := range effects {
		switch e := e.(type) {
		case SubmitCommand:
			if e.Command.Kind == acquisition.CommandSetROI {
				o.roiTouched = true
			}
			o.submit(e.Command)
		case ShowPattern:
			o.deps.Display.ShowPattern(e.Board, e.Center)
		case ClearPattern:
			o.deps.Display.ClearPattern()
		case Prompt:
			o.setPrompt(e.Message)
		case ClearPrompt:
			o.clearPrompt()
		case ApplyROI:
			o.restoreROI, o.haveROI, o.roiTouched = e.ROI, true, false
			o.submit(acquisition.SetROI(e.ROI))
			if o.deps.Listener != nil {
				o.deps.Listener.ROIChanged(e.ROI)
			}
			o.logger.Infow("region of interest set", "roi", e.ROI.String())
		case ApplyBasePlane:
			o.deps.Engine.SetBasePlane(e.Plane)
			if o.deps.Listener != nil {
				o.deps.Listener.BasePlaneChanged(e.Plane)
			}
			o.logger.Infow("base plane set", "normal", e.Plane.Normal, "offset", e.Plane.Offset)
		case ApplyCeiling:
			o.submit(acquisition.SetCeilingOffset(e.Depth))
			if o.deps.Listener != nil {
				o.deps.Listener.CeilingChanged(e.Depth)
			}
		case ApplyCalibration:
			o.applyCalibration(e)
		case RecordRun:
			o.record(ctx, e)
		}
	}
}

func (o *Orchestrator) submit(cmd acquisition.Command) {
	if seq := o.deps.Controller.Submit(cmd); seq > o.pending {
		o.pending = seq
	}
}

func (o *Orchestrator) setPrompt(msg string) {
	o.prompt = msg
	o.acked = false
	o.deps.Display.ShowMessage(msg)
}

func (o *Orchestrator) clearPrompt() {
	o.prompt = ""
	o.acked = false
	o.deps.Display.ClearMessage()
}

func (o *Orchestrator) applyCalibration(e ApplyCalibration) {
	o.deps.Engine.SetCalibration(e.Calibration)
	o.calibrated = true
	o.summary = e.Summary
	if o.deps.Listener != nil {
		o.deps.Listener.CalibrationChanged(e.Calibration)
	}
	o.logger.Infow("calibration accepted",
		"mean_error", e.Summary.Mean, "max_error", e.Summary.Max, "pairs", e.Summary.Pairs)
	if o.cfg.CalibrationPath == "" {
		return
	}
	f := calibration.NewFile(o.deps.Projector, o.deps.Sensor, e.Calibration)
	if err := calibration.Save(o.cfg.CalibrationPath, f); err != nil {
		o.lastErr = err
		o.logger.Errorw("cannot save calibration", "path", o.cfg.CalibrationPath, "error", err)
	}
}

func (o *Orchestrator) record(ctx context.Context, e RecordRun) {
	if o.deps.History == nil {
		return
	}
	id, err := o.deps.History.Record(ctx, history.Run{
		Mode:         o.mode.String(),
		StartedAt:    o.startedAt,
		FinishedAt:   o.deps.Clock.Now(),
		ErrorSummary: e.Summary,
		Accepted:     e.Accepted,
		Reason:       e.Reason,
		Coefficients: e.Calibration,
	})
	if err != nil {
		o.logger.Warnw("cannot record calibration run", "error", err)
		return
	}
	o.logger.Debugw("recorded calibration run", "id", id, "accepted", e.Accepted)
}

// finish ends a successful calibration.
func (o *Orchestrator) finish() {
	o.leave()
	o.logger.Infow("calibration finished", "mode", o.mode.String())
}

// fail ends the calibration with err as the reason.
func (o *Orchestrator) fail(err error) {
	o.lastErr = err
	if o.auto != nil {
		switch o.auto.State.(type) {
		case AutoDone, AutoCompute:
		default:
			o.submit(acquisition.SetCeilingOffset(o.auto.OriginalCeiling))
		}
	}
	if o.roiTouched && o.haveROI && !o.restoreROI.Empty() {
		o.submit(acquisition.SetROI(o.restoreROI))
		o.roiTouched = false
	}
	o.leave()
	o.logger.Warnw("calibration failed", "mode", o.mode.String(), "error", err)
}

func (o *Orchestrator) leave() {
	o.deps.Display.ClearPattern()
	if o.prompt != "" {
		o.clearPrompt()
	}
	if next, err := o.app.Next(EventCalibrationEnded); err == nil {
		o.app = next
	}
}
