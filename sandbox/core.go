// Package sandbox is the surface the rendering side of an AR sandbox talks to. A Core owns the
// acquisition worker, the coordinate transforms and the calibration orchestrator of a session.
package sandbox

import (
	"context"
	"image"
	"os"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/arsandbox/sandcore/acquisition"
	"github.com/arsandbox/sandcore/autocalib"
	"github.com/arsandbox/sandcore/calibration"
	"github.com/arsandbox/sandcore/logging"
	"github.com/arsandbox/sandcore/plane"
	"github.com/arsandbox/sandcore/rimage"
	"github.com/arsandbox/sandcore/sensor"
	"github.com/arsandbox/sandcore/settings"
	"github.com/arsandbox/sandcore/stabilizer"
	"github.com/arsandbox/sandcore/transform"
)

// Config describes a session.
type Config struct {
	// Projector is the projector resolution.
	Projector image.Point
	// CalibrationPath is loaded at start when it exists.
	CalibrationPath string
	// Stabilizer holds the filter parameters the settings file does not cover. Its frame size and
	// the fields stored in the settings are overwritten.
	Stabilizer *stabilizer.Config
}

// Core is the consumer facing state of a session. Poll must be called from the update loop;
// the getters are safe from any goroutine.
type Core struct {
	logger   logging.Logger
	cfg      Config
	sensor   image.Point
	engine   *transform.Engine
	worker   *acquisition.Worker
	settings *settings.Store
	watcher  *settings.Watcher
	orch     *autocalib.Orchestrator

	mu       sync.RWMutex
	gradient *rimage.GradientField
	color    image.Image
	roi      image.Rectangle
	ceiling  float64

	basePlaneUpdated   atomic.Bool
	roiUpdated         atomic.Bool
	calibrationUpdated atomic.Bool
}

// New assembles a session around s, restoring store. The worker is not started.
func New(
	s sensor.Sensor,
	store *settings.Store,
	cfg Config,
	logger logging.Logger,
	opts ...acquisition.Option,
) (*Core, error) {
	if cfg.Projector.X <= 0 || cfg.Projector.Y <= 0 {
		return nil, errors.Errorf("invalid projector resolution %v", cfg.Projector)
	}
	world, err := sensor.WorldMatrix(s)
	if err != nil {
		return nil, err
	}
	res := s.Resolution()
	current := store.Get()
	if err := current.Validate(res); err != nil {
		return nil, errors.Wrap(err, "settings do not fit the sensor")
	}

	base := stabilizer.DefaultConfig(res.X, res.Y)
	if cfg.Stabilizer != nil {
		base = *cfg.Stabilizer
		base.Width, base.Height = res.X, res.Y
	}
	stabCfg := current.Apply(base)
	stab, err := stabilizer.New(stabCfg, logger.Sublogger("stabilizer"))
	if err != nil {
		return nil, err
	}
	worker, err := acquisition.NewWorker(s, stab, logger.Sublogger("acquisition"), opts...)
	if err != nil {
		return nil, err
	}

	engine := transform.NewEngine(world)
	engine.SetBasePlane(current.BasePlane)
	c := &Core{
		logger:   logger,
		cfg:      cfg,
		sensor:   res,
		engine:   engine,
		worker:   worker,
		settings: store,
		roi:      stabCfg.ROI,
		ceiling:  stabCfg.CeilingOffset,
	}
	if cfg.CalibrationPath != "" {
		switch err := c.LoadCalibration(cfg.CalibrationPath); {
		case errors.Is(err, os.ErrNotExist):
			logger.Infow("no calibration yet", "path", cfg.CalibrationPath)
		case err != nil:
			logger.Warnw("not using saved calibration", "path", cfg.CalibrationPath, "error", err)
		}
	}
	return c, nil
}

// Start runs the acquisition worker and, when watch is set, follows edits of the settings file.
func (c *Core) Start(ctx context.Context, watch bool) error {
	c.worker.Start(ctx)
	if !watch {
		return nil
	}
	w, err := settings.Watch(c.settings, c.settingsEdited, c.logger.Sublogger("settings"))
	if err != nil {
		c.worker.Stop()
		return err
	}
	c.watcher = w
	return nil
}

// Close stops the watcher and the worker.
func (c *Core) Close() error {
	var err error
	if c.watcher != nil {
		err = c.watcher.Close()
	}
	c.worker.Stop()
	return err
}

func (c *Core) settingsEdited(prev, next settings.Settings) {
	for _, cmd := range next.Changes(prev) {
		c.worker.Submit(cmd)
	}
	if next.BasePlane != prev.BasePlane {
		c.engine.SetBasePlane(next.BasePlane)
		c.basePlaneUpdated.Store(true)
	}
	if next.ROI != prev.ROI {
		c.setROI(next.ROI)
	}
	if next.CeilingOffset != prev.CeilingOffset {
		c.mu.Lock()
		c.ceiling = next.CeilingOffset
		c.mu.Unlock()
	}
}

// Worker returns the acquisition worker.
func (c *Core) Worker() *acquisition.Worker {
	return c.worker
}

// Engine returns the coordinate transforms of the session.
func (c *Core) Engine() *transform.Engine {
	return c.engine
}

// SensorResolution returns the depth frame size.
func (c *Core) SensorResolution() image.Point {
	return c.sensor
}

// ProjectorResolution returns the projector size.
func (c *Core) ProjectorResolution() image.Point {
	return c.cfg.Projector
}

// Poll takes whatever the worker has published since the last call. It reports whether a new
// filtered frame arrived.
func (c *Core) Poll() bool {
	filtered, fresh := c.worker.TryFiltered()
	if fresh {
		c.engine.SetDepthFrame(filtered)
	}
	gradient, okGradient := c.worker.TryGradient()
	color, okColor := c.worker.TryColor()
	if okGradient || okColor {
		c.mu.Lock()
		if okGradient {
			c.gradient = gradient
		}
		if okColor {
			c.color = color
		}
		c.mu.Unlock()
	}
	return fresh
}

// FilteredDepth returns the latest filtered depth frame, nil before the first one.
func (c *Core) FilteredDepth() *rimage.FilteredDepthFrame {
	return c.engine.DepthFrame()
}

// Color returns the latest color frame, nil before the first one.
func (c *Core) Color() image.Image {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.color
}

// SensorToProjector maps sensor pixel (x, y) to the projector pixel lighting it.
func (c *Core) SensorToProjector(x, y int) r2.Point {
	return c.engine.SensorToProjector(x, y)
}

// ElevationAt returns the height of the surface at sensor pixel (x, y) above the base plane.
func (c *Core) ElevationAt(x, y int) float64 {
	return c.engine.ElevationAt(x, y)
}

// ElevationToDepth returns the depth pixel (x, y) would read at the given elevation.
func (c *Core) ElevationToDepth(elevation float64, x, y int) float64 {
	return c.engine.ElevationToDepth(elevation, x, y)
}

// GradientAt returns the surface gradient of the cell holding sensor pixel (x, y). It is zero
// before the first gradient field arrives.
func (c *Core) GradientAt(x, y int) r2.Point {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.gradient == nil {
		return r2.Point{}
	}
	return c.gradient.At(x, y)
}

// ROI returns the active region of interest.
func (c *Core) ROI() image.Rectangle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roi
}

// Ceiling returns the active ceiling depth.
func (c *Core) Ceiling() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ceiling
}

// IsCalibrated reports whether a projective calibration is active.
func (c *Core) IsCalibrated() bool {
	_, ok := c.engine.Calibration()
	return ok
}

// IsStabilized reports whether the stabilizer has warmed up since its last reset.
func (c *Core) IsStabilized() bool {
	return c.worker.IsStabilized()
}

// BasePlaneUpdated reports whether the base plane changed since the last call.
func (c *Core) BasePlaneUpdated() bool {
	return c.basePlaneUpdated.Swap(false)
}

// ROIUpdated reports whether the region of interest changed since the last call.
func (c *Core) ROIUpdated() bool {
	return c.roiUpdated.Swap(false)
}

// CalibrationUpdated reports whether the projective calibration changed since the last call.
func (c *Core) CalibrationUpdated() bool {
	return c.calibrationUpdated.Swap(false)
}

// LoadCalibration activates the calibration stored at path. A file solved for other resolutions
// is rejected and the active calibration is kept.
func (c *Core) LoadCalibration(path string) error {
	f, err := calibration.Load(path, c.cfg.Projector, c.sensor)
	if err != nil {
		return err
	}
	c.engine.SetCalibration(f.Coefficients)
	c.calibrationUpdated.Store(true)
	c.logger.Infow("calibration loaded", "path", path)
	return nil
}

// SetROI restricts stabilization to roi and saves it.
func (c *Core) SetROI(roi image.Rectangle) error {
	if err := c.settings.Update(func(s *settings.Settings) { s.ROI = roi }); err != nil {
		return err
	}
	c.worker.Submit(acquisition.SetROI(roi))
	c.setROI(roi)
	return nil
}

func (c *Core) setROI(roi image.Rectangle) {
	c.mu.Lock()
	c.roi = roi
	c.mu.Unlock()
	c.roiUpdated.Store(true)
}

// ROIChanged implements autocalib.Listener.
func (c *Core) ROIChanged(roi image.Rectangle) {
	if err := c.settings.Update(func(s *settings.Settings) { s.ROI = roi }); err != nil {
		c.logger.Warnw("cannot save roi", "error", err)
	}
	c.setROI(roi)
}

// BasePlaneChanged implements autocalib.Listener.
func (c *Core) BasePlaneChanged(p plane.Plane) {
	if err := c.settings.Update(func(s *settings.Settings) { s.BasePlane = p }); err != nil {
		c.logger.Warnw("cannot save base plane", "error", err)
	}
	c.basePlaneUpdated.Store(true)
}

// CeilingChanged implements autocalib.Listener.
func (c *Core) CeilingChanged(depth float64) {
	if err := c.settings.Update(func(s *settings.Settings) { s.CeilingOffset = depth }); err != nil {
		c.logger.Warnw("cannot save ceiling", "error", err)
	}
	c.mu.Lock()
	c.ceiling = depth
	c.mu.Unlock()
}

// CalibrationChanged implements autocalib.Listener.
func (c *Core) CalibrationChanged(calibration.ProjectiveCalibration) {
	c.calibrationUpdated.Store(true)
}

// NewCalibrator returns an orchestrator wired to this session. deps only needs the display, the
// detector and optionally the history and clock; the rest is filled in.
func (c *Core) NewCalibrator(cfg autocalib.Config, deps autocalib.Dependencies) (*autocalib.Orchestrator, error) {
	if cfg.CalibrationPath == "" {
		cfg.CalibrationPath = c.cfg.CalibrationPath
	}
	deps.Engine = c.engine
	deps.Controller = c.worker
	deps.Listener = c
	deps.Projector = c.cfg.Projector
	deps.Sensor = c.sensor
	orch, err := autocalib.New(cfg, deps, c.logger.Sublogger("autocalib"))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.orch = orch
	c.mu.Unlock()
	return orch, nil
}

// Update polls the worker and advances the calibration, if one was created.
func (c *Core) Update(ctx context.Context) error {
	c.Poll()
	c.mu.RLock()
	orch := c.orch
	in := autocalib.Inputs{
		Color:   c.color,
		ROI:     c.roi,
		Ceiling: c.ceiling,
	}
	c.mu.RUnlock()
	if orch == nil {
		return nil
	}
	// Applied is read first so that Stabilized never predates the commands it covers.
	in.Applied = c.worker.Applied()
	in.Stabilized = c.worker.IsStabilized()
	in.Filtered = c.engine.DepthFrame()
	return orch.Tick(ctx, in)
}
