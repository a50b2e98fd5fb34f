package main

import (
	"context"
	"encoding/json"
	"image"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/arsandbox/sandcore/autocalib"
	"github.com/arsandbox/sandcore/calibration"
	"github.com/arsandbox/sandcore/calibration/history"
	"github.com/arsandbox/sandcore/logging"
	"github.com/arsandbox/sandcore/sandbox"
	"github.com/arsandbox/sandcore/sensor/fake"
	"github.com/arsandbox/sandcore/settings"
	"github.com/arsandbox/sandcore/transform"
)

const (
	defaultStatusInterval     = 5 * time.Second
	defaultCalibrationTimeout = 5 * time.Minute
	updateInterval            = 16 * time.Millisecond
)

// session is a Core running on the synthetic sandbox.
type session struct {
	core  *sandbox.Core
	scene *fake.Scene
	proj  *fake.Projector
}

func openSession(c *cli.Context, logger logging.Logger) (*session, error) {
	projector, err := parseResolution(c.String(flagProjector))
	if err != nil {
		return nil, err
	}
	size, err := parseResolution(c.String(flagSensor))
	if err != nil {
		return nil, err
	}
	intrinsics := &transform.Intrinsics{
		Width:  size.X,
		Height: size.Y,
		Fx:     0.9 * float64(size.X),
		Fy:     0.9 * float64(size.X),
		Ppx:    float64(size.X) / 2,
		Ppy:    float64(size.Y) / 2,
	}
	if path := c.String(flagIntrinsics); path != "" {
		if intrinsics, err = transform.NewIntrinsicsFromJSONFile(path); err != nil {
			return nil, err
		}
		size = image.Pt(intrinsics.Width, intrinsics.Height)
	}
	world, err := transform.NewWorldMatrixFromIntrinsics(intrinsics)
	if err != nil {
		return nil, err
	}

	sceneCfg := fake.DefaultSceneConfig(size.X, size.Y)
	sceneCfg.Noise = c.Int(flagNoise)
	sceneCfg.Seed = time.Now().UnixNano()
	scene, err := fake.NewScene(sceneCfg, world)
	if err != nil {
		return nil, err
	}
	truth := fake.ProjectorCalibration(projector, world, sceneCfg.Sand, sceneCfg.SandDepth, 0.05)
	proj := fake.NewProjector(projector, truth, world, scene)
	s, err := fake.NewSensor(fake.Config{Intrinsics: intrinsics}, scene, logger.Sublogger("sensor"))
	if err != nil {
		return nil, err
	}

	store, err := settings.Open(c.String(flagSettings), size)
	if err != nil {
		return nil, err
	}
	core, err := sandbox.New(s, store, sandbox.Config{
		Projector:       projector,
		CalibrationPath: c.String(flagCalibration),
	}, logger)
	if err != nil {
		return nil, err
	}
	return &session{core: core, scene: scene, proj: proj}, nil
}

func signalContext(c *cli.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// RunAction is the corresponding Action for 'run'.
func RunAction(c *cli.Context) (err error) {
	logger := logging.Global()
	sess, err := openSession(c, logger)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(c, c.Duration(flagDuration))
	defer cancel()

	if err := sess.core.Start(ctx, c.Bool(flagWatch)); err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, sess.core.Close())
	}()

	update := time.NewTicker(updateInterval)
	defer update.Stop()
	status := time.NewTicker(c.Duration(flagStatus))
	defer status.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping")
			return nil
		case <-update.C:
			sess.core.Poll()
		case <-status.C:
			core := sess.core
			logger.Infow("status",
				"frames", core.Worker().Frames(),
				"stabilized", core.IsStabilized(),
				"calibrated", core.IsCalibrated(),
				"roi", core.ROI().String(),
				"ceiling", core.Ceiling())
		}
	}
}

// CalibrateAction is the corresponding Action for 'calibrate'.
func CalibrateAction(c *cli.Context) (err error) {
	logger := logging.Global()
	mode, err := autocalib.ParseCalibrationMode(c.String(flagMode))
	if err != nil {
		return err
	}
	switch mode {
	case autocalib.ModeFullAuto, autocalib.ModeRoiAuto, autocalib.ModeProjKinectAuto:
	default:
		return errors.Errorf("mode %v needs a user and cannot run from the command line", mode)
	}
	cfg := autocalib.DefaultConfig()
	if path := c.String(flagConfig); path != "" {
		//nolint:gosec
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, "error opening calibration config")
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return errors.Wrap(err, "error parsing calibration config")
		}
	}

	sess, err := openSession(c, logger)
	if err != nil {
		return err
	}
	deps := autocalib.Dependencies{Display: sess.proj, Detector: sess.proj}
	switch name := c.String(flagDetector); name {
	case "fake":
	case "opencv":
		cv, extractor, ok := openCVDetectors()
		if !ok {
			return errors.New("this build has no opencv support")
		}
		deps.Detector, deps.Extractor = cv, extractor
	default:
		return errors.Errorf("unknown detector %q", name)
	}
	logger.Debugw("using pattern detector", "detector", c.String(flagDetector))

	store, err := history.Open(c.Context, c.String(flagHistory))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, store.Close())
	}()
	deps.History = store

	orch, err := sess.core.NewCalibrator(cfg, deps)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(c, c.Duration(flagDuration))
	defer cancel()
	if c.Bool(flagTrace) {
		ctx = logging.EnableDebugMode(ctx, "calibrate")
	}
	if err := sess.core.Start(ctx, false); err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, sess.core.Close())
	}()
	if err := orch.Start(mode); err != nil {
		return err
	}

	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()
	for orch.Status().App == autocalib.AppCalibrating {
		select {
		case <-ctx.Done():
			return multierr.Combine(ctx.Err(), orch.Cancel())
		case <-ticker.C:
		}
		st := orch.Status()
		if st.Prompt != "" {
			// the synthetic user lays the board once the sand points are in
			if st.Pairs > 0 {
				sess.scene.SetBoard(true)
			}
			logger.Infow("answering prompt", "prompt", st.Prompt)
			orch.Acknowledge()
		}
		if err := sess.core.Update(ctx); err != nil {
			return err
		}
	}

	st := orch.Status()
	if st.Err != nil {
		return errors.Wrap(st.Err, "calibration failed")
	}
	w := c.App.Writer
	printf(w, "calibration finished: %s", mode)
	printf(w, "roi: %v", sess.core.ROI())
	printf(w, "ceiling: %.1f", sess.core.Ceiling())
	if st.Summary.Pairs > 0 {
		printf(w, "pairs: %d mean error: %.3f px median: %.3f px max: %.3f px",
			st.Summary.Pairs, st.Summary.Mean, st.Summary.Median, st.Summary.Max)
	}
	return nil
}

// InspectAction is the corresponding Action for 'inspect'.
func InspectAction(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		path = c.String(flagCalibration)
	}
	f, err := calibration.Read(path)
	if err != nil {
		return err
	}
	w := c.App.Writer
	printf(w, "file: %s", path)
	printf(w, "projector: %v", f.ProjectorResolution())
	printf(w, "sensor: %v", f.SensorResolution())
	for i, row := range f.Coefficients.Matrix() {
		printf(w, "row %d: % .6g % .6g % .6g % .6g", i, row[0], row[1], row[2], row[3])
	}

	if c.String(flagProjector) == "" && c.String(flagSensor) == "" {
		return nil
	}
	projector, sensor := f.ProjectorResolution(), f.SensorResolution()
	if s := c.String(flagProjector); s != "" {
		if projector, err = parseResolution(s); err != nil {
			return err
		}
	}
	if s := c.String(flagSensor); s != "" {
		if sensor, err = parseResolution(s); err != nil {
			return err
		}
	}
	if _, err := calibration.Load(path, projector, sensor); err != nil {
		return err
	}
	printf(w, "matches projector %v and sensor %v", projector, sensor)
	return nil
}

// HistoryAction is the corresponding Action for 'history'.
func HistoryAction(c *cli.Context) (err error) {
	store, err := history.Open(c.Context, c.String(flagHistory))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, store.Close())
	}()
	runs, err := store.List(c.Context, c.Int(flagLimit))
	if err != nil {
		return err
	}
	w := c.App.Writer
	if len(runs) == 0 {
		printf(w, "no calibration runs recorded")
		return nil
	}
	for _, run := range runs {
		verdict := "accepted"
		if !run.Accepted {
			verdict = "rejected: " + run.Reason
		}
		printf(w, "%s %s %-18s pairs=%-4d mean=%.3f max=%.3f %s",
			run.FinishedAt.Format(time.RFC3339), run.ID, run.Mode, run.Pairs, run.Mean, run.Max, verdict)
	}
	return nil
}
