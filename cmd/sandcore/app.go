package main

import (
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/arsandbox/sandcore/autocalib"
	"github.com/arsandbox/sandcore/logging"
)

const (
	flagLogFile     = "log-file"
	flagLogLevel    = "log-level"
	flagDebug       = "debug"
	flagSettings    = "settings"
	flagCalibration = "calibration"
	flagHistory     = "history"
	flagProjector   = "projector"
	flagSensor      = "sensor"
	flagIntrinsics  = "intrinsics"
	flagNoise       = "noise"
	flagWatch       = "watch"
	flagDuration    = "duration"
	flagStatus      = "status-interval"
	flagMode        = "mode"
	flagDetector    = "detector"
	flagConfig      = "config"
	flagLimit       = "limit"
	flagTrace       = "trace"
)

func newApp() *cli.App {
	sessionFlags := []cli.Flag{
		&cli.StringFlag{
			Name:  flagSettings,
			Value: "sandbox_settings.json",
			Usage: "load and save session settings in `FILE`",
		},
		&cli.StringFlag{
			Name:  flagProjector,
			Value: "1280x720",
			Usage: "projector resolution as `WxH`",
		},
		&cli.StringFlag{
			Name:  flagSensor,
			Value: "640x480",
			Usage: "resolution of the synthetic sensor as `WxH`",
		},
		&cli.StringFlag{
			Name:  flagIntrinsics,
			Usage: "read the sensor intrinsics from `FILE` instead of deriving them",
		},
		&cli.IntFlag{
			Name:  flagNoise,
			Value: 2,
			Usage: "amplitude of the depth noise of the synthetic sensor, in millimeters",
		},
	}

	return &cli.App{
		Name:            "sandcore",
		Usage:           "depth stabilization and projector calibration for an AR sandbox",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "also write logs to `FILE`, rotated by size",
			},
			&cli.StringSliceFlag{
				Name:  flagLogLevel,
				Usage: "set the level of matching loggers, e.g. sandcore.autocalib=debug",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.StringFlag{
				Name:  flagCalibration,
				Value: "calibration.json",
				Usage: "projector calibration `FILE`",
			},
			&cli.StringFlag{
				Name:  flagHistory,
				Value: "calibration_history.db",
				Usage: "calibration history database `FILE`",
			},
		},
		Before: setupLogging,
		After:  closeLogging,
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "stabilize depth frames and keep the session settings up to date",
				Flags: append(sessionFlags,
					&cli.BoolFlag{
						Name:  flagWatch,
						Value: true,
						Usage: "apply edits of the settings file while running",
					},
					&cli.DurationFlag{
						Name:  flagDuration,
						Usage: "stop after this long; zero runs until interrupted",
					},
					&cli.DurationFlag{
						Name:  flagStatus,
						Value: defaultStatusInterval,
						Usage: "how often to log the session status",
					},
				),
				Action: RunAction,
			},
			{
				Name:  "calibrate",
				Usage: "calibrate the synthetic sandbox end to end",
				Flags: append(sessionFlags,
					&cli.StringFlag{
						Name:  flagMode,
						Value: autocalib.ModeFullAuto.String(),
						Usage: "calibration flow: full_auto, roi_auto or proj_kinect_auto",
					},
					&cli.StringFlag{
						Name:  flagDetector,
						Value: "fake",
						Usage: "pattern detector: fake, or opencv when built with cgo",
					},
					&cli.BoolFlag{
						Name:  flagTrace,
						Usage: "log every step of this calibration at debug level",
					},
					&cli.StringFlag{
						Name:  flagConfig,
						Usage: "read calibration tunables from the JSON `FILE`",
					},
					&cli.DurationFlag{
						Name:  flagDuration,
						Value: defaultCalibrationTimeout,
						Usage: "give up after this long",
					},
				),
				Action: CalibrateAction,
			},
			{
				Name:      "inspect",
				Usage:     "print a calibration file",
				ArgsUsage: "[file]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagProjector,
						Usage: "check the file against this projector resolution `WxH`",
					},
					&cli.StringFlag{
						Name:  flagSensor,
						Usage: "check the file against this sensor resolution `WxH`",
					},
				},
				Action: InspectAction,
			},
			{
				Name:  "history",
				Usage: "list recorded calibration runs",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  flagLimit,
						Value: 20,
						Usage: "show at most this many runs, newest first",
					},
				},
				Action: HistoryAction,
			},
		},
	}
}

var logCloser io.Closer

func setupLogging(c *cli.Context) error {
	logger := logging.NewLogger("sandcore")
	if c.Bool(flagDebug) {
		logger.SetLevel(logging.DEBUG)
	}
	if path := c.String(flagLogFile); path != "" {
		appender, closer := logging.NewFileAppender(logging.FileAppenderConfig{Path: path})
		logger.AddAppender(appender)
		logCloser = closer
	}
	patterns := make([]logging.LevelPattern, 0, len(c.StringSlice(flagLogLevel)))
	for _, s := range c.StringSlice(flagLogLevel) {
		lp, err := logging.ParseLevelPattern(s)
		if err != nil {
			return err
		}
		patterns = append(patterns, lp)
	}
	if err := logging.UpdateLevels(patterns); err != nil {
		return err
	}
	logging.ReplaceGlobal(logger)
	return nil
}

func closeLogging(_ *cli.Context) error {
	//nolint:errcheck
	logging.Global().Sync()
	if logCloser != nil {
		return logCloser.Close()
	}
	return nil
}

// parseResolution parses "WxH".
func parseResolution(s string) (image.Point, error) {
	var w, h int
	if _, err := fmt.Sscanf(strings.ToLower(s), "%dx%d", &w, &h); err != nil {
		return image.Point{}, errors.Wrapf(err, "invalid resolution %q, expected WxH", s)
	}
	if w <= 0 || h <= 0 {
		return image.Point{}, errors.Errorf("invalid resolution %q", s)
	}
	return image.Pt(w, h), nil
}

func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, format+"\n", a...)
}
