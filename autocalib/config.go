package autocalib

import (
	"github.com/pkg/errors"

	"github.com/arsandbox/sandcore/roi"
	"github.com/arsandbox/sandcore/vision"
)

// Config holds the tunables of a calibration run.
type Config struct {
	// MaxReprojectionError is the largest mean reprojection error, in projector pixels, of an
	// accepted calibration.
	MaxReprojectionError float64 `json:"max_reprojection_error"`
	// MaxRetries is the number of failed detections at one position before the pattern moves
	// closer to the center.
	MaxRetries int `json:"max_retries"`
	// ShrinkFactor scales the pattern offset from the center after MaxRetries failures.
	ShrinkFactor float64 `json:"shrink_factor"`
	// LowRadius and HighRadius place the patterns on the sand and on the board, as a fraction of
	// the largest offset that keeps the pattern on screen.
	LowRadius  float64 `json:"low_radius"`
	HighRadius float64 `json:"high_radius"`
	// PlaneCrop is the fraction of the ROI width and height cut from each side before fitting
	// the base plane.
	PlaneCrop float64 `json:"plane_crop"`
	// PlaneStep is the pixel stride of the plane fits.
	PlaneStep int `json:"plane_step"`
	// CeilingMargin is how far in front of the board the new ceiling is placed, in depth units.
	CeilingMargin float64 `json:"ceiling_margin"`
	// SettleTicks is the number of frames skipped after a pattern is drawn.
	SettleTicks int `json:"settle_ticks"`

	Board   vision.Checkerboard `json:"board"`
	Cutoffs []uint8             `json:"cutoffs"`

	// CalibrationPath is where accepted calibrations are saved. Empty disables saving.
	CalibrationPath string `json:"calibration_path"`
}

// DefaultConfig returns the values the calibration was tuned with.
func DefaultConfig() Config {
	return Config{
		MaxReprojectionError: 50,
		MaxRetries:           3,
		ShrinkFactor:         0.8,
		LowRadius:            0.8,
		HighRadius:           0.4,
		PlaneCrop:            0.25,
		PlaneStep:            4,
		CeilingMargin:        20,
		SettleTicks:          2,
		Board:                vision.DefaultCheckerboard(),
		Cutoffs:              roi.DefaultCutoffs(),
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate() error {
	if cfg.MaxReprojectionError <= 0 {
		return errors.New("max_reprojection_error must be positive")
	}
	if cfg.MaxRetries < 1 {
		return errors.Errorf("max_retries must be at least 1, got %d", cfg.MaxRetries)
	}
	if cfg.ShrinkFactor <= 0 || cfg.ShrinkFactor >= 1 {
		return errors.Errorf("shrink_factor must be in (0, 1), got %v", cfg.ShrinkFactor)
	}
	if cfg.LowRadius < 0 || cfg.LowRadius > 1 || cfg.HighRadius < 0 || cfg.HighRadius > 1 {
		return errors.New("low_radius and high_radius must be in [0, 1]")
	}
	if cfg.PlaneCrop < 0 || cfg.PlaneCrop >= 0.5 {
		return errors.Errorf("plane_crop must be in [0, 0.5), got %v", cfg.PlaneCrop)
	}
	if cfg.PlaneStep < 1 {
		return errors.New("plane_step must be at least 1")
	}
	if cfg.CeilingMargin < 0 || cfg.SettleTicks < 0 {
		return errors.New("ceiling_margin and settle_ticks cannot be negative")
	}
	if cfg.Board.Grid.X < 2 || cfg.Board.Grid.Y < 2 || cfg.Board.Square <= 0 {
		return errors.Errorf("invalid board %+v", cfg.Board)
	}
	if len(cfg.Cutoffs) == 0 {
		return errors.New("at least one roi cutoff is needed")
	}
	return nil
}
