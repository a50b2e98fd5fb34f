package stabilizer

import (
	"image"

	"github.com/pkg/errors"
)

// Config describes the frame geometry and filter parameters of a Stabilizer. Changing any of them
// requires rebuilding the per-pixel state, see Stabilizer.Reconfigure.
type Config struct {
	Width  int             `json:"width"`
	Height int             `json:"height"`
	ROI    image.Rectangle `json:"roi"`

	// AveragingSlots is the ring size K of every pixel history.
	AveragingSlots int `json:"averaging_slots"`
	// VarianceThreshold is the largest population variance (mm²) of a stable pixel.
	VarianceThreshold float64 `json:"variance_threshold"`
	// Hysteresis is the smallest change of the running mean that moves a stable value.
	Hysteresis float64 `json:"hysteresis"`
	// CeilingOffset is the nearest accepted depth. Samples closer to the sensor are dropped.
	// Zero disables the ceiling.
	CeilingOffset float64 `json:"ceiling_offset"`

	SpatialFilter          bool    `json:"spatial_filter"`
	QuickReaction          bool    `json:"quick_reaction"`
	QuickReactionThreshold float64 `json:"quick_reaction_threshold"`

	// WarmupTicks is the number of ingested frames after which the output is considered settled.
	WarmupTicks int `json:"warmup_ticks"`

	GradientResolution int     `json:"gradient_resolution"`
	MaxGradient        float64 `json:"max_gradient"`
}

// DefaultConfig returns the filter parameters used when nothing is configured, with the ROI
// covering the whole frame.
func DefaultConfig(width, height int) Config {
	return Config{
		Width:                  width,
		Height:                 height,
		ROI:                    image.Rect(0, 0, width, height),
		AveragingSlots:         15,
		VarianceThreshold:      4,
		Hysteresis:             0.5,
		SpatialFilter:          true,
		QuickReactionThreshold: 10,
		WarmupTicks:            60,
		GradientResolution:     10,
		MaxGradient:            4,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate() error {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return errors.Errorf("invalid frame size (%d, %d)", cfg.Width, cfg.Height)
	}
	if cfg.ROI.Empty() {
		return errors.New("roi is empty")
	}
	if !cfg.ROI.In(image.Rect(0, 0, cfg.Width, cfg.Height)) {
		return errors.Errorf("roi %v is outside the %dx%d frame", cfg.ROI, cfg.Width, cfg.Height)
	}
	if cfg.AveragingSlots < 1 {
		return errors.Errorf("averaging_slots must be at least 1, got %d", cfg.AveragingSlots)
	}
	if cfg.VarianceThreshold < 0 || cfg.Hysteresis < 0 || cfg.CeilingOffset < 0 {
		return errors.New("variance_threshold, hysteresis and ceiling_offset cannot be negative")
	}
	if cfg.QuickReaction && cfg.QuickReactionThreshold <= 0 {
		return errors.New("quick_reaction_threshold must be positive when quick_reaction is enabled")
	}
	if cfg.WarmupTicks < 0 {
		return errors.Errorf("warmup_ticks cannot be negative, got %d", cfg.WarmupTicks)
	}
	if cfg.GradientResolution < 1 {
		return errors.Errorf("gradient_resolution must be at least 1, got %d", cfg.GradientResolution)
	}
	if cfg.MaxGradient < 0 {
		return errors.New("max_gradient cannot be negative")
	}
	return nil
}

// MinSamples is the number of valid ring entries a pixel needs before it can be stable.
func (cfg Config) MinSamples() int {
	return (cfg.AveragingSlots + 2) / 2
}
