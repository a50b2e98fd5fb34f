package acquisition

import (
	"fmt"
	"image"

	"github.com/pkg/errors"

	"github.com/arsandbox/sandcore/stabilizer"
)

// CommandKind identifies a configuration change applied by the worker between frames.
type CommandKind int

// The commands a Worker understands.
const (
	CommandSetROI CommandKind = iota
	CommandSetAveragingSlots
	CommandSetSpatialFilter
	CommandSetQuickReaction
	CommandSetCeilingOffset
	CommandResetStabilizer
	CommandSetConfig
)

func (k CommandKind) String() string {
	switch k {
	case CommandSetROI:
		return "set_roi"
	case CommandSetAveragingSlots:
		return "set_averaging_slots"
	case CommandSetSpatialFilter:
		return "set_spatial_filter"
	case CommandSetQuickReaction:
		return "set_quick_reaction"
	case CommandSetCeilingOffset:
		return "set_ceiling_offset"
	case CommandResetStabilizer:
		return "reset_stabilizer"
	case CommandSetConfig:
		return "set_config"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// Command is a configuration change for the stabilizer owned by a Worker. Only the fields
// belonging to Kind are meaningful.
type Command struct {
	Kind      CommandKind
	ROI       image.Rectangle
	Slots     int
	Enabled   bool
	Threshold float64
	Ceiling   float64
	Config    stabilizer.Config
}

// SetROI restricts stabilization to roi, clamped to the frame.
func SetROI(roi image.Rectangle) Command {
	return Command{Kind: CommandSetROI, ROI: roi}
}

// SetAveragingSlots changes the ring size of every pixel history.
func SetAveragingSlots(slots int) Command {
	return Command{Kind: CommandSetAveragingSlots, Slots: slots}
}

// SetSpatialFilter toggles the spatial smoothing pass.
func SetSpatialFilter(enabled bool) Command {
	return Command{Kind: CommandSetSpatialFilter, Enabled: enabled}
}

// SetQuickReaction toggles quick reaction. A positive threshold also replaces the change that
// resets a pixel history.
func SetQuickReaction(enabled bool, threshold float64) Command {
	return Command{Kind: CommandSetQuickReaction, Enabled: enabled, Threshold: threshold}
}

// SetCeilingOffset changes the nearest accepted depth. Zero disables the ceiling.
func SetCeilingOffset(ceiling float64) Command {
	return Command{Kind: CommandSetCeilingOffset, Ceiling: ceiling}
}

// ResetStabilizer clears every pixel history and restarts the warm-up.
func ResetStabilizer() Command {
	return Command{Kind: CommandResetStabilizer}
}

// SetConfig replaces the whole stabilizer configuration. The frame size is kept.
func SetConfig(cfg stabilizer.Config) Command {
	return Command{Kind: CommandSetConfig, Config: cfg}
}

// apply returns the stabilizer configuration after cmd, and whether the stabilizer must be
// rebuilt. A reset keeps the configuration and rebuilds nothing.
func (cmd Command) apply(cfg stabilizer.Config) (stabilizer.Config, bool, error) {
	switch cmd.Kind {
	case CommandSetROI:
		roi := cmd.ROI.Intersect(image.Rect(0, 0, cfg.Width, cfg.Height))
		if roi.Empty() {
			return cfg, false, errors.Errorf("roi %v does not overlap the frame", cmd.ROI)
		}
		cfg.ROI = roi
	case CommandSetAveragingSlots:
		cfg.AveragingSlots = cmd.Slots
	case CommandSetSpatialFilter:
		cfg.SpatialFilter = cmd.Enabled
	case CommandSetQuickReaction:
		cfg.QuickReaction = cmd.Enabled
		if cmd.Threshold > 0 {
			cfg.QuickReactionThreshold = cmd.Threshold
		}
	case CommandSetCeilingOffset:
		cfg.CeilingOffset = cmd.Ceiling
	case CommandSetConfig:
		next := cmd.Config
		next.Width, next.Height = cfg.Width, cfg.Height
		cfg = next
	case CommandResetStabilizer:
		return cfg, false, nil
	default:
		return cfg, false, errors.Errorf("unknown command %v", cmd.Kind)
	}
	return cfg, true, nil
}
