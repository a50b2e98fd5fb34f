// Package settings persists the runtime choices of a sandbox session: the region of interest,
// the base plane, the ceiling and the stabilizer toggles.
package settings

import (
	"encoding/json"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/arsandbox/sandcore/acquisition"
	"github.com/arsandbox/sandcore/plane"
	"github.com/arsandbox/sandcore/stabilizer"
)

// Settings is the content of the settings file.
type Settings struct {
	ROI            image.Rectangle `json:"roi"`
	BasePlane      plane.Plane     `json:"base_plane"`
	CeilingOffset  float64         `json:"ceiling_offset"`
	SpatialFilter  bool            `json:"spatial_filter"`
	QuickReaction  bool            `json:"quick_reaction"`
	AveragingSlots int             `json:"averaging_slots"`
}

// Default returns the settings of a fresh install for a sensor of the given size. The base plane
// faces the sensor one meter away.
func Default(sensor image.Point) Settings {
	cfg := stabilizer.DefaultConfig(sensor.X, sensor.Y)
	return Settings{
		ROI:            cfg.ROI,
		BasePlane:      plane.New(r3.Vector{Z: 1}, r3.Vector{Z: 1000}),
		CeilingOffset:  cfg.CeilingOffset,
		SpatialFilter:  cfg.SpatialFilter,
		QuickReaction:  cfg.QuickReaction,
		AveragingSlots: cfg.AveragingSlots,
	}
}

// Validate ensures all parts of the settings are valid for a sensor of the given size.
func (s *Settings) Validate(sensor image.Point) error {
	if s.ROI.Empty() || !s.ROI.In(image.Rectangle{Max: sensor}) {
		return errors.Errorf("roi %v must be a non-empty part of the %v frame", s.ROI, sensor)
	}
	if !s.BasePlane.Valid() {
		return errors.Errorf("invalid base plane %+v", s.BasePlane)
	}
	if s.CeilingOffset < 0 {
		return errors.New("ceiling_offset cannot be negative")
	}
	if s.AveragingSlots < 1 {
		return errors.Errorf("averaging_slots must be at least 1, got %d", s.AveragingSlots)
	}
	return nil
}

// Apply returns cfg with the stabilizer settings of s.
func (s Settings) Apply(cfg stabilizer.Config) stabilizer.Config {
	cfg.ROI = s.ROI
	cfg.CeilingOffset = s.CeilingOffset
	cfg.SpatialFilter = s.SpatialFilter
	cfg.QuickReaction = s.QuickReaction
	cfg.AveragingSlots = s.AveragingSlots
	return cfg
}

// Changes returns the worker commands that turn prev into s.
func (s Settings) Changes(prev Settings) []acquisition.Command {
	var cmds []acquisition.Command
	if s.ROI != prev.ROI {
		cmds = append(cmds, acquisition.SetROI(s.ROI))
	}
	if s.CeilingOffset != prev.CeilingOffset {
		cmds = append(cmds, acquisition.SetCeilingOffset(s.CeilingOffset))
	}
	if s.SpatialFilter != prev.SpatialFilter {
		cmds = append(cmds, acquisition.SetSpatialFilter(s.SpatialFilter))
	}
	if s.QuickReaction != prev.QuickReaction {
		cmds = append(cmds, acquisition.SetQuickReaction(s.QuickReaction, 0))
	}
	if s.AveragingSlots != prev.AveragingSlots {
		cmds = append(cmds, acquisition.SetAveragingSlots(s.AveragingSlots))
	}
	return cmds
}

// Read decodes the settings file at path. Fields missing from the file keep the values of def.
func Read(path string, def Settings) (Settings, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return def, errors.Wrap(err, "error opening settings file")
	}
	s := def
	if err := json.Unmarshal(data, &s); err != nil {
		return def, errors.Wrap(err, "error parsing settings file")
	}
	return s, nil
}

// Write saves s to path as JSON. The file is written next to path first and renamed into place.
func Write(path string, s Settings) (err error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "cannot encode settings")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "cannot create settings file")
	}
	defer func() {
		if err != nil {
			utils.UncheckedError(os.Remove(tmp.Name()))
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		utils.UncheckedError(tmp.Close())
		return errors.Wrap(err, "cannot write settings file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "cannot write settings file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "cannot move settings file into place")
}

// Store holds the current settings and writes every change to its file.
type Store struct {
	mu      sync.Mutex
	path    string
	sensor  image.Point
	current Settings
}

// Open loads the settings at path for a sensor of the given size. A missing file yields the
// defaults, which are written out.
func Open(path string, sensor image.Point) (*Store, error) {
	def := Default(sensor)
	s, err := Read(path, def)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := Write(path, def); err != nil {
			return nil, err
		}
		s = def
	case err != nil:
		return nil, err
	}
	if err := s.Validate(sensor); err != nil {
		return nil, errors.Wrapf(err, "invalid settings in %s", path)
	}
	return &Store{path: path, sensor: sensor, current: s}, nil
}

// Path returns the settings file.
func (st *Store) Path() string {
	return st.path
}

// Get returns the current settings.
func (st *Store) Get() Settings {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current
}

// Update applies fn to a copy of the current settings, validates and saves the result.
func (st *Store) Update(fn func(*Settings)) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	next := st.current
	fn(&next)
	if err := next.Validate(st.sensor); err != nil {
		return err
	}
	if next == st.current {
		return nil
	}
	if err := Write(st.path, next); err != nil {
		return err
	}
	st.current = next
	return nil
}

// reload reads the file again. It returns the settings before and after, and whether they
// differ.
func (st *Store) reload() (prev, next Settings, changed bool, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	next, err = Read(st.path, st.current)
	if err != nil {
		return st.current, st.current, false, err
	}
	if err := next.Validate(st.sensor); err != nil {
		return st.current, st.current, false, err
	}
	prev = st.current
	st.current = next
	return prev, next, prev != next, nil
}
